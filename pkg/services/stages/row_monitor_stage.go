package stages

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// RowMonitorStage probes every live table for a first row. Missing rows are
// reported, never treated as a failure.
type RowMonitorStage struct {
	*BaseStage
	methods RowMonitorMethods
}

var _ Stage = (*RowMonitorStage)(nil)

// NewRowMonitorStage creates a row-monitor stage.
func NewRowMonitorStage(methods RowMonitorMethods, logger *zap.Logger) *RowMonitorStage {
	return &RowMonitorStage{
		BaseStage: NewBaseStage(StageRowMonitor, logger),
		methods:   methods,
	}
}

// Execute probes each executed live entity. Only context cancellation fails the stage.
func (s *RowMonitorStage) Execute(ctx context.Context, pc *PipelineContext) error {
	live := pc.ExecutedByRole(models.RoleLive)
	s.Logger().Info("Row monitor starting",
		zap.String("entity", pc.Base.Name),
		zap.Int("candidates", len(live)),
		zap.Int("executions", len(pc.Executions)))

	for _, r := range live {
		if err := ctx.Err(); err != nil {
			return err
		}

		row, err := s.methods.FirstRow(ctx, r.Model)
		if err != nil {
			s.Logger().Warn("Row probe failed",
				zap.String("entity", r.Model.Name),
				zap.Error(err))
			continue
		}
		if row == nil {
			s.Logger().Warn("No rows observed yet",
				zap.String("entity", r.Model.Name),
				zap.String("timeframe", r.Timeframe))
			continue
		}
		s.Logger().Info("Observed first row",
			zap.String("entity", r.Model.Name),
			zap.String("type", row.Type.FullName()))
	}
	return nil
}
