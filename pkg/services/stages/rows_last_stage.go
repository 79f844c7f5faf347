package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// RowsLastStage materializes the companion "<hub>_last" table of every hub
// stream submitted in this attempt.
type RowsLastStage struct {
	*BaseStage
	methods RowsLastMethods
}

var _ Stage = (*RowsLastStage)(nil)

// NewRowsLastStage creates a rows-last stage.
func NewRowsLastStage(methods RowsLastMethods, logger *zap.Logger) *RowsLastStage {
	return &RowsLastStage{
		BaseStage: NewBaseStage(StageRowsLast, logger),
		methods:   methods,
	}
}

// Execute ensures one rows-last table per executed hub.
func (s *RowsLastStage) Execute(ctx context.Context, pc *PipelineContext) error {
	for _, r := range pc.ExecutedByRole(models.RoleHub) {
		if !models.IsHubIdentifier(r.Model.Name) {
			continue
		}
		if err := s.methods.EnsureRowsLast(ctx, r.Model); err != nil {
			return fmt.Errorf("rows-last for %s: %w", r.Model.Name, err)
		}
		s.Logger().Debug("Rows-last table ensured",
			zap.String("hub", r.Model.Name),
			zap.String("target", models.RowsLastName(r.Model.Name)))
	}
	return nil
}
