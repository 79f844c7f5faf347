package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// PersistentQueryStage collects the persistent queries started by CREATE ... AS
// SELECT statements, waits until each is RUNNING and then checks the target
// topic, the query's internal topics, the schema subjects and the first output.
type PersistentQueryStage struct {
	*BaseStage
	methods PersistentQueryMethods
}

var _ Stage = (*PersistentQueryStage)(nil)

// NewPersistentQueryStage creates a persistent-query stage.
func NewPersistentQueryStage(methods PersistentQueryMethods, logger *zap.Logger) *PersistentQueryStage {
	return &PersistentQueryStage{
		BaseStage: NewBaseStage(StagePersistentQuery, logger),
		methods:   methods,
	}
}

// IsPersistentStatement reports whether a statement starts a persistent query.
func IsPersistentStatement(statement string) bool {
	return strings.Contains(strings.ToUpper(statement), " AS ")
}

// Execute runs Collect, Stabilize and the readiness checks. Every executed
// persistent statement must end up with a RUNNING writer, whether or not its
// query id could be collected.
func (s *PersistentQueryStage) Execute(ctx context.Context, pc *PipelineContext) error {
	targets := s.collect(ctx, pc.Executions)
	pc.ReplacePersistentExecutions(withQueryID(targets))

	for i := range targets {
		pe := &targets[i]
		if pe.QueryID != "" {
			if err := s.methods.WaitForRunning(ctx, pe.TargetModel.Name, pe.QueryID); err != nil {
				return fmt.Errorf("stabilize %s (%s): %w", pe.TargetModel.Name, pe.QueryID, err)
			}
			continue
		}

		if err := s.methods.WaitForRunning(ctx, pe.TargetModel.Name, ""); err != nil {
			return fmt.Errorf("%w: no query writes to %s: %w", apperrors.ErrQueryNotRunning, pe.TargetModel.Name, err)
		}
		if id := s.methods.ConvergeQueryID(ctx, pe.TargetModel.Name, pe.Statement); id != "" {
			pe.QueryID = id
			pc.ReplacePersistentExecutions(withQueryID(targets))
		}
	}

	for i := range targets {
		pe := &targets[i]
		if err := s.methods.AssertPartitions(ctx, pe.TargetModel); err != nil {
			return fmt.Errorf("assert partitions of %s: %w", pe.TargetTopic, err)
		}
		group, err := s.methods.EnsureInternalTopics(ctx, *pe)
		if err != nil {
			return fmt.Errorf("internal topics of %s: %w", pe.TargetTopic, err)
		}
		pe.ConsumerGroupID = group
		if err := s.methods.EnsureSchemaSubjects(ctx, pe.TargetModel); err != nil {
			return fmt.Errorf("schema subjects of %s: %w", pe.TargetTopic, err)
		}
		if err := s.methods.VerifyOutput(ctx, pe.TargetModel); err != nil {
			return fmt.Errorf("verify output of %s: %w", pe.TargetTopic, err)
		}
	}

	persistent := withQueryID(targets)
	pc.ReplacePersistentExecutions(persistent)

	s.Logger().Info("Persistent queries stable",
		zap.String("entity", pc.Base.Name),
		zap.Int("targets", len(targets)),
		zap.Int("queries", len(persistent)))
	return nil
}

// collect returns one execution per executed persistent statement. QueryID is
// empty when neither the response nor SHOW QUERIES named the query.
func (s *PersistentQueryStage) collect(ctx context.Context, executions []*models.ExecutionResult) []models.PersistentQueryExecution {
	var out []models.PersistentQueryExecution
	for _, r := range executions {
		if r == nil || r.Model == nil || !r.Executed || !IsPersistentStatement(r.Statement) {
			continue
		}

		topic := r.Model.TopicName
		queryID := r.QueryID
		if queryID == "" {
			queryID = s.methods.ResolveQueryID(ctx, topic, r.Statement)
		}
		if queryID == "" {
			s.Logger().Warn("Could not locate query id via SHOW QUERIES for derived statement",
				zap.String("entity", r.Model.Name),
				zap.String("topic", topic),
				zap.String("statement", r.Statement))
		}

		out = append(out, models.PersistentQueryExecution{
			QueryID:     queryID,
			TargetModel: r.Model,
			TargetTopic: topic,
			Statement:   r.Statement,
			InputTopic:  r.InputTopic,
			IsDerived:   true,
		})
	}
	return out
}

// withQueryID keeps the executions that can be terminated by id.
func withQueryID(targets []models.PersistentQueryExecution) []models.PersistentQueryExecution {
	out := make([]models.PersistentQueryExecution, 0, len(targets))
	for _, pe := range targets {
		if pe.QueryID != "" {
			out = append(out, pe)
		}
	}
	return out
}
