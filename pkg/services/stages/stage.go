package stages

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// Stage names, in execution order.
const (
	StageRowsLast        = "RowsLast"
	StagePersistentQuery = "PersistentQuery"
	StageRowMonitor      = "RowMonitor"
)

// Stage defines the interface for one post-submission pipeline stage.
// Each stage can fail and be retried without re-running the others.
type Stage interface {
	// Name returns the stage name (e.g., "PersistentQuery")
	Name() string

	// Execute runs the stage's work. Returns an error if the stage fails.
	Execute(ctx context.Context, pc *PipelineContext) error
}

// BaseStage provides common functionality for all stages.
type BaseStage struct {
	name   string
	logger *zap.Logger
}

// NewBaseStage creates a new base stage with a named logger.
func NewBaseStage(name string, logger *zap.Logger) *BaseStage {
	return &BaseStage{
		name:   name,
		logger: logger.Named(name),
	}
}

// Name returns the stage name.
func (b *BaseStage) Name() string {
	return b.name
}

// Logger returns the stage's logger.
func (b *BaseStage) Logger() *zap.Logger {
	return b.logger
}

// PipelineContext carries the submission results of one pipeline attempt through
// the stages. Stages may replace the persistent executions they discover.
type PipelineContext struct {
	RunID      uuid.UUID
	Base       *models.EntityModel
	Executions []*models.ExecutionResult

	mu         sync.RWMutex
	persistent []models.PersistentQueryExecution
}

// NewPipelineContext creates a context for one attempt.
func NewPipelineContext(runID uuid.UUID, base *models.EntityModel, executions []*models.ExecutionResult) *PipelineContext {
	return &PipelineContext{
		RunID:      runID,
		Base:       base,
		Executions: executions,
	}
}

// PersistentExecutions returns a copy of the persistent executions collected so far.
func (pc *PipelineContext) PersistentExecutions() []models.PersistentQueryExecution {
	if pc == nil {
		return nil
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return append([]models.PersistentQueryExecution(nil), pc.persistent...)
}

// ReplacePersistentExecutions replaces the collected persistent executions.
func (pc *PipelineContext) ReplacePersistentExecutions(executions []models.PersistentQueryExecution) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.persistent = append([]models.PersistentQueryExecution(nil), executions...)
}

// ExecutedByRole returns the executed results with the given role.
func (pc *PipelineContext) ExecutedByRole(role models.Role) []*models.ExecutionResult {
	var out []*models.ExecutionResult
	for _, r := range pc.Executions {
		if r != nil && r.Model != nil && r.Executed && r.Role == role {
			out = append(out, r)
		}
	}
	return out
}
