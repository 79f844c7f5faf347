package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/observability"
	"github.com/ekaya-inc/ekaya-streams/pkg/retry"
	"github.com/ekaya-inc/ekaya-streams/pkg/services/stages"
)

// DefaultStageRetryConfig retries a stage up to 3 times, starting at 1s and
// doubling up to 8s.
func DefaultStageRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

// StageError is returned when a post-submission stage fails after its retries.
// Context carries the executions collected so far so that the caller can tear
// down the persistent queries they started.
type StageError struct {
	Stage   string
	Context *stages.PipelineContext
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// UnifiedPipelineOrchestrator runs the derived pipeline and then the
// post-submission stages (RowsLast, PersistentQuery, RowMonitor) in order.
// Each stage is retried on its own; a pipeline failure is returned as is.
type UnifiedPipelineOrchestrator struct {
	pipeline   *DerivedTumblingPipeline
	stages     []stages.Stage
	stageRetry *retry.Config
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewUnifiedPipelineOrchestrator creates an orchestrator. A nil stageRetry uses
// DefaultStageRetryConfig.
func NewUnifiedPipelineOrchestrator(
	pipeline *DerivedTumblingPipeline,
	pipelineStages []stages.Stage,
	stageRetry *retry.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *UnifiedPipelineOrchestrator {
	if stageRetry == nil {
		stageRetry = DefaultStageRetryConfig()
	}
	return &UnifiedPipelineOrchestrator{
		pipeline:   pipeline,
		stages:     pipelineStages,
		stageRetry: stageRetry,
		metrics:    metrics,
		logger:     logger.Named("unified-orchestrator"),
	}
}

// Run submits every derived entity of req.Base and then runs each stage. The
// returned context holds the executions and the persistent queries collected.
func (o *UnifiedPipelineOrchestrator) Run(ctx context.Context, req PipelineRequest) (*stages.PipelineContext, error) {
	executions, err := o.pipeline.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	pc := stages.NewPipelineContext(req.RunID, req.Base, executions)

	for _, stage := range o.stages {
		if err := o.runStage(ctx, stage, pc); err != nil {
			return pc, &StageError{Stage: stage.Name(), Context: pc, Err: err}
		}
	}

	o.logger.Info("Unified pipeline complete",
		zap.String("entity", req.Base.Name),
		zap.Int("executions", len(executions)),
		zap.Int("persistent_queries", len(pc.PersistentExecutions())))
	return pc, nil
}

func (o *UnifiedPipelineOrchestrator) runStage(ctx context.Context, stage stages.Stage, pc *stages.PipelineContext) error {
	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "pipeline.stage")
	span.SetAttributes(
		attribute.String("stage", stage.Name()),
		attribute.String("entity", pc.Base.Name),
	)
	defer span.End()

	attempt := 0
	err := retry.Do(ctx, o.stageRetry, func() error {
		attempt++
		if attempt > 1 {
			o.metrics.ObserveStageRetry(stage.Name())
			o.logger.Info("Retrying stage",
				zap.String("stage", stage.Name()),
				zap.String("entity", pc.Base.Name),
				zap.Int("attempt", attempt))
		}
		return stage.Execute(ctx, pc)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		o.logger.Error("Stage failed",
			zap.String("stage", stage.Name()),
			zap.String("entity", pc.Base.Name),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return err
	}
	return nil
}
