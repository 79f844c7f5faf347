package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/observability"
	"github.com/ekaya-inc/ekaya-streams/pkg/retry"
	"github.com/ekaya-inc/ekaya-streams/pkg/services/stages"
	"github.com/ekaya-inc/ekaya-streams/pkg/sql"
)

// StabilizerConfig bounds stabilization attempts.
type StabilizerConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultStabilizerConfig returns 3 attempts with a fixed 5s delay.
func DefaultStabilizerConfig() StabilizerConfig {
	return StabilizerConfig{MaxAttempts: 3, Delay: 5 * time.Second}
}

// PersistentQueryStabilizer drives whole submission attempts of one base
// entity: Submit, collect persistent executions, stabilize and assert
// partitions. When a stage fails, the queries started by the attempt are
// terminated and the attempt is repeated after a fixed delay.
type PersistentQueryStabilizer struct {
	cfg          StabilizerConfig
	orchestrator *UnifiedPipelineOrchestrator
	exec         ksql.StatementExecutor
	wait         *ksql.WaitClient
	metrics      *observability.Metrics
	logger       *zap.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewPersistentQueryStabilizer creates a stabilizer. exec is used for CREATE,
// TERMINATE and DROP statements and should apply the statement retry policy.
func NewPersistentQueryStabilizer(
	cfg StabilizerConfig,
	orchestrator *UnifiedPipelineOrchestrator,
	exec ksql.StatementExecutor,
	wait *ksql.WaitClient,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *PersistentQueryStabilizer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &PersistentQueryStabilizer{
		cfg:          cfg,
		orchestrator: orchestrator,
		exec:         exec,
		wait:         wait,
		metrics:      metrics,
		logger:       logger.Named("stabilizer"),
		sleep:        retry.Sleep,
	}
}

// Run executes attempts until one succeeds or MaxAttempts is reached. A failed
// submission ends the run immediately; only stage failures are retried.
// Exhausting attempts returns the last stage failure's root cause.
func (s *PersistentQueryStabilizer) Run(ctx context.Context, req PipelineRequest) (*stages.PipelineContext, error) {
	if req.Submit == nil {
		req.Submit = s.Submit
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		s.logger.Info("Derived pipeline execution start",
			zap.String("entity", req.Base.Name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts))

		pc, err := s.orchestrator.Run(ctx, req)
		if err == nil {
			s.metrics.ObserveStabilization("stable")
			return pc, nil
		}

		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			s.metrics.ObserveStabilization("failed")
			return pc, err
		}
		lastErr = stageErr.Err
		s.metrics.ObserveStabilization("retry")

		if attempt == s.cfg.MaxAttempts {
			break
		}
		s.logger.Warn("Derived query stabilization failed, terminating and retrying",
			zap.String("entity", req.Base.Name),
			zap.String("stage", stageErr.Stage),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Error(lastErr))

		s.TerminateAll(ctx, stageErr.Context.PersistentExecutions())
		if err := s.sleep(ctx, s.cfg.Delay); err != nil {
			return nil, err
		}
	}

	s.metrics.ObserveStabilization("exhausted")
	if lastErr == nil {
		return nil, apperrors.NewTimeoutError("stabilize", req.Base.Name, time.Duration(s.cfg.MaxAttempts)*s.cfg.Delay)
	}
	return nil, lastErr
}

// TerminateAll issues TERMINATE for every execution. Failures are logged only.
func (s *PersistentQueryStabilizer) TerminateAll(ctx context.Context, executions []models.PersistentQueryExecution) {
	for _, pe := range executions {
		s.terminate(ctx, pe.QueryID, pe.TargetTopic)
	}
}

func (s *PersistentQueryStabilizer) terminate(ctx context.Context, queryID, target string) {
	if err := sql.CheckIdentifier(queryID); err != nil {
		s.metrics.ObserveTermination("skipped")
		s.logger.Warn("Refusing to terminate query with unsafe id",
			zap.String("query_id", queryID),
			zap.Error(err))
		return
	}

	resp, err := s.exec.Execute(ctx, fmt.Sprintf("TERMINATE %s;", queryID))
	switch {
	case err != nil:
		s.metrics.ObserveTermination("failed")
		s.logger.Warn("Terminate failed",
			zap.String("query_id", queryID),
			zap.String("target", target),
			zap.Error(err))
	case resp == nil || !resp.Success:
		msg := ""
		if resp != nil {
			msg = resp.Message
		}
		s.metrics.ObserveTermination("failed")
		s.logger.Warn("Terminate rejected",
			zap.String("query_id", queryID),
			zap.String("target", target),
			zap.String("message", msg))
	default:
		s.metrics.ObserveTermination("terminated")
		s.logger.Info("Terminated persistent query",
			zap.String("query_id", queryID),
			zap.String("target", target))
	}
}

// Submit is the default SubmitFunc. An existing target is kept unless it is a
// live table whose GRACE PERIOD differs from the recorded one, or a live table
// no query writes to any more (as left by a terminated attempt). Such a table
// has its writing queries terminated and is dropped with its topic before CREATE.
func (s *PersistentQueryStabilizer) Submit(ctx context.Context, model *models.EntityModel, statement string) (*ksql.Response, error) {
	target := strings.ToUpper(model.TopicName)

	exists, err := s.wait.ConfirmEntityExists(ctx, target)
	if err != nil {
		s.logger.Debug("Existence check failed, submitting anyway",
			zap.String("target", target),
			zap.Error(err))
	}
	if exists {
		if !s.needsRecreate(ctx, model, target) && !s.orphaned(ctx, model, target, statement) {
			s.logger.Info("Derived DDL skipped (exists)", zap.String("target", target))
			return &ksql.Response{
				Success:        true,
				Message:        "SKIPPED (exists): " + strings.ToLower(target),
				AlreadyExisted: true,
			}, nil
		}
		s.dropForRecreate(ctx, target, statement)
	}

	return s.exec.Execute(ctx, statement)
}

func (s *PersistentQueryStabilizer) needsRecreate(ctx context.Context, model *models.EntityModel, target string) bool {
	expected := model.Metadata.GraceSeconds
	if model.Metadata.Role != models.RoleLive || expected <= 0 {
		return false
	}

	desc, _, err := s.wait.DescribeExtended(ctx, target)
	if err != nil || desc == nil {
		s.logger.Debug("Failed to verify GRACE, keeping existing table",
			zap.String("target", target),
			zap.Error(err))
		return false
	}
	actual, ok := ksql.GraceSecondsInStatement(desc.Statement)
	if !ok || actual == expected {
		return false
	}
	s.logger.Info("Detected GRACE mismatch, recreating",
		zap.String("target", target),
		zap.Int("actual_seconds", actual),
		zap.Int("expected_seconds", expected))
	return true
}

// orphaned reports whether SHOW QUERIES lists no writer for an existing live
// table. An unreadable SHOW QUERIES keeps the table.
func (s *PersistentQueryStabilizer) orphaned(ctx context.Context, model *models.EntityModel, target, statement string) bool {
	if model.Metadata.Role != models.RoleLive || !stages.IsPersistentStatement(statement) {
		return false
	}
	body, err := s.wait.ShowQueries(ctx, "writers "+target)
	if err != nil {
		s.logger.Debug("Failed to list writers, keeping existing table",
			zap.String("target", target),
			zap.Error(err))
		return false
	}
	if len(ksql.QueriesWritingTo(body, target)) > 0 {
		return false
	}
	s.logger.Info("Existing table has no writing query, recreating", zap.String("target", target))
	return true
}

func (s *PersistentQueryStabilizer) dropForRecreate(ctx context.Context, target, statement string) {
	var ids []string
	if desc, _, err := s.wait.DescribeExtended(ctx, target); err == nil && desc != nil {
		for _, q := range desc.WriteQueries {
			if q.ID != "" {
				ids = append(ids, q.ID)
			}
		}
	}
	if len(ids) == 0 {
		if id := s.wait.TryGetQueryIDFromShowQueries(ctx, target, statement); id != "" {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		s.terminate(ctx, id, target)
	}

	resp, err := s.exec.Execute(ctx, fmt.Sprintf("DROP TABLE %s DELETE TOPIC;", target))
	if err != nil {
		s.logger.Warn("Failed to drop existing table", zap.String("target", target), zap.Error(err))
		return
	}
	s.logger.Info("Dropped existing table",
		zap.String("target", target),
		zap.Bool("success", resp != nil && resp.Success))
}
