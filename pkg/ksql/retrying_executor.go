package ksql

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/logging"
	"github.com/ekaya-inc/ekaya-streams/pkg/observability"
	"github.com/ekaya-inc/ekaya-streams/pkg/retry"
)

// RetryingExecutor wraps a StatementExecutor with the statement retry policy:
// classified retryable failures are retried with exponential backoff, and a CREATE
// that fails only because its target already exists is reported as a success.
type RetryingExecutor struct {
	inner   StatementExecutor
	cfg     *retry.Config
	metrics *observability.Metrics
	logger  *zap.Logger
}

var _ StatementExecutor = (*RetryingExecutor)(nil)

// NewRetryingExecutor creates a RetryingExecutor. cfg.MaxRetries is the number of
// retries after the first attempt; a nil cfg uses retry.DefaultConfig.
func NewRetryingExecutor(inner StatementExecutor, cfg *retry.Config, metrics *observability.Metrics, logger *zap.Logger) *RetryingExecutor {
	if cfg == nil {
		cfg = retry.DefaultConfig()
	}
	return &RetryingExecutor{
		inner:   inner,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("ksql-retry"),
	}
}

// Execute runs sql with the configured policy (MaxAttempts = retry count + 1).
func (r *RetryingExecutor) Execute(ctx context.Context, sql string) (*Response, error) {
	return r.execute(ctx, sql, r.cfg)
}

// ExecuteWithMinAttempts runs sql guaranteeing at least minAttempts attempts.
func (r *RetryingExecutor) ExecuteWithMinAttempts(ctx context.Context, sql string, minAttempts int) (*Response, error) {
	return r.execute(ctx, sql, r.cfg.WithMinAttempts(minAttempts))
}

// QueryRows passes through to the wrapped executor.
func (r *RetryingExecutor) QueryRows(ctx context.Context, sql string, timeout time.Duration) ([]Row, error) {
	return r.inner.QueryRows(ctx, sql, timeout)
}

func (r *RetryingExecutor) execute(ctx context.Context, sql string, cfg *retry.Config) (*Response, error) {
	attempt := 0
	return retry.DoWithResultIfRetryable(ctx, cfg, func() (*Response, error) {
		attempt++
		resp, err := r.attempt(ctx, sql)
		if err != nil {
			r.metrics.ObserveStatement("failed")
			r.logger.Warn("Statement attempt failed",
				zap.String("statement", logging.SanitizeStatement(sql)),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", cfg.Attempts()),
				zap.Bool("retryable", retry.IsRetryable(err)),
				zap.Error(err))
			return resp, err
		}
		if resp.AlreadyExisted {
			r.metrics.ObserveStatement("already_exists")
		} else {
			r.metrics.ObserveStatement("success")
		}
		return resp, nil
	})
}

func (r *RetryingExecutor) attempt(ctx context.Context, sql string) (*Response, error) {
	resp, err := r.inner.Execute(ctx, sql)
	if err != nil {
		se := NewStatementError(sql, err.Error(), 0)
		se.Retryable = se.Retryable || retry.IsRetryable(err)
		se.Cause = err
		return resp, se
	}
	if resp == nil {
		return nil, NewStatementError(sql, "", 0)
	}
	if resp.Success {
		return resp, nil
	}
	if IsCreateConflict(sql, resp.Message) {
		r.logger.Info("CREATE target already exists, treating as success",
			zap.String("message", resp.Message))
		return &Response{
			Success:        true,
			Message:        resp.Message,
			ErrorCode:      resp.ErrorCode,
			ErrorDetail:    resp.ErrorDetail,
			Body:           resp.Body,
			AlreadyExisted: true,
		}, nil
	}
	se := NewStatementError(sql, resp.Message, resp.ErrorCode)
	se.Detail = resp.ErrorDetail
	return resp, se
}
