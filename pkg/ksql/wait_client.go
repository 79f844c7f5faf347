package ksql

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/observability"
	"github.com/ekaya-inc/ekaya-streams/pkg/reports"
	"github.com/ekaya-inc/ekaya-streams/pkg/retry"
	"github.com/ekaya-inc/ekaya-streams/pkg/sql"
)

const (
	showQueriesStatement = "SHOW QUERIES;"
	showTablesStatement  = "SHOW TABLES;"
	showStreamsStatement = "SHOW STREAMS;"
)

// WaitConfig holds the polling parameters of a WaitClient.
type WaitConfig struct {
	ShowQueriesAttempts int
	ShowQueriesInterval time.Duration
	PollInterval        time.Duration
	RequiredConsecutive int
	StabilityWindow     time.Duration
	KeyLikeFields       []string
}

// DefaultWaitConfig returns the polling defaults.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		ShowQueriesAttempts: 5,
		ShowQueriesInterval: time.Second,
		PollInterval:        time.Second,
		RequiredConsecutive: 5,
		StabilityWindow:     15 * time.Second,
		KeyLikeFields:       []string{"BROKER", "SYMBOL"},
	}
}

// WaitOptions tunes one WaitForQueryRunning call.
// RequiredConsecutive below 1 counts as 1; a zero StabilityWindow skips re-confirmation.
type WaitOptions struct {
	RequiredConsecutive int
	PollInterval        time.Duration
	StabilityWindow     time.Duration
}

// WaitClient locates persistent queries and confirms they are RUNNING by polling
// SHOW QUERIES, DESCRIBE EXTENDED and SHOW TABLES/STREAMS. Response parsing never
// fails: malformed JSON falls back to text scanning.
type WaitClient struct {
	exec    StatementExecutor
	cfg     WaitConfig
	rawLog  *reports.BlockWriter
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewWaitClient creates a WaitClient. rawLog may be nil.
func NewWaitClient(exec StatementExecutor, cfg WaitConfig, rawLog *reports.BlockWriter, metrics *observability.Metrics, logger *zap.Logger) *WaitClient {
	return &WaitClient{
		exec:    exec,
		cfg:     cfg,
		rawLog:  rawLog,
		metrics: metrics,
		logger:  logger.Named("ksql-wait"),
		now:     time.Now,
	}
}

// DefaultWaitOptions returns WaitOptions built from the client configuration.
func (c *WaitClient) DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		RequiredConsecutive: c.cfg.RequiredConsecutive,
		PollInterval:        c.cfg.PollInterval,
		StabilityWindow:     c.cfg.StabilityWindow,
	}
}

// ShowQueries returns the raw SHOW QUERIES body and appends it to the wait log.
func (c *WaitClient) ShowQueries(ctx context.Context, purpose string) (string, error) {
	resp, err := c.exec.Execute(ctx, showQueriesStatement)
	if err != nil {
		return "", fmt.Errorf("show queries: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("show queries: empty response")
	}
	c.rawLog.Append([]reports.Field{
		{Key: "STATEMENT", Value: showQueriesStatement},
		{Key: "PURPOSE", Value: purpose},
		{Key: "SUCCESS", Value: fmt.Sprintf("%t", resp.Success)},
	}, reports.Section{Title: "BODY", Body: resp.Body})
	if !resp.Success {
		return resp.Body, fmt.Errorf("show queries: %s", resp.Message)
	}
	return resp.Body, nil
}

// TryGetQueryIDFromShowQueries looks up the query writing to target (or whose
// statement contains fragment) with a fixed number of SHOW QUERIES attempts.
// Returns "" when every attempt misses; lookup failures are not errors.
func (c *WaitClient) TryGetQueryIDFromShowQueries(ctx context.Context, target, fragment string) string {
	attempts := c.cfg.ShowQueriesAttempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 1; i <= attempts; i++ {
		body, err := c.ShowQueries(ctx, "lookup "+target)
		if err != nil {
			c.logger.Debug("SHOW QUERIES lookup failed",
				zap.String("target", target),
				zap.Int("attempt", i),
				zap.Error(err))
		} else if id := FindQueryID(body, target, fragment); id != "" {
			return id
		}
		if i < attempts {
			if retry.Sleep(ctx, c.cfg.ShowQueriesInterval) != nil {
				return ""
			}
		}
	}

	c.logger.Info("No persistent query found for target",
		zap.String("target", target),
		zap.Int("attempts", attempts))
	return ""
}

func (c *WaitClient) pollRunning(ctx context.Context, target, queryID string) bool {
	body, err := c.ShowQueries(ctx, "wait "+target)
	if err != nil {
		c.metrics.ObserveWaitPoll("error")
		c.logger.Debug("SHOW QUERIES poll failed", zap.String("target", target), zap.Error(err))
		return false
	}
	if IsQueryRunning(body, queryID, target) {
		c.metrics.ObserveWaitPoll("running")
		return true
	}
	c.metrics.ObserveWaitPoll("not_running")
	return false
}

// WaitForQueryRunning polls SHOW QUERIES until the query (by queryID, or by target
// when queryID is empty) is observed RUNNING on RequiredConsecutive consecutive
// polls. Any non-RUNNING observation resets the count. When a stability window is
// set, the query is re-confirmed once after the window before returning.
func (c *WaitClient) WaitForQueryRunning(ctx context.Context, target, queryID string, timeout time.Duration, opts WaitOptions) error {
	required := opts.RequiredConsecutive
	if required < 1 {
		required = 1
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := c.now().Add(timeout)
	consecutive := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.pollRunning(ctx, target, queryID) {
			consecutive++
		} else {
			consecutive = 0
		}

		if consecutive >= required {
			if opts.StabilityWindow <= 0 {
				return nil
			}
			if err := retry.Sleep(ctx, opts.StabilityWindow); err != nil {
				return err
			}
			if c.pollRunning(ctx, target, queryID) {
				c.logger.Info("Persistent query stable",
					zap.String("target", target),
					zap.String("query_id", queryID),
					zap.Int("consecutive", consecutive))
				return nil
			}
			c.logger.Warn("Persistent query left RUNNING during stability window",
				zap.String("target", target),
				zap.String("query_id", queryID))
			consecutive = 0
		}

		if !c.now().Before(deadline) {
			return apperrors.NewTimeoutError("wait for RUNNING", waitTarget(target, queryID), timeout)
		}
		if err := retry.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func waitTarget(target, queryID string) string {
	if queryID == "" {
		return target
	}
	return fmt.Sprintf("%s (%s)", target, queryID)
}

// CountRows runs a pull query and returns how many rows it produced.
func (c *WaitClient) CountRows(ctx context.Context, sql string, timeout time.Duration) (int, error) {
	return QueryCount(ctx, c.exec, sql, timeout)
}

// DescribeExtended runs DESCRIBE <name> EXTENDED. The raw body is returned even
// when it cannot be decoded; desc is nil in that case.
func (c *WaitClient) DescribeExtended(ctx context.Context, name string) (*SourceDescription, string, error) {
	if err := sql.CheckIdentifier(name); err != nil {
		return nil, "", err
	}
	resp, err := c.exec.Execute(ctx, fmt.Sprintf("DESCRIBE %s EXTENDED;", name))
	if err != nil {
		return nil, "", fmt.Errorf("describe %s: %w", name, err)
	}
	if resp == nil || !resp.Success {
		msg := ""
		if resp != nil {
			msg = resp.Message
		}
		return nil, "", fmt.Errorf("describe %s: %w: %s", name, apperrors.ErrNotFound, msg)
	}
	desc, _ := ParseSourceDescription(resp.Body)
	return desc, resp.Body, nil
}

// ClassifyFields splits described fields into key and value fields. A field is a
// key when ksqlDB marks it KEY or its name is one of the configured key-like names.
func (c *WaitClient) ClassifyFields(desc *SourceDescription) (keys, values []FieldInfo) {
	if desc == nil {
		return nil, nil
	}
	keyLike := make(map[string]bool, len(c.cfg.KeyLikeFields))
	for _, f := range c.cfg.KeyLikeFields {
		keyLike[NormalizeIdentifier(f)] = true
	}
	for _, f := range desc.Fields {
		if f.IsKey || keyLike[NormalizeIdentifier(f.Name)] {
			keys = append(keys, f)
		} else {
			values = append(values, f)
		}
	}
	return keys, values
}

// ConfirmEntityExists reports whether name is listed by SHOW TABLES or SHOW STREAMS.
func (c *WaitClient) ConfirmEntityExists(ctx context.Context, name string) (bool, error) {
	var lastErr error
	for _, stmt := range []string{showTablesStatement, showStreamsStatement} {
		resp, err := c.exec.Execute(ctx, stmt)
		if err != nil {
			lastErr = err
			continue
		}
		if resp == nil || !resp.Success {
			continue
		}
		if SourceListed(resp.Body, name) {
			return true, nil
		}
	}
	if lastErr != nil {
		return false, fmt.Errorf("confirm %s exists: %w", name, lastErr)
	}
	return false, nil
}

// WaitForEntityVisible polls ConfirmEntityExists until name is listed or timeout elapses.
func (c *WaitClient) WaitForEntityVisible(ctx context.Context, name string, timeout time.Duration) error {
	deadline := c.now().Add(timeout)
	for {
		exists, err := c.ConfirmEntityExists(ctx, name)
		if err != nil {
			c.logger.Debug("Entity visibility check failed", zap.String("entity", name), zap.Error(err))
		}
		if exists {
			return nil
		}
		if !c.now().Before(deadline) {
			return apperrors.NewTimeoutError("wait for visibility", name, timeout)
		}
		if err := retry.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// WaitForPersistentQuery converges on a persistent query writing to target. It
// resolves the query id when unknown, then accepts DESCRIBE EXTENDED referencing
// the id as sufficient confirmation (SHOW QUERIES agreeing is logged alongside).
// After the deadline, visibility of target in SHOW TABLES/STREAMS is the last
// resort. Returns the resolved query id, which may be empty on that last path.
func (c *WaitClient) WaitForPersistentQuery(ctx context.Context, target, queryID, fragment string, timeout time.Duration) (string, error) {
	deadline := c.now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return queryID, err
		}

		showConfirmed := false
		if body, err := c.ShowQueries(ctx, "converge "+target); err == nil {
			if queryID == "" {
				queryID = FindQueryID(body, target, fragment)
			}
			showConfirmed = QueryListed(body, queryID)
		}

		describeConfirmed := false
		if desc, body, err := c.DescribeExtended(ctx, target); err == nil {
			if queryID == "" && desc != nil && len(desc.WriteQueries) > 0 {
				queryID = desc.WriteQueries[0].ID
			}
			describeConfirmed = DescribeMentionsQuery(body, queryID)
		}

		if describeConfirmed {
			c.logger.Info("Persistent query confirmed",
				zap.String("target", target),
				zap.String("query_id", queryID),
				zap.Bool("show_queries", showConfirmed),
				zap.Bool("describe", describeConfirmed))
			return queryID, nil
		}

		if !c.now().Before(deadline) {
			break
		}
		if err := retry.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return queryID, err
		}
	}

	exists, err := c.ConfirmEntityExists(ctx, target)
	if err == nil && exists {
		c.logger.Warn("Persistent query not confirmed, accepting visible entity",
			zap.String("target", target),
			zap.String("query_id", queryID))
		return queryID, nil
	}
	return queryID, apperrors.NewTimeoutError("wait for persistent query", waitTarget(target, queryID), timeout)
}
