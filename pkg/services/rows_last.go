package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/ddl"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

// DDLExecutor executes statements with a guaranteed minimum number of attempts.
type DDLExecutor interface {
	ksql.StatementExecutor
	ExecuteWithMinAttempts(ctx context.Context, sql string, minAttempts int) (*ksql.Response, error)
}

// RowsLastConfig holds the rows-last budgets.
type RowsLastConfig struct {
	SourceTimeout  time.Duration
	RunningTimeout time.Duration
	MinAttempts    int
}

// DefaultRowsLastConfig returns a 30s source wait, a 120s RUNNING wait and 3 CTAS attempts.
func DefaultRowsLastConfig() RowsLastConfig {
	return RowsLastConfig{
		SourceTimeout:  30 * time.Second,
		RunningTimeout: 120 * time.Second,
		MinAttempts:    3,
	}
}

// RowsLastOrchestrator ensures the companion latest-row table ({hub}_last) of a
// hub stream: an unwindowed LATEST_BY_OFFSET aggregation keyed like the hub.
type RowsLastOrchestrator struct {
	cfg     RowsLastConfig
	exec    DDLExecutor
	wait    *ksql.WaitClient
	builder ddl.TextBuilder
	logger  *zap.Logger
}

// NewRowsLastOrchestrator creates a RowsLastOrchestrator.
func NewRowsLastOrchestrator(cfg RowsLastConfig, exec DDLExecutor, wait *ksql.WaitClient, builder ddl.TextBuilder, logger *zap.Logger) *RowsLastOrchestrator {
	if cfg.MinAttempts < 1 {
		cfg.MinAttempts = 1
	}
	return &RowsLastOrchestrator{
		cfg:     cfg,
		exec:    exec,
		wait:    wait,
		builder: builder,
		logger:  logger.Named("rows-last"),
	}
}

// Ensure creates the rows-last table of hub unless it already exists. A second
// call for the same hub returns through the existence check without DDL.
func (o *RowsLastOrchestrator) Ensure(ctx context.Context, hub *models.EntityModel) (*ksql.Response, error) {
	if hub == nil {
		return nil, fmt.Errorf("rows-last: hub is required")
	}
	source := strings.ToUpper(hub.TopicName)
	if source == "" {
		source = strings.ToUpper(hub.Name)
	}
	target := source + "_LAST"

	exists, err := o.wait.ConfirmEntityExists(ctx, target)
	if err != nil {
		o.logger.Debug("Existence check failed", zap.String("target", target), zap.Error(err))
	}
	if exists {
		o.logger.Debug("Rows-last table already exists", zap.String("target", target))
		return &ksql.Response{Success: true, Message: "SKIPPED (exists): " + target, AlreadyExisted: true}, nil
	}

	if err := o.wait.WaitForEntityVisible(ctx, source, o.cfg.SourceTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		o.logger.Warn("Hub stream not visible yet, continuing",
			zap.String("source", source),
			zap.Error(err))
	}

	keys, values := o.resolveColumns(ctx, hub, source)
	if len(keys) == 0 {
		return nil, fmt.Errorf("rows-last for %s: %w", source, apperrors.ErrNoGroupingKeys)
	}

	statement, err := o.buildStatement(hub, target, source, keys, values)
	if err != nil {
		return nil, fmt.Errorf("rows-last for %s: %w", source, err)
	}

	resp, err := o.exec.ExecuteWithMinAttempts(ctx, statement, o.cfg.MinAttempts)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", target, err)
	}
	if resp == nil || !resp.Success {
		msg, code := "", 0
		if resp != nil {
			msg, code = resp.Message, resp.ErrorCode
		}
		return resp, fmt.Errorf("create %s: %w", target, ksql.NewStatementError(statement, msg, code))
	}

	queryID := ksql.ExtractQueryID(resp)
	if queryID == "" {
		queryID = o.wait.TryGetQueryIDFromShowQueries(ctx, target, statement)
	}

	if err := o.wait.WaitForQueryRunning(ctx, target, queryID, o.cfg.RunningTimeout, o.wait.DefaultWaitOptions()); err != nil {
		return resp, fmt.Errorf("rows-last %s: %w", target, err)
	}
	visible, err := o.wait.ConfirmEntityExists(ctx, target)
	if err != nil {
		return resp, err
	}
	if !visible {
		return resp, fmt.Errorf("rows-last entity %s: %w", target, apperrors.ErrNotFound)
	}

	o.logger.Info("Rows-last table ready",
		zap.String("target", target),
		zap.String("query_id", queryID))
	return resp, nil
}

// resolveColumns returns key and value column names from the hub model, then
// from its recorded metadata, then from DESCRIBE EXTENDED of the source.
func (o *RowsLastOrchestrator) resolveColumns(ctx context.Context, hub *models.EntityModel, source string) (keys, values []string) {
	keys = models.ColumnNames(hub.KeyColumns())
	for _, p := range hub.AllProperties {
		if !p.IsKey {
			values = append(values, p.Name)
		}
	}

	if len(keys) == 0 || len(values) == 0 {
		if k := models.ColumnNames(hub.Metadata.Keys); len(k) > 0 {
			keys = k
		}
		if v := models.ColumnNames(hub.Metadata.Projection); len(v) > 0 {
			values = v
		}
	}

	if len(keys) == 0 || len(values) == 0 {
		desc, _, err := o.wait.DescribeExtended(ctx, source)
		switch {
		case err != nil:
			o.logger.Debug("DESCRIBE fallback failed", zap.String("source", source), zap.Error(err))
		case desc != nil:
			k, v := o.wait.ClassifyFields(desc)
			if len(k) > 0 {
				keys = fieldNames(k)
			}
			values = fieldNames(v)
		}
	}

	values = withoutNames(values, keys...)
	keys = withoutNames(keys, ddl.BucketStartColumn)

	if ts := hub.Metadata.TimestampColumn; ts != "" {
		values = withoutNames(values, ddl.BucketStartColumn)
		if !containsName(values, ts) {
			values = append(values, strings.ToUpper(ts))
		}
	} else if !containsName(values, ddl.BucketStartColumn) {
		values = append(values, strings.ToUpper(ddl.BucketStartColumn))
	}
	return keys, values
}

func (o *RowsLastOrchestrator) buildStatement(hub *models.EntityModel, target, source string, keys, values []string) (string, error) {
	retention := hub.Metadata.RetentionMs
	if retention <= 0 {
		retention = ddl.DefaultRetentionMs
	}

	projection := make([]models.ProjectedColumn, 0, len(values))
	for _, v := range values {
		projection = append(projection, models.ProjectedColumn{
			Alias:     v,
			Aggregate: models.AggregateLatest,
			Argument:  v,
		})
	}

	return o.builder.Build(models.QueryModel{
		SourceName:  source,
		Keys:        keys,
		Projection:  projection,
		TargetName:  target,
		TargetTopic: target,
		CreateKind:  "TABLE",
		Partitions:  1,
		Replicas:    1,
		RetentionMs: retention,
	})
}

func fieldNames(fields []ksql.FieldInfo) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Name != "" {
			out = append(out, f.Name)
		}
	}
	return out
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func withoutNames(names []string, drop ...string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !containsName(drop, n) {
			out = append(out, n)
		}
	}
	return out
}
