// Package ddl resolves the concrete column shapes and topic settings of one planned
// derived entity and renders its CREATE statement through a TextBuilder.
package ddl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/sql"
	"github.com/ekaya-inc/ekaya-streams/pkg/types"
)

const (
	// BucketStartColumn is the window start column of live tables.
	BucketStartColumn = "BucketStart"

	// DefaultTimestampColumn is used when no timestamp column can be resolved.
	DefaultTimestampColumn = "Timestamp"

	// CountColumn is the per-second row count a hub may expose for averaging.
	CountColumn = "CNT"

	// DefaultRetentionMs is seven days.
	DefaultRetentionMs int64 = 7 * 24 * 60 * 60 * 1000
)

// TextBuilder renders a resolved QueryModel into a literal CREATE statement.
type TextBuilder interface {
	Build(q models.QueryModel) (string, error)
}

// TypeFactory creates or reuses the runtime type of a derived entity.
type TypeFactory interface {
	GetOrCreate(name, namespace string, fields []models.ColumnShape) (*types.RowType, bool, error)
}

// SubjectChecker confirms that a schema registry subject exists.
type SubjectChecker interface {
	SubjectExists(ctx context.Context, subject string) (bool, error)
}

// Config holds the planner defaults.
type Config struct {
	DefaultRetentionMs int64
	DefaultPartitions  int
	DefaultReplicas    int
	Namespace          string
}

// Request is one Build call.
type Request struct {
	BaseName string
	Query    models.QueryModel
	Entity   *models.EntityModel
	Role     models.Role

	// DefaultRetentionMs overrides Config.DefaultRetentionMs when positive.
	DefaultRetentionMs int64

	// HopSeconds selects a hopping window for live entities when 0 < hop < size.
	HopSeconds int64
}

// Plan is the result of Build.
type Plan struct {
	DDL           string
	Query         models.QueryModel
	RuntimeType   *types.RowType
	Namespace     string
	InputOverride string
	ShouldExecute bool
}

// DerivedEntityDdlPlanner resolves shapes and settings for hub and live entities.
// It records the columns each hub exposes so that live entities reading from the
// hub only select what is actually there.
type DerivedEntityDdlPlanner struct {
	cfg      Config
	builder  TextBuilder
	factory  TypeFactory
	subjects SubjectChecker
	logger   *zap.Logger

	mu           sync.RWMutex
	hubColumns   map[string][]models.ColumnShape
	hubKeyShapes map[string][]models.ColumnShape
}

// NewDerivedEntityDdlPlanner creates a planner. subjects may be nil.
func NewDerivedEntityDdlPlanner(cfg Config, builder TextBuilder, factory TypeFactory, subjects SubjectChecker, logger *zap.Logger) *DerivedEntityDdlPlanner {
	if cfg.DefaultRetentionMs <= 0 {
		cfg.DefaultRetentionMs = DefaultRetentionMs
	}
	if cfg.DefaultPartitions <= 0 {
		cfg.DefaultPartitions = 1
	}
	if cfg.DefaultReplicas <= 0 {
		cfg.DefaultReplicas = 1
	}
	return &DerivedEntityDdlPlanner{
		cfg:          cfg,
		builder:      builder,
		factory:      factory,
		subjects:     subjects,
		logger:       logger.Named("ddl-planner"),
		hubColumns:   make(map[string][]models.ColumnShape),
		hubKeyShapes: make(map[string][]models.ColumnShape),
	}
}

// HubColumns returns the value columns recorded for a hub by a previous Build.
func (p *DerivedEntityDdlPlanner) HubColumns(hub string) ([]models.ColumnShape, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cols, ok := p.hubColumns[strings.ToLower(hub)]
	return cols, ok
}

func (p *DerivedEntityDdlPlanner) recordHub(hub string, keys, values []models.ColumnShape) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hubColumns[strings.ToLower(hub)] = append([]models.ColumnShape(nil), values...)
	p.hubKeyShapes[strings.ToLower(hub)] = append([]models.ColumnShape(nil), keys...)
}

func (p *DerivedEntityDdlPlanner) hubKeys(hub string) []models.ColumnShape {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hubKeyShapes[strings.ToLower(hub)]
}

// Build resolves the entity's shapes and settings and renders its DDL. The entity's
// metadata and properties are re-synchronized with what the DDL selects.
func (p *DerivedEntityDdlPlanner) Build(ctx context.Context, req Request) (*Plan, error) {
	if req.Entity == nil {
		return nil, fmt.Errorf("build %s: entity is required", req.BaseName)
	}
	role := req.Entity.Metadata.EnsureRole(req.Role)

	var (
		plan *Plan
		err  error
	)
	switch role {
	case models.RoleHub:
		plan, err = p.buildHub(req)
	case models.RoleLive:
		plan, err = p.buildLive(req)
	default:
		return nil, fmt.Errorf("build %s: unknown role %q", req.Entity.Name, role)
	}
	if err != nil {
		return nil, err
	}

	p.verifySubject(ctx, req.Entity)
	return plan, nil
}

// ============================================================================
// Hub
// ============================================================================

func (p *DerivedEntityDdlPlanner) buildHub(req Request) (*Plan, error) {
	e := req.Entity

	keys := resolveKeys(e, req.Query)
	if len(keys) == 0 {
		return nil, fmt.Errorf("hub %s: %w", e.Name, apperrors.ErrNoGroupingKeys)
	}

	tsCol, tsType := resolveTimestamp(e, req.Query)
	values := []models.ColumnShape{{Name: tsCol, Type: tsType}}
	seen := map[string]bool{strings.ToUpper(tsCol): true, strings.ToUpper(BucketStartColumn): true}
	appendValue := func(c models.ColumnShape) {
		k := strings.ToUpper(c.Name)
		if c.Name == "" || seen[k] {
			return
		}
		seen[k] = true
		values = append(values, c)
	}
	for _, c := range e.Metadata.Projection {
		appendValue(c)
	}
	for _, c := range req.Query.Projection {
		if !c.IsKey {
			appendValue(c.Shape())
		}
	}
	values = models.DisjointValues(keys, values)

	// The hub is a declared stream over its own topic; no persistent query feeds it.
	q := req.Query.Clone()
	q.SourceName = ""
	q.Projection = nil
	q.Where = ""
	q.ExpressionOverrides = nil
	q.TargetName = e.Name
	q.TargetTopic = e.TopicName
	q.CreateKind = "STREAM"
	q.KeyColumns = keys
	q.ValueColumns = values
	q.TimestampColumn = tsCol
	q.Window = nil
	q.GraceSeconds = 0
	q.EmitChanges = false
	p.applyTopicSettings(&q, e, req.DefaultRetentionMs)

	e.SetShapes(keys, values, tsCol)
	e.Metadata.RetentionMs = q.RetentionMs
	e.Metadata.EnsureTimeframe(models.HubTimeframe)
	p.recordHub(e.Name, keys, values)

	return p.finish(req, q, "")
}

// resolveKeys tries [Key] properties, then recorded metadata, then the
// projection's key members.
func resolveKeys(e *models.EntityModel, q models.QueryModel) []models.ColumnShape {
	if keys := e.KeyColumns(); len(keys) > 0 {
		return keys
	}
	if len(e.Metadata.Keys) > 0 {
		return append([]models.ColumnShape(nil), e.Metadata.Keys...)
	}
	var keys []models.ColumnShape
	for _, c := range q.Projection {
		if c.IsKey {
			keys = append(keys, c.Shape())
		}
	}
	return keys
}

// resolveTimestamp tries the [Timestamp] property, then recorded metadata, then
// the "Timestamp" literal.
func resolveTimestamp(e *models.EntityModel, q models.QueryModel) (string, string) {
	if prop, ok := e.TimestampProperty(); ok {
		return prop.Name, typeOr(prop.Type, "BIGINT")
	}
	name := e.Metadata.TimestampColumn
	if name == "" {
		name = DefaultTimestampColumn
	}
	if c, ok := models.FindColumn(e.Metadata.Projection, name); ok {
		return c.Name, typeOr(c.Type, "BIGINT")
	}
	for _, c := range q.Projection {
		if strings.EqualFold(c.Alias, name) {
			return c.Alias, typeOr(c.Type, "BIGINT")
		}
	}
	return name, "BIGINT"
}

func typeOr(t, fallback string) string {
	if strings.TrimSpace(t) == "" {
		return fallback
	}
	return t
}

// ============================================================================
// Live
// ============================================================================

func (p *DerivedEntityDdlPlanner) buildLive(req Request) (*Plan, error) {
	e := req.Entity

	input := e.Metadata.InputHint
	if input == "" {
		input = req.Query.SourceName
	}
	fromHub := models.IsHubIdentifier(input)

	keys := resolveKeys(e, req.Query)
	if len(keys) == 0 && fromHub {
		keys = p.hubKeys(input)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("live %s: %w", e.Name, apperrors.ErrNoGroupingKeys)
	}

	tf, err := models.ParseTimeframe(e.Metadata.TimeframeRaw)
	if err != nil {
		return nil, fmt.Errorf("live %s: %w", e.Name, err)
	}

	q := req.Query.Clone()
	q.SourceName = input
	q.TargetName = e.Name
	q.TargetTopic = e.TopicName
	q.CreateKind = "TABLE"
	q.EmitChanges = true
	q.Keys = models.ColumnNames(keys)
	q.KeyColumns = keys
	q.GraceSeconds = 0
	if e.Metadata.GraceSeconds > 0 {
		q.GraceSeconds = e.Metadata.GraceSeconds
	}
	q.Window = &models.WindowSpec{Kind: models.WindowTumbling, SizeSeconds: tf.Seconds()}
	if req.HopSeconds > 0 && req.HopSeconds < tf.Seconds() {
		q.Window.Kind = models.WindowHopping
		q.Window.AdvanceSeconds = req.HopSeconds
	}

	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[strings.ToUpper(k.Name)] = true
	}

	var hubCols []models.ColumnShape
	hubKnown := false
	if fromHub {
		hubCols, hubKnown = p.HubColumns(input)
	}

	projection := make([]models.ProjectedColumn, 0, len(q.Projection))
	overrides := make(map[string]string)
	values := []models.ColumnShape{{Name: BucketStartColumn, Type: "BIGINT"}}
	for _, c := range q.Projection {
		if c.IsKey || keySet[strings.ToUpper(c.Alias)] || strings.EqualFold(c.Alias, BucketStartColumn) {
			continue
		}
		if fromHub {
			if hubKnown {
				if _, ok := models.FindColumn(hubCols, c.Alias); !ok {
					p.logger.Debug("Hub does not expose column, excluding from live projection",
						zap.String("entity", e.Name),
						zap.String("hub", input),
						zap.String("column", c.Alias))
					continue
				}
			}
			_, hasCount := models.FindColumn(hubCols, CountColumn)
			overrides[c.Alias] = hubExpression(c, hasCount)
		}
		projection = append(projection, c)
		values = append(values, models.ColumnShape{Name: c.Alias, Type: aggregateType(c), Nullable: c.Nullable})
	}
	q.Projection = projection
	q.ValueColumns = values
	if len(overrides) > 0 {
		q.ExpressionOverrides = overrides
	} else {
		q.ExpressionOverrides = nil
	}
	p.applyTopicSettings(&q, e, req.DefaultRetentionMs)

	e.SetShapes(keys, values, "")
	e.Metadata.RetentionMs = q.RetentionMs

	inputOverride := ""
	if fromHub {
		inputOverride = input
	}

	if len(projection) == 0 {
		p.logger.Warn("Live entity has no value columns to aggregate, skipping",
			zap.String("entity", e.Name),
			zap.String("input", input))
		plan, err := p.finish(req, q, inputOverride)
		if err != nil {
			return nil, err
		}
		plan.ShouldExecute = false
		return plan, nil
	}
	return p.finish(req, q, inputOverride)
}

// hubExpression rewrites an aggregate so that it addresses the hub's per-second
// output column instead of the raw source column.
func hubExpression(c models.ProjectedColumn, hubHasCount bool) string {
	col := sql.QuoteIdentifier(c.Alias)
	switch c.Aggregate {
	case models.AggregateSum, models.AggregateCount:
		return fmt.Sprintf("SUM(%s)", col)
	case models.AggregateAvg:
		if hubHasCount {
			return fmt.Sprintf("SUM(%s)/SUM(%s)", col, sql.QuoteIdentifier(CountColumn))
		}
		return fmt.Sprintf("AVG(%s)", col)
	case models.AggregateMin, models.AggregateMax, models.AggregateEarliest, models.AggregateLatest:
		return fmt.Sprintf("%s(%s)", c.Aggregate, col)
	default:
		return fmt.Sprintf("%s(%s)", models.AggregateLatest, col)
	}
}

func aggregateType(c models.ProjectedColumn) string {
	switch c.Aggregate {
	case models.AggregateCount:
		return "BIGINT"
	case models.AggregateAvg:
		return "DOUBLE"
	default:
		return typeOr(c.Type, "DOUBLE")
	}
}

// ============================================================================
// Shared
// ============================================================================

// applyTopicSettings resolves retention, partitions and replicas: recorded
// metadata or the entity's own fields first, then additional settings, then defaults.
func (p *DerivedEntityDdlPlanner) applyTopicSettings(q *models.QueryModel, e *models.EntityModel, defaultRetention int64) {
	if defaultRetention <= 0 {
		defaultRetention = p.cfg.DefaultRetentionMs
	}

	q.RetentionMs = e.Metadata.RetentionMs
	if q.RetentionMs <= 0 {
		q.RetentionMs = settingInt64(e, defaultRetention, "retentionMs", "retention.ms")
	}

	q.Partitions = e.Partitions
	if q.Partitions <= 0 {
		q.Partitions = int(settingInt64(e, int64(p.cfg.DefaultPartitions), "partitions"))
	}
	q.Replicas = e.ReplicationFactor
	if q.Replicas <= 0 {
		q.Replicas = int(settingInt64(e, int64(p.cfg.DefaultReplicas), "replicas", "replication.factor"))
	}
	q.ValueSchemaFullName = e.ValueSchemaFullName
}

func settingInt64(e *models.EntityModel, fallback int64, keys ...string) int64 {
	for _, k := range keys {
		raw, ok := e.Setting(k)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (p *DerivedEntityDdlPlanner) finish(req Request, q models.QueryModel, inputOverride string) (*Plan, error) {
	e := req.Entity

	namespace := e.Metadata.Namespace
	if namespace == "" {
		namespace = p.cfg.Namespace
		e.Metadata.Namespace = namespace
	}

	rt, created, err := p.factory.GetOrCreate(e.Name, namespace, q.ValueColumns)
	if err != nil {
		return nil, fmt.Errorf("runtime type for %s: %w", e.Name, err)
	}
	if created {
		p.logger.Debug("Created runtime type",
			zap.String("entity", e.Name),
			zap.String("type", rt.FullName()),
			zap.Int("fields", len(rt.Fields)))
	}

	text, err := p.builder.Build(q)
	if err != nil {
		return nil, fmt.Errorf("render ddl for %s: %w", e.Name, err)
	}

	return &Plan{
		DDL:           text,
		Query:         q,
		RuntimeType:   rt,
		Namespace:     namespace,
		InputOverride: inputOverride,
		ShouldExecute: strings.TrimSpace(text) != "",
	}, nil
}

// verifySubject checks the value subject of entities with an explicit value
// schema. Failures are logged and never block the build.
func (p *DerivedEntityDdlPlanner) verifySubject(ctx context.Context, e *models.EntityModel) {
	if p.subjects == nil || e.ValueSchemaFullName == "" {
		return
	}
	subject := e.TopicName + "-value"
	exists, err := p.subjects.SubjectExists(ctx, subject)
	if err != nil {
		p.logger.Warn("Schema subject verification failed, continuing",
			zap.String("entity", e.Name),
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	if !exists {
		p.logger.Warn("Schema subject not registered yet",
			zap.String("entity", e.Name),
			zap.String("subject", subject),
			zap.String("value_schema", e.ValueSchemaFullName))
	}
}
