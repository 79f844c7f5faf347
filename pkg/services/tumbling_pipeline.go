package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/ddl"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/observability"
	"github.com/ekaya-inc/ekaya-streams/pkg/planner"
	"github.com/ekaya-inc/ekaya-streams/pkg/repositories"
	"github.com/ekaya-inc/ekaya-streams/pkg/sql"
	"github.com/ekaya-inc/ekaya-streams/pkg/types"
)

// SubmitFunc submits one derived entity's DDL and returns the raw response.
type SubmitFunc func(ctx context.Context, model *models.EntityModel, statement string) (*ksql.Response, error)

// AfterExecuteFunc is called after each successful submission.
type AfterExecuteFunc func(ctx context.Context, result *models.ExecutionResult) error

// ApplySettingsFunc applies per-topic settings to a derived entity and reports
// whether anything changed.
type ApplySettingsFunc func(model *models.EntityModel) bool

// PipelineRequest is one DerivedTumblingPipeline run.
type PipelineRequest struct {
	RunID         uuid.UUID
	Spec          models.TumblingSpec
	Base          *models.EntityModel
	Query         models.QueryModel
	Submit        SubmitFunc
	AfterExecute  AfterExecuteFunc
	ApplySettings ApplySettingsFunc
}

// PipelineConfig holds pipeline defaults.
type PipelineConfig struct {
	Namespace          string
	DefaultRetentionMs int64
}

// DerivedTumblingPipeline plans the hub and live entities of one base entity and
// submits their DDL in dependency order: the hub first, then live tables by
// ascending timeframe.
type DerivedTumblingPipeline struct {
	cfg      PipelineConfig
	planner  *planner.DerivationPlanner
	ddl      *ddl.DerivedEntityDdlPlanner
	types    *types.Registry
	mappings *types.MappingRegistry
	metadata repositories.QueryMetadataRepository
	ddlLog   *DDLLog
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	models map[string]*models.EntityModel
}

// NewDerivedTumblingPipeline creates a pipeline. metadata, ddlLog and metrics may be nil.
func NewDerivedTumblingPipeline(
	cfg PipelineConfig,
	derivation *planner.DerivationPlanner,
	ddlPlanner *ddl.DerivedEntityDdlPlanner,
	typeRegistry *types.Registry,
	mappings *types.MappingRegistry,
	metadata repositories.QueryMetadataRepository,
	ddlLog *DDLLog,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *DerivedTumblingPipeline {
	return &DerivedTumblingPipeline{
		cfg:      cfg,
		planner:  derivation,
		ddl:      ddlPlanner,
		types:    typeRegistry,
		mappings: mappings,
		metadata: metadata,
		ddlLog:   ddlLog,
		metrics:  metrics,
		logger:   logger.Named("tumbling-pipeline"),
		models:   make(map[string]*models.EntityModel),
	}
}

// Model returns the derived entity model kept from a previous run.
func (p *DerivedTumblingPipeline) Model(name string) (*models.EntityModel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.models[strings.ToLower(name)]
	return m, ok
}

// Run plans and submits every derived entity of req.Base. Results are returned in
// submission order; on failure the results gathered so far are returned with the
// error, and registrations made for earlier entities are kept.
func (p *DerivedTumblingPipeline) Run(ctx context.Context, req PipelineRequest) ([]*models.ExecutionResult, error) {
	if req.Base == nil {
		return nil, fmt.Errorf("base entity is required")
	}
	if req.Submit == nil {
		return nil, fmt.Errorf("submit callback is required")
	}
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}

	derived, err := p.planner.Plan(req.Spec, req.Base)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", req.Base.Name, err)
	}
	SortForExecution(derived)

	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("entity", req.Base.Name),
			attribute.String("run_id", req.RunID.String()),
			attribute.Int("derived", len(derived)),
		))
	defer span.End()

	p.logger.Info("Derived pipeline start",
		zap.String("entity", req.Base.Name),
		zap.String("run_id", req.RunID.String()),
		zap.Int("derived", len(derived)))

	results := make([]*models.ExecutionResult, 0, len(derived))
	for _, d := range derived {
		result, err := p.runEntity(ctx, req, d)
		if result != nil {
			results = append(results, result)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "derived entity failed")
			return results, fmt.Errorf("derived entity %s (%s): %w", d.ID, d.Timeframe, err)
		}
	}
	return results, nil
}

// SortForExecution orders derived entities: hubs first, then by role priority and
// ascending window size.
func SortForExecution(derived []models.DerivedEntity) {
	sort.SliceStable(derived, func(i, j int) bool {
		a, b := derived[i], derived[j]
		if (a.Role == models.RoleHub) != (b.Role == models.RoleHub) {
			return a.Role == models.RoleHub
		}
		if a.Role.Priority() != b.Role.Priority() {
			return a.Role.Priority() < b.Role.Priority()
		}
		return a.Timeframe.Seconds() < b.Timeframe.Seconds()
	})
}

func (p *DerivedTumblingPipeline) runEntity(ctx context.Context, req PipelineRequest, d models.DerivedEntity) (*models.ExecutionResult, error) {
	model := p.entityModel(ctx, req.Base, d)

	apply := req.ApplySettings
	if apply == nil {
		apply = topicSettings(req.Spec.TopicSettings)
	}
	if apply(model) {
		// settings outrank the recorded retention once they change
		model.Metadata.RetentionMs = 0
		p.logger.Debug("Topic settings changed, re-deriving metadata",
			zap.String("entity", model.Name))
	}

	plan, err := p.ddl.Build(ctx, ddl.Request{
		BaseName:           req.Base.Name,
		Query:              req.Query,
		Entity:             model,
		Role:               d.Role,
		DefaultRetentionMs: p.cfg.DefaultRetentionMs,
		HopSeconds:         d.HopSeconds,
	})
	if err != nil {
		return nil, err
	}
	if model.Partitions <= 0 {
		model.Partitions = plan.Query.Partitions
	}
	if model.ReplicationFactor <= 0 {
		model.ReplicationFactor = plan.Query.Replicas
	}

	role := model.Metadata.Role
	result := &models.ExecutionResult{
		Model:      model,
		Role:       role,
		Timeframe:  model.Metadata.TimeframeRaw,
		Statement:  plan.DDL,
		InputTopic: inputTopic(plan, model, req.Base),
	}

	if !plan.ShouldExecute {
		p.metrics.ObserveDDL(string(role), "skipped")
		p.logger.Info("Derived entity not executable, recording without submission",
			zap.String("entity", model.Name),
			zap.String("role", string(role)))
		return result, nil
	}

	statement, err := sql.SingleStatement(plan.DDL)
	if err != nil {
		return result, fmt.Errorf("ddl for %s: %w", model.Name, err)
	}

	ctx, span := otel.Tracer(observability.TracerName).Start(ctx, "pipeline.entity",
		trace.WithAttributes(
			attribute.String("entity", model.Name),
			attribute.String("role", string(role)),
			attribute.String("timeframe", result.Timeframe),
		))
	defer span.End()

	resp, err := req.Submit(ctx, model, statement)
	if err == nil && (resp == nil || !resp.Success) {
		msg, code := "", 0
		if resp != nil {
			msg, code = resp.Message, resp.ErrorCode
		}
		err = ksql.NewStatementError(statement, msg, code)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		p.metrics.ObserveDDL(string(role), "failed")
		p.ddlLog.Record(p.ddlRecord(req.RunID, result, resp, err))
		return result, fmt.Errorf("submit %s: %w", model.Name, err)
	}

	result.Executed = true
	result.Response = resp.Body
	if result.Response == "" {
		result.Response = resp.Message
	}
	result.QueryID = ksql.ExtractQueryID(resp)
	span.SetAttributes(attribute.String("query_id", result.QueryID))

	outcome := "submitted"
	if resp.AlreadyExisted {
		outcome = "already_exists"
	}
	p.metrics.ObserveDDL(string(role), outcome)
	p.ddlLog.Record(p.ddlRecord(req.RunID, result, resp, nil))

	p.types.Register(model.Name, model.TopicName, plan.RuntimeType)
	p.registerMapping(model, plan.RuntimeType)
	p.persistMetadata(ctx, model)

	p.logger.Info("Derived entity submitted",
		zap.String("entity", model.Name),
		zap.String("role", string(role)),
		zap.String("timeframe", result.Timeframe),
		zap.String("query_id", result.QueryID),
		zap.String("outcome", outcome))

	if req.AfterExecute != nil {
		if err := req.AfterExecute(ctx, result); err != nil {
			return result, fmt.Errorf("after execute %s: %w", model.Name, err)
		}
	}
	return result, nil
}

// entityModel returns the derived model for d: the one kept from a previous run,
// else one seeded from persisted metadata, else a new one.
func (p *DerivedTumblingPipeline) entityModel(ctx context.Context, base *models.EntityModel, d models.DerivedEntity) *models.EntityModel {
	key := strings.ToLower(d.ID)

	p.mu.Lock()
	existing := p.models[key]
	p.mu.Unlock()

	if existing == nil && p.metadata != nil {
		meta, err := p.metadata.Get(ctx, d.ID)
		switch {
		case err == nil:
			existing = &models.EntityModel{
				Name:              d.ID,
				TopicName:         strings.ToUpper(d.ID),
				Partitions:        base.Partitions,
				ReplicationFactor: base.ReplicationFactor,
				Metadata:          *meta,
			}
			p.logger.Debug("Seeded derived entity from stored metadata",
				zap.String("entity", d.ID),
				zap.Int("grace_seconds", meta.GraceSeconds))
		case errors.Is(err, apperrors.ErrNotFound):
		default:
			p.logger.Warn("Failed to load stored metadata, planning from scratch",
				zap.String("entity", d.ID),
				zap.Error(err))
		}
	}

	model := planner.Adapt(existing, base, d, p.cfg.Namespace)

	p.mu.Lock()
	p.models[key] = model
	p.mu.Unlock()
	return model
}

func (p *DerivedTumblingPipeline) registerMapping(model *models.EntityModel, rowType *types.RowType) {
	if p.mappings == nil {
		return
	}
	// keys and hub values are always generic; live values are too so that schema
	// drift never breaks deserialization by full name
	opts := types.MappingOptions{GenericKey: true, GenericValue: true}
	registered, err := p.mappings.RegisterIfAbsent(rowType, model.Metadata.Keys, model.Metadata.Projection, opts)
	if err != nil {
		p.logger.Warn("Mapping registration failed, entity remains usable without a custom mapping",
			zap.String("entity", model.Name),
			zap.Error(err))
		return
	}
	if registered {
		p.logger.Debug("Registered key/value mapping",
			zap.String("entity", model.Name),
			zap.String("type", rowType.FullName()))
	}
}

func (p *DerivedTumblingPipeline) persistMetadata(ctx context.Context, model *models.EntityModel) {
	if p.metadata == nil {
		return
	}
	if err := p.metadata.Upsert(ctx, &model.Metadata); err != nil {
		p.logger.Warn("Failed to persist query metadata",
			zap.String("entity", model.Name),
			zap.Error(err))
	}
}

func (p *DerivedTumblingPipeline) ddlRecord(runID uuid.UUID, result *models.ExecutionResult, resp *ksql.Response, err error) DDLRecord {
	rec := DDLRecord{
		RunID:     runID,
		Entity:    result.Model.Name,
		Topic:     result.Model.TopicName,
		Role:      result.Role,
		Timeframe: result.Timeframe,
		QueryID:   result.QueryID,
		DDL:       result.Statement,
		Err:       err,
	}
	if resp != nil {
		rec.Response = resp.Body
		if rec.Response == "" {
			rec.Response = resp.Message
		}
	}
	return rec
}

func inputTopic(plan *ddl.Plan, model *models.EntityModel, base *models.EntityModel) string {
	if plan.InputOverride != "" {
		return plan.InputOverride
	}
	if model.Metadata.Role == models.RoleHub {
		return base.TopicName
	}
	return model.Metadata.InputHint
}

// topicSettings returns an ApplySettingsFunc that merges settings into a
// model's additional settings.
func topicSettings(settings map[string]string) ApplySettingsFunc {
	return func(model *models.EntityModel) bool {
		if len(settings) == 0 {
			return false
		}
		if model.AdditionalSettings == nil {
			model.AdditionalSettings = make(map[string]string, len(settings))
		}
		changed := false
		for k, v := range settings {
			if cur, ok := model.AdditionalSettings[k]; !ok || cur != v {
				model.AdditionalSettings[k] = v
				changed = true
			}
		}
		return changed
	}
}
