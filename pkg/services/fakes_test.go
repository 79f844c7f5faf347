package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/ddl"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksqltext"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/planner"
	"github.com/ekaya-inc/ekaya-streams/pkg/repositories"
	"github.com/ekaya-inc/ekaya-streams/pkg/types"
)

// ============================================================================
// fakeKsql
// ============================================================================

// fakeKsql routes statements to per-prefix handlers and records every call.
// Unmatched statements fail with a non-retryable message.
type fakeKsql struct {
	mu         sync.Mutex
	handlers   map[string]func(sql string, call int) (*ksql.Response, error)
	calls      map[string]int
	statements []string
	rows       []ksql.Row
	rowsErr    error
	rowQueries []string
}

func newFakeKsql() *fakeKsql {
	return &fakeKsql{
		handlers: make(map[string]func(string, int) (*ksql.Response, error)),
		calls:    make(map[string]int),
	}
}

func (f *fakeKsql) on(prefix string, fn func(sql string, call int) (*ksql.Response, error)) *fakeKsql {
	f.handlers[strings.ToUpper(prefix)] = fn
	return f
}

func (f *fakeKsql) onBody(prefix, body string) *fakeKsql {
	return f.on(prefix, func(string, int) (*ksql.Response, error) {
		return &ksql.Response{Success: true, Body: body}, nil
	})
}

func (f *fakeKsql) Execute(_ context.Context, sql string) (*ksql.Response, error) {
	f.mu.Lock()
	f.statements = append(f.statements, sql)
	upper := strings.ToUpper(strings.TrimSpace(sql))
	var (
		handler func(string, int) (*ksql.Response, error)
		key     string
	)
	for prefix, fn := range f.handlers {
		if strings.HasPrefix(upper, prefix) && len(prefix) > len(key) {
			handler, key = fn, prefix
		}
	}
	call := f.calls[key]
	f.calls[key]++
	f.mu.Unlock()

	if handler == nil {
		return &ksql.Response{Success: false, Message: "line 1:1: mismatched input for " + sql}, nil
	}
	return handler(sql, call)
}

func (f *fakeKsql) ExecuteWithMinAttempts(ctx context.Context, sql string, _ int) (*ksql.Response, error) {
	return f.Execute(ctx, sql)
}

func (f *fakeKsql) QueryRows(_ context.Context, sql string, _ time.Duration) ([]ksql.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowQueries = append(f.rowQueries, sql)
	return f.rows, f.rowsErr
}

// executed returns the recorded statements that start with prefix.
func (f *fakeKsql) executed(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.statements {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(s)), strings.ToUpper(prefix)) {
			out = append(out, s)
		}
	}
	return out
}

func fastWaitConfig() ksql.WaitConfig {
	return ksql.WaitConfig{
		ShowQueriesAttempts: 2,
		ShowQueriesInterval: time.Millisecond,
		PollInterval:        time.Millisecond,
		RequiredConsecutive: 1,
		KeyLikeFields:       []string{"BROKER", "SYMBOL"},
	}
}

func newFakeWaitClient(f *fakeKsql) *ksql.WaitClient {
	return ksql.NewWaitClient(f, fastWaitConfig(), nil, nil, zap.NewNop())
}

// ============================================================================
// Fixtures
// ============================================================================

func tradeBase() *models.EntityModel {
	return &models.EntityModel{
		Name:      "Trade",
		TopicName: "trades",
		AllProperties: []models.Property{
			{Name: "Symbol", Type: "STRING", IsKey: true},
			{Name: "Timestamp", Type: "BIGINT", IsTimestamp: true},
			{Name: "Price", Type: "DOUBLE"},
			{Name: "Volume", Type: "DOUBLE"},
		},
		Partitions:        1,
		ReplicationFactor: 1,
	}
}

func tradeQuery() models.QueryModel {
	return models.QueryModel{
		SourceName: "trades",
		Keys:       []string{"Symbol"},
		Projection: []models.ProjectedColumn{
			{Alias: "Symbol", Type: "STRING", IsKey: true},
			{Alias: "Volume", Aggregate: models.AggregateSum, Argument: "Volume", Type: "DOUBLE"},
			{Alias: "Price", Aggregate: models.AggregateAvg, Argument: "Price", Type: "DOUBLE"},
			{Alias: "CNT", Aggregate: models.AggregateCount, Type: "BIGINT"},
		},
	}
}

func tradeSpec(timeframes ...string) models.TumblingSpec {
	return models.TumblingSpec{Keys: []string{"Symbol"}, Timeframes: timeframes}
}

type pipelineFixture struct {
	pipeline *DerivedTumblingPipeline
	types    *types.Registry
	mappings *types.MappingRegistry
	metadata repositories.QueryMetadataRepository
}

func newPipelineFixture(ddlLogPath string) *pipelineFixture {
	logger := zap.NewNop()
	typeRegistry := types.NewRegistry()
	mappings := types.NewMappingRegistry(nil)
	metadata := repositories.NewMemoryQueryMetadataRepository()
	ddlPlanner := ddl.NewDerivedEntityDdlPlanner(
		ddl.Config{Namespace: "ekaya.streams"},
		ksqltext.NewBuilder("", ""),
		types.NewFactory(),
		nil,
		logger,
	)
	p := NewDerivedTumblingPipeline(
		PipelineConfig{Namespace: "ekaya.streams"},
		planner.NewDerivationPlanner(),
		ddlPlanner,
		typeRegistry,
		mappings,
		metadata,
		NewDDLLog(ddlLogPath, logger),
		nil,
		logger,
	)
	return &pipelineFixture{pipeline: p, types: typeRegistry, mappings: mappings, metadata: metadata}
}

// recordingSubmit answers every statement with success; CTAS statements get a
// query id derived from the target topic.
type recordingSubmit struct {
	mu         sync.Mutex
	entities   []string
	statements []string
	failFor    string
}

func (r *recordingSubmit) submit(_ context.Context, model *models.EntityModel, statement string) (*ksql.Response, error) {
	r.mu.Lock()
	r.entities = append(r.entities, model.Name)
	r.statements = append(r.statements, statement)
	r.mu.Unlock()

	if r.failFor != "" && model.Name == r.failFor {
		return &ksql.Response{Success: false, Message: "Invalid topic configuration"}, nil
	}
	if strings.Contains(strings.ToUpper(statement), " AS ") {
		id := "CTAS_" + strings.ToUpper(model.TopicName) + "_1"
		return &ksql.Response{
			Success: true,
			Body:    `[{"@type":"currentStatus","commandStatus":{"status":"SUCCESS","message":"Created query with ID ` + id + `","queryId":"` + id + `"}}]`,
		}, nil
	}
	return &ksql.Response{Success: true, Body: `[{"@type":"currentStatus","commandStatus":{"status":"SUCCESS","message":"Stream created"}}]`}, nil
}
