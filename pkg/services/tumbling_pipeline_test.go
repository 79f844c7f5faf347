package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

func TestDerivedTumblingPipeline_HubFirstThenAscendingLives(t *testing.T) {
	f := newPipelineFixture("")
	rec := &recordingSubmit{}

	results, err := f.pipeline.Run(context.Background(), PipelineRequest{
		RunID:  uuid.New(),
		Spec:   tradeSpec("1h", "5m"),
		Base:   tradeBase(),
		Query:  tradeQuery(),
		Submit: rec.submit,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"trade_1s_rows", "trade_5m_live", "trade_1h_live"}, rec.entities)
	require.Len(t, results, 3)

	hub := results[0]
	assert.Equal(t, models.RoleHub, hub.Role)
	assert.True(t, hub.Executed)
	assert.Equal(t, "trades", hub.InputTopic)
	assert.Empty(t, hub.QueryID)
	assert.Contains(t, hub.Statement, "CREATE STREAM trade_1s_rows")

	live := results[1]
	assert.Equal(t, models.RoleLive, live.Role)
	assert.Equal(t, "5m", live.Timeframe)
	assert.Equal(t, "trade_1s_rows", live.InputTopic)
	assert.Equal(t, "CTAS_TRADE_5M_LIVE_1", live.QueryID)
	assert.Contains(t, live.Statement, "FROM trade_1s_rows")
	assert.Contains(t, live.Statement, "SIZE 300 SECONDS")
	assert.Contains(t, live.Statement, "GRACE PERIOD 1 SECONDS")

	assert.Equal(t, "CTAS_TRADE_1H_LIVE_1", results[2].QueryID)
}

func TestDerivedTumblingPipeline_RegistersTypesMappingsAndMetadata(t *testing.T) {
	f := newPipelineFixture("")
	rec := &recordingSubmit{}

	_, err := f.pipeline.Run(context.Background(), PipelineRequest{
		Spec: tradeSpec("5m"), Base: tradeBase(), Query: tradeQuery(), Submit: rec.submit,
	})
	require.NoError(t, err)

	rt, ok := f.types.Resolve("trade_5m_live")
	require.True(t, ok)
	assert.Equal(t, "ekaya.streams.trade_5m_live", rt.FullName())

	byTopic, ok := f.types.Resolve("TRADE_5M_LIVE")
	require.True(t, ok)
	assert.Same(t, rt, byTopic)

	mapping, ok := f.mappings.Lookup(rt.FullName())
	require.True(t, ok)
	assert.True(t, mapping.Options.GenericKey)
	assert.True(t, mapping.Options.GenericValue)
	assert.Equal(t, []string{"Symbol"}, models.ColumnNames(mapping.Key))

	meta, err := f.metadata.Get(context.Background(), "trade_5m_live")
	require.NoError(t, err)
	assert.Equal(t, models.RoleLive, meta.Role)
	assert.Equal(t, "5m", meta.TimeframeRaw)
	assert.Equal(t, 1, meta.GraceSeconds)
	assert.Equal(t, "trade_1s_rows", meta.InputHint)

	model, ok := f.pipeline.Model("TRADE_5M_LIVE")
	require.True(t, ok)
	assert.Equal(t, 1, model.Partitions)
}

func TestDerivedTumblingPipeline_WritesDDLLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "physical", "ddl.log")
	f := newPipelineFixture(path)
	rec := &recordingSubmit{}

	_, err := f.pipeline.Run(context.Background(), PipelineRequest{
		Spec: tradeSpec("5m"), Base: tradeBase(), Query: tradeQuery(), Submit: rec.submit,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "ENTITY: trade_1s_rows")
	assert.Contains(t, text, "ENTITY: trade_5m_live")
	assert.Contains(t, text, "QUERY_ID: CTAS_TRADE_5M_LIVE_1")
	assert.Contains(t, text, "=== DDL ===")
	assert.NotContains(t, text, "=== ERROR ===")
}

func TestDerivedTumblingPipeline_SubmitFailureKeepsEarlierProgress(t *testing.T) {
	f := newPipelineFixture("")
	rec := &recordingSubmit{failFor: "trade_5m_live"}

	results, err := f.pipeline.Run(context.Background(), PipelineRequest{
		Spec: tradeSpec("5m", "1h"), Base: tradeBase(), Query: tradeQuery(), Submit: rec.submit,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trade_5m_live")
	assert.Contains(t, err.Error(), "5m")

	var stmtErr *ksql.StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Contains(t, stmtErr.Message, "Invalid topic configuration")

	// the 1h entity is never submitted
	assert.Equal(t, []string{"trade_1s_rows", "trade_5m_live"}, rec.entities)
	require.Len(t, results, 2)
	assert.True(t, results[0].Executed)
	assert.False(t, results[1].Executed)

	_, ok := f.types.Resolve("trade_1s_rows")
	assert.True(t, ok, "hub registration survives the later failure")
	_, ok = f.types.Resolve("trade_5m_live")
	assert.False(t, ok)
}

func TestDerivedTumblingPipeline_SkipsNonExecutableLives(t *testing.T) {
	f := newPipelineFixture("")
	rec := &recordingSubmit{}

	query := models.QueryModel{
		SourceName: "trades",
		Keys:       []string{"Symbol"},
		Projection: []models.ProjectedColumn{{Alias: "Symbol", Type: "STRING", IsKey: true}},
	}
	results, err := f.pipeline.Run(context.Background(), PipelineRequest{
		Spec: tradeSpec("5m"), Base: tradeBase(), Query: query, Submit: rec.submit,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"trade_1s_rows"}, rec.entities)
	require.Len(t, results, 2)
	assert.False(t, results[1].Executed)
	assert.NotEmpty(t, results[1].Statement, "skipped entities are still recorded with their DDL")
}

func TestDerivedTumblingPipeline_SeedsFromStoredMetadata(t *testing.T) {
	f := newPipelineFixture("")
	require.NoError(t, f.metadata.Upsert(context.Background(), &models.QueryMetadata{
		Identifier:   "trade_5m_live",
		Role:         models.RoleLive,
		TimeframeRaw: "5m",
		GraceSeconds: 7,
	}))
	rec := &recordingSubmit{}

	results, err := f.pipeline.Run(context.Background(), PipelineRequest{
		Spec: tradeSpec("5m"), Base: tradeBase(), Query: tradeQuery(), Submit: rec.submit,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results[1].Statement, "GRACE PERIOD 7 SECONDS")
	assert.Equal(t, 7, results[1].Model.Metadata.GraceSeconds)
}

func TestDerivedTumblingPipeline_ChangedSettingsReDeriveRetention(t *testing.T) {
	f := newPipelineFixture("")
	rec := &recordingSubmit{}

	spec := tradeSpec("5m")
	spec.TopicSettings = map[string]string{"retentionMs": "1000"}
	results, err := f.pipeline.Run(context.Background(), PipelineRequest{
		Spec: spec, Base: tradeBase(), Query: tradeQuery(), Submit: rec.submit,
	})
	require.NoError(t, err)
	assert.Contains(t, results[1].Statement, "RETENTION_MS=1000")

	spec.TopicSettings = map[string]string{"retentionMs": "2000"}
	results, err = f.pipeline.Run(context.Background(), PipelineRequest{
		Spec: spec, Base: tradeBase(), Query: tradeQuery(), Submit: rec.submit,
	})
	require.NoError(t, err)
	assert.Contains(t, results[1].Statement, "RETENTION_MS=2000")
}

func TestDerivedTumblingPipeline_AfterExecuteFailureStopsRun(t *testing.T) {
	f := newPipelineFixture("")
	rec := &recordingSubmit{}
	hookErr := errors.New("registry unavailable")

	results, err := f.pipeline.Run(context.Background(), PipelineRequest{
		Spec: tradeSpec("5m"), Base: tradeBase(), Query: tradeQuery(), Submit: rec.submit,
		AfterExecute: func(_ context.Context, r *models.ExecutionResult) error {
			if r.Role == models.RoleLive {
				return hookErr
			}
			return nil
		},
	})
	require.ErrorIs(t, err, hookErr)
	require.Len(t, results, 2)
	assert.True(t, results[1].Executed)
}

func TestDerivedTumblingPipeline_RequiresSubmit(t *testing.T) {
	f := newPipelineFixture("")
	_, err := f.pipeline.Run(context.Background(), PipelineRequest{Spec: tradeSpec("5m"), Base: tradeBase(), Query: tradeQuery()})
	assert.Error(t, err)
}

func TestSortForExecution(t *testing.T) {
	derived := []models.DerivedEntity{
		{ID: "trade_1h_live", Role: models.RoleLive, Timeframe: models.MustParseTimeframe("1h")},
		{ID: "trade_1s_rows", Role: models.RoleHub, Timeframe: models.MustParseTimeframe("1s")},
		{ID: "trade_1m_live", Role: models.RoleLive, Timeframe: models.MustParseTimeframe("1m")},
		{ID: "trade_90s_live", Role: models.RoleLive, Timeframe: models.MustParseTimeframe("90s")},
	}
	SortForExecution(derived)

	ids := make([]string, len(derived))
	for i, d := range derived {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"trade_1s_rows", "trade_1m_live", "trade_90s_live", "trade_1h_live"}, ids)
}
