package topology

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

const tradesTopology = `
entities:
  - name: Trade
    topic: trades
    partitions: 3
    replication_factor: 1
    properties:
      - {name: Symbol, type: STRING, key: true}
      - {name: Timestamp, type: BIGINT, timestamp: true}
      - {name: Price, type: DOUBLE}
      - {name: Volume, type: DOUBLE, nullable: true}
    tumbling:
      timeframes: [5m, 1h]
      base_grace_seconds: 2
      grace_overrides: {1h: 30}
      hop_seconds: {1h: 900}
      timestamp_column: Timestamp
      week_anchor: mon
      topic_settings: {retentionMs: "86400000"}
    query:
      where: "Price > 0"
      columns:
        - {alias: Symbol, type: STRING, key: true}
        - {alias: Volume, aggregate: sum, argument: Volume, type: DOUBLE}
        - {alias: Close, aggregate: last, argument: Price, type: DOUBLE}
        - {alias: CNT, aggregate: count, type: BIGINT}
`

func TestParse_ResolvesEntities(t *testing.T) {
	entries, err := Parse([]byte(tradesTopology))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]

	assert.Equal(t, "Trade", e.Base.Name)
	assert.Equal(t, "trades", e.Base.TopicName)
	assert.Equal(t, 3, e.Base.Partitions)
	require.Len(t, e.Base.AllProperties, 4)
	assert.True(t, e.Base.AllProperties[0].IsKey)
	assert.True(t, e.Base.AllProperties[1].IsTimestamp)
	assert.True(t, e.Base.AllProperties[3].Nullable)

	assert.Equal(t, []string{"Symbol"}, e.Spec.Keys, "keys default to the key properties")
	assert.Equal(t, []string{"5m", "1h"}, e.Spec.Timeframes)
	assert.Equal(t, 2, e.Spec.BaseGraceSeconds)
	assert.Equal(t, 30, e.Spec.GraceOverrides["1h"])
	assert.Equal(t, int64(900), e.Spec.HopSeconds["1h"])
	assert.Equal(t, time.Monday, e.Spec.WeekAnchor)
	assert.Equal(t, "86400000", e.Spec.TopicSettings["retentionMs"])

	assert.Equal(t, "trades", e.Query.SourceName)
	assert.Equal(t, "Price > 0", e.Query.Where)
	require.Len(t, e.Query.Projection, 4)
	assert.Equal(t, models.AggregateSum, e.Query.Projection[1].Aggregate)
	assert.Equal(t, models.AggregateLatest, e.Query.Projection[2].Aggregate)
	assert.Equal(t, "Price", e.Query.Projection[2].Argument)
	assert.True(t, e.Query.Projection[0].IsKey)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "entities: []", "no entities"},
		{"missing name", "entities:\n  - tumbling: {timeframes: [5m]}", "name is required"},
		{"no timeframes", "entities:\n  - name: Trade", "timeframe"},
		{"bad timeframe", "entities:\n  - name: Trade\n    tumbling: {timeframes: [5x]}", "Trade"},
		{"bad aggregate", "entities:\n  - name: Trade\n    tumbling: {timeframes: [5m]}\n    query:\n      columns: [{alias: X, aggregate: median}]", "median"},
		{"bad anchor", "entities:\n  - name: Trade\n    tumbling: {timeframes: [5m], week_anchor: someday}", "week anchor"},
		{"duplicate", "entities:\n  - {name: Trade, tumbling: {timeframes: [5m]}}\n  - {name: trade, tumbling: {timeframes: [1h]}}", "twice"},
		{"not yaml", "entities: [", "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tradesTopology), 0644))

	entries, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseWeekday(t *testing.T) {
	d, err := parseWeekday("")
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, d)

	d, err = parseWeekday("Friday")
	require.NoError(t, err)
	assert.Equal(t, time.Friday, d)
}
