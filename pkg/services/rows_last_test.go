package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/ddl"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksqltext"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
)

const (
	hubStreamListed = `[{"@type":"streams","streams":[{"name":"TRADE_1S_ROWS","topic":"TRADE_1S_ROWS","type":"STREAM"}]}]`
	lastTableListed = `[{"@type":"tables","tables":[{"name":"TRADE_1S_ROWS_LAST","topic":"TRADE_1S_ROWS_LAST","type":"TABLE"}]}]`
	lastQueryID     = "CTAS_TRADE_1S_ROWS_LAST_3"
)

func newRowsLast(fake *fakeKsql) *RowsLastOrchestrator {
	return NewRowsLastOrchestrator(
		RowsLastConfig{SourceTimeout: 20 * time.Millisecond, RunningTimeout: 50 * time.Millisecond, MinAttempts: 1},
		fake,
		newFakeWaitClient(fake),
		ksqltext.NewBuilder("", ""),
		zap.NewNop(),
	)
}

func hubModel() *models.EntityModel {
	return &models.EntityModel{
		Name:      "trade_1s_rows",
		TopicName: "TRADE_1S_ROWS",
		AllProperties: []models.Property{
			{Name: "Symbol", Type: "STRING", IsKey: true},
			{Name: "BucketStart", Type: "BIGINT"},
			{Name: "Price", Type: "DOUBLE"},
			{Name: "Volume", Type: "DOUBLE"},
		},
		Metadata: models.QueryMetadata{Identifier: "trade_1s_rows", Role: models.RoleHub},
	}
}

func rejectCreate(string, int) (*ksql.Response, error) {
	return &ksql.Response{Success: false, Message: "Invalid topic configuration"}, nil
}

func TestRowsLastOrchestrator_SkipsExistingTable(t *testing.T) {
	fake := newFakeKsql().onBody("SHOW TABLES", lastTableListed).onBody("SHOW STREAMS", hubStreamListed)
	o := newRowsLast(fake)

	resp, err := o.Ensure(context.Background(), hubModel())
	require.NoError(t, err)
	assert.True(t, resp.AlreadyExisted)
	assert.Equal(t, "SKIPPED (exists): TRADE_1S_ROWS_LAST", resp.Message)
	assert.Empty(t, fake.executed("CREATE"))
}

func TestRowsLastOrchestrator_CreatesAndWaitsForRunning(t *testing.T) {
	fake := newFakeKsql().
		on("SHOW TABLES", func(_ string, call int) (*ksql.Response, error) {
			if call == 0 {
				return &ksql.Response{Success: true, Body: `[{"@type":"tables","tables":[]}]`}, nil
			}
			return &ksql.Response{Success: true, Body: lastTableListed}, nil
		}).
		onBody("SHOW STREAMS", hubStreamListed).
		onBody("CREATE", `[{"@type":"currentStatus","commandStatus":{"status":"SUCCESS","message":"Created query with ID `+lastQueryID+`","queryId":"`+lastQueryID+`"}}]`).
		onBody("SHOW QUERIES", `[{"@type":"queries","queries":[{"id":"`+lastQueryID+`","sinks":["TRADE_1S_ROWS_LAST"],"sinkKafkaTopics":["TRADE_1S_ROWS_LAST"],"queryString":"","state":"RUNNING"}]}]`)
	o := newRowsLast(fake)

	resp, err := o.Ensure(context.Background(), hubModel())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.AlreadyExisted)

	created := fake.executed("CREATE")
	require.Len(t, created, 1)
	stmt := created[0]
	assert.Contains(t, stmt, "CREATE TABLE TRADE_1S_ROWS_LAST WITH (KAFKA_TOPIC='TRADE_1S_ROWS_LAST'")
	assert.Contains(t, stmt, "PARTITIONS=1, REPLICAS=1")
	assert.Contains(t, stmt, fmt.Sprintf("RETENTION_MS=%d", ddl.DefaultRetentionMs))
	assert.Contains(t, stmt, "LATEST_BY_OFFSET(`PRICE`) AS `PRICE`")
	assert.Contains(t, stmt, "LATEST_BY_OFFSET(`BUCKETSTART`) AS `BUCKETSTART`")
	assert.Contains(t, stmt, "FROM TRADE_1S_ROWS GROUP BY `SYMBOL`;")
	assert.NotContains(t, stmt, "WINDOW")
}

func TestRowsLastOrchestrator_SecondEnsureSubmitsNoDDL(t *testing.T) {
	created := false
	fake := newFakeKsql().
		on("SHOW TABLES", func(string, int) (*ksql.Response, error) {
			if created {
				return &ksql.Response{Success: true, Body: lastTableListed}, nil
			}
			return &ksql.Response{Success: true, Body: `[{"@type":"tables","tables":[]}]`}, nil
		}).
		onBody("SHOW STREAMS", hubStreamListed).
		on("CREATE", func(string, int) (*ksql.Response, error) {
			created = true
			return &ksql.Response{Success: true, Body: `[{"commandStatus":{"status":"SUCCESS","queryId":"` + lastQueryID + `"}}]`}, nil
		}).
		onBody("SHOW QUERIES", `[{"@type":"queries","queries":[{"id":"`+lastQueryID+`","sinks":["TRADE_1S_ROWS_LAST"],"queryString":"","state":"RUNNING"}]}]`)
	o := newRowsLast(fake)

	first, err := o.Ensure(context.Background(), hubModel())
	require.NoError(t, err)
	assert.False(t, first.AlreadyExisted)

	second, err := o.Ensure(context.Background(), hubModel())
	require.NoError(t, err)
	assert.True(t, second.AlreadyExisted)
	assert.Equal(t, "SKIPPED (exists): TRADE_1S_ROWS_LAST", second.Message)

	assert.Len(t, fake.executed("CREATE TABLE"), 1)
}

func TestRowsLastOrchestrator_RecordedRetentionWins(t *testing.T) {
	fake := newFakeKsql().onBody("SHOW STREAMS", hubStreamListed).on("CREATE", rejectCreate)
	o := newRowsLast(fake)

	hub := hubModel()
	hub.Metadata.RetentionMs = 3600000
	_, err := o.Ensure(context.Background(), hub)
	require.Error(t, err)

	created := fake.executed("CREATE")
	require.Len(t, created, 1)
	assert.Contains(t, created[0], "RETENTION_MS=3600000")
}

func TestRowsLastOrchestrator_TimestampColumnReplacesBucketStart(t *testing.T) {
	fake := newFakeKsql().onBody("SHOW STREAMS", hubStreamListed).on("CREATE", rejectCreate)
	o := newRowsLast(fake)

	hub := hubModel()
	hub.AllProperties = append(hub.AllProperties, models.Property{Name: "Timestamp", Type: "BIGINT", IsTimestamp: true})
	hub.Metadata.TimestampColumn = "Timestamp"

	_, err := o.Ensure(context.Background(), hub)
	var stmtErr *ksql.StatementError
	require.True(t, errors.As(err, &stmtErr))

	created := fake.executed("CREATE")
	require.Len(t, created, 1)
	assert.Contains(t, created[0], "LATEST_BY_OFFSET(`TIMESTAMP`) AS `TIMESTAMP`")
	assert.NotContains(t, created[0], "BUCKETSTART")
}

func TestRowsLastOrchestrator_FallsBackToDescribe(t *testing.T) {
	fake := newFakeKsql().
		onBody("SHOW STREAMS", hubStreamListed).
		onBody("DESCRIBE", `[{"@type":"sourceDescription","sourceDescription":{"name":"TRADE_1S_ROWS","topic":"TRADE_1S_ROWS",
			"fields":[
				{"name":"SYMBOL","type":"KEY","schema":{"type":"STRING"}},
				{"name":"BROKER","schema":{"type":"STRING"}},
				{"name":"PRICE","schema":{"type":"DOUBLE"}},
				{"name":"BUCKETSTART","schema":{"type":"BIGINT"}}
			],"readQueries":[],"writeQueries":[]}}]`).
		on("CREATE", rejectCreate)
	o := newRowsLast(fake)

	hub := &models.EntityModel{Name: "trade_1s_rows", TopicName: "TRADE_1S_ROWS"}
	_, err := o.Ensure(context.Background(), hub)
	require.Error(t, err)

	created := fake.executed("CREATE")
	require.Len(t, created, 1)
	assert.Contains(t, created[0], "GROUP BY `SYMBOL`, `BROKER`;", "key-like fields group with the declared keys")
	assert.Contains(t, created[0], "LATEST_BY_OFFSET(`PRICE`) AS `PRICE`")
	assert.Contains(t, created[0], "LATEST_BY_OFFSET(`BUCKETSTART`) AS `BUCKETSTART`")
	assert.NotContains(t, created[0], "LATEST_BY_OFFSET(`BROKER`)")
}

func TestRowsLastOrchestrator_NoKeysIsAnError(t *testing.T) {
	fake := newFakeKsql().onBody("SHOW STREAMS", hubStreamListed)
	o := newRowsLast(fake)

	hub := &models.EntityModel{
		Name:          "prices_1s_rows",
		TopicName:     "PRICES_1S_ROWS",
		AllProperties: []models.Property{{Name: "Price", Type: "DOUBLE"}},
	}
	_, err := o.Ensure(context.Background(), hub)
	assert.ErrorIs(t, err, apperrors.ErrNoGroupingKeys)
	assert.Empty(t, fake.executed("CREATE"))
}

func TestRowsLastOrchestrator_QueryNeverRunning(t *testing.T) {
	fake := newFakeKsql().
		onBody("SHOW TABLES", `[{"@type":"tables","tables":[]}]`).
		onBody("SHOW STREAMS", hubStreamListed).
		onBody("CREATE", `[{"@type":"currentStatus","commandStatus":{"status":"SUCCESS","queryId":"`+lastQueryID+`"}}]`).
		onBody("SHOW QUERIES", `[{"@type":"queries","queries":[{"id":"`+lastQueryID+`","sinks":["TRADE_1S_ROWS_LAST"],"state":"ERROR"}]}]`)
	o := newRowsLast(fake)

	_, err := o.Ensure(context.Background(), hubModel())
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
}
