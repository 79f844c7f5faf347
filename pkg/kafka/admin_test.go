package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
)

type mockTopicLister struct {
	details   kadm.TopicDetails
	err       error
	starts    kadm.ListedOffsets
	ends      kadm.ListedOffsets
	offsetErr error
	closed    bool
}

func (m *mockTopicLister) ListTopics(_ context.Context, _ ...string) (kadm.TopicDetails, error) {
	return m.details, m.err
}

func (m *mockTopicLister) ListStartOffsets(_ context.Context, _ ...string) (kadm.ListedOffsets, error) {
	return m.starts, m.offsetErr
}

func (m *mockTopicLister) ListEndOffsets(_ context.Context, _ ...string) (kadm.ListedOffsets, error) {
	return m.ends, m.offsetErr
}

func (m *mockTopicLister) Close() { m.closed = true }

func offsets(topic string, byPartition ...int64) kadm.ListedOffsets {
	ps := make(map[int32]kadm.ListedOffset, len(byPartition))
	for i, o := range byPartition {
		ps[int32(i)] = kadm.ListedOffset{Topic: topic, Partition: int32(i), Offset: o}
	}
	return kadm.ListedOffsets{topic: ps}
}

func partitions(n int) kadm.PartitionDetails {
	out := make(kadm.PartitionDetails, n)
	for i := 0; i < n; i++ {
		out[int32(i)] = kadm.PartitionDetail{Topic: "T", Partition: int32(i)}
	}
	return out
}

func TestAdmin_PartitionCount(t *testing.T) {
	lister := &mockTopicLister{details: kadm.TopicDetails{
		"TRADE_5M_LIVE": {Topic: "TRADE_5M_LIVE", Partitions: partitions(3)},
	}}
	admin := newAdmin(lister, zap.NewNop())

	n, err := admin.PartitionCount(context.Background(), "TRADE_5M_LIVE")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	admin.Close()
	assert.True(t, lister.closed)
}

func TestAdmin_PartitionCountUnknownTopic(t *testing.T) {
	admin := newAdmin(&mockTopicLister{details: kadm.TopicDetails{}}, zap.NewNop())

	_, err := admin.PartitionCount(context.Background(), "MISSING")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAdmin_PartitionCountTopicError(t *testing.T) {
	admin := newAdmin(&mockTopicLister{details: kadm.TopicDetails{
		"TRADE_5M_LIVE": {Topic: "TRADE_5M_LIVE", Err: kerr.UnknownTopicOrPartition},
	}}, zap.NewNop())

	_, err := admin.PartitionCount(context.Background(), "TRADE_5M_LIVE")
	assert.ErrorIs(t, err, kerr.UnknownTopicOrPartition)
}

func TestAdmin_PartitionCountRequestError(t *testing.T) {
	admin := newAdmin(&mockTopicLister{err: errors.New("dial tcp: connection refused")}, zap.NewNop())

	_, err := admin.PartitionCount(context.Background(), "TRADE_5M_LIVE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestNewAdmin_RequiresBrokers(t *testing.T) {
	_, err := NewAdmin(nil, zap.NewNop())
	assert.Error(t, err)
}

func TestIsInternalTopicOf(t *testing.T) {
	tests := []struct {
		topic string
		id    string
		want  bool
	}{
		{"_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_3-Aggregate-Aggregate-Materialize-changelog", "CTAS_TRADE_5M_LIVE_3", true},
		{"_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_3-Aggregate-GroupBy-repartition", "ctas_trade_5m_live_3", true},
		{"_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_31-Aggregate-GroupBy-repartition", "CTAS_TRADE_5M_LIVE_3", false},
		{"_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_3-KsqlTopic-Reduce", "CTAS_TRADE_5M_LIVE_3", false},
		{"TRADE_5M_LIVE", "CTAS_TRADE_5M_LIVE_3", false},
		{"_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_3-x-changelog", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, IsInternalTopicOf(tt.topic, tt.id))
		})
	}
}

func TestConsumerGroupOf(t *testing.T) {
	assert.Equal(t, "_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_3",
		ConsumerGroupOf("_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_3-Aggregate-Aggregate-Materialize-changelog", "ctas_trade_5m_live_3"))
	assert.Equal(t, "", ConsumerGroupOf("TRADE_5M_LIVE", "CTAS_TRADE_5M_LIVE_3"))
	assert.Equal(t, "", ConsumerGroupOf("_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_31-Aggregate-changelog", "CTAS_TRADE_5M_LIVE_3"))
}

func TestAdmin_InternalTopics(t *testing.T) {
	changelog := "_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_3-Aggregate-Aggregate-Materialize-changelog"
	repartition := "_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_3-Aggregate-GroupBy-repartition"
	other := "_confluent-ksql-default_query_CTAS_TRADE_1H_LIVE_4-Aggregate-Aggregate-Materialize-changelog"
	broken := "_confluent-ksql-default_query_CTAS_TRADE_5M_LIVE_3-Broken-changelog"

	admin := newAdmin(&mockTopicLister{details: kadm.TopicDetails{
		changelog:       {Topic: changelog, Partitions: partitions(2)},
		repartition:     {Topic: repartition, Partitions: partitions(2)},
		other:           {Topic: other, Partitions: partitions(1)},
		broken:          {Topic: broken, Err: kerr.UnknownTopicOrPartition},
		"TRADE_5M_LIVE": {Topic: "TRADE_5M_LIVE", Partitions: partitions(2)},
	}}, zap.NewNop())

	topics, err := admin.InternalTopics(context.Background(), "CTAS_TRADE_5M_LIVE_3")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{changelog: 2, repartition: 2}, topics)
}

func TestAdmin_InternalTopicsRequestError(t *testing.T) {
	admin := newAdmin(&mockTopicLister{err: errors.New("dial tcp: connection refused")}, zap.NewNop())

	_, err := admin.InternalTopics(context.Background(), "CTAS_TRADE_5M_LIVE_3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAdmin_RecordCount(t *testing.T) {
	admin := newAdmin(&mockTopicLister{
		starts: offsets("TRADE_5M_LIVE", 0, 10, 4),
		ends:   offsets("TRADE_5M_LIVE", 3, 10, 9),
	}, zap.NewNop())

	n, err := admin.RecordCount(context.Background(), "TRADE_5M_LIVE")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestAdmin_RecordCountEmptyAndMissing(t *testing.T) {
	empty := newAdmin(&mockTopicLister{
		starts: offsets("TRADE_5M_LIVE", 0),
		ends:   offsets("TRADE_5M_LIVE", 0),
	}, zap.NewNop())
	n, err := empty.RecordCount(context.Background(), "TRADE_5M_LIVE")
	require.NoError(t, err)
	assert.Zero(t, n)

	missing := newAdmin(&mockTopicLister{ends: kadm.ListedOffsets{}}, zap.NewNop())
	_, err = missing.RecordCount(context.Background(), "TRADE_5M_LIVE")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAdmin_RecordCountPartitionError(t *testing.T) {
	ends := offsets("TRADE_5M_LIVE", 5)
	ends["TRADE_5M_LIVE"][0] = kadm.ListedOffset{Topic: "TRADE_5M_LIVE", Err: kerr.NotLeaderForPartition}
	admin := newAdmin(&mockTopicLister{ends: ends}, zap.NewNop())

	_, err := admin.RecordCount(context.Background(), "TRADE_5M_LIVE")
	assert.ErrorIs(t, err, kerr.NotLeaderForPartition)
}
