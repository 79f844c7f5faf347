// Package kafka wraps the Kafka-side lookups the orchestrator needs: topic
// partition counts, internal topics and retained offsets through the franz-go
// admin client, and schema subjects through the schema registry REST API.
package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
)

// adminClient is the subset of kadm.Client used by Admin.
type adminClient interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
	ListStartOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	ListEndOffsets(ctx context.Context, topics ...string) (kadm.ListedOffsets, error)
	Close()
}

// Admin answers topic metadata questions.
type Admin struct {
	client adminClient
	logger *zap.Logger
}

// NewAdmin connects a franz-go client to brokers. The connection is established
// lazily on the first request.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka admin: at least one broker is required")
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newAdmin(kadm.NewClient(cl), logger), nil
}

func newAdmin(client adminClient, logger *zap.Logger) *Admin {
	return &Admin{client: client, logger: logger.Named("kafka-admin")}
}

// PartitionCount returns the number of partitions of topic, or ErrNotFound when
// the broker does not know the topic.
func (a *Admin) PartitionCount(ctx context.Context, topic string) (int, error) {
	details, err := a.client.ListTopics(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("list topic %s: %w", topic, err)
	}
	detail, ok := details[topic]
	if !ok {
		return 0, fmt.Errorf("topic %s: %w", topic, apperrors.ErrNotFound)
	}
	if detail.Err != nil {
		return 0, fmt.Errorf("topic %s: %w", topic, detail.Err)
	}

	a.logger.Debug("Described topic",
		zap.String("topic", topic),
		zap.Int("partitions", len(detail.Partitions)))
	return len(detail.Partitions), nil
}

// IsInternalTopicOf reports whether topic is a repartition or changelog topic
// that ksqlDB created for queryID. Internal topic names look like
// _confluent-ksql-<service>query_<queryID>-<operator>-changelog.
func IsInternalTopicOf(topic, queryID string) bool {
	if strings.TrimSpace(queryID) == "" {
		return false
	}
	upper := strings.ToUpper(topic)
	if !strings.HasSuffix(upper, "-REPARTITION") && !strings.HasSuffix(upper, "-CHANGELOG") {
		return false
	}
	return strings.Contains(upper, "QUERY_"+strings.ToUpper(strings.TrimSpace(queryID))+"-")
}

// ConsumerGroupOf returns the application id prefix of an internal topic of
// queryID. ksqlDB runs the query under that id, so it is also the query's
// consumer group. Empty when topic is not one of its internal topics.
func ConsumerGroupOf(topic, queryID string) string {
	if !IsInternalTopicOf(topic, queryID) {
		return ""
	}
	marker := "QUERY_" + strings.ToUpper(strings.TrimSpace(queryID))
	i := strings.Index(strings.ToUpper(topic), marker+"-")
	return topic[:i+len(marker)]
}

// InternalTopics returns the partition counts of the internal topics of
// queryID, keyed by topic name. Topics the broker reports with an error are left out.
func (a *Admin) InternalTopics(ctx context.Context, queryID string) (map[string]int, error) {
	details, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	out := make(map[string]int)
	for name, detail := range details {
		if detail.Err != nil || !IsInternalTopicOf(name, queryID) {
			continue
		}
		out[name] = len(detail.Partitions)
	}
	a.logger.Debug("Listed internal topics",
		zap.String("query_id", queryID),
		zap.Int("topics", len(out)))
	return out, nil
}

// RecordCount returns the number of records currently retained in topic,
// summed over its partitions.
func (a *Admin) RecordCount(ctx context.Context, topic string) (int64, error) {
	ends, err := a.client.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("list end offsets of %s: %w", topic, err)
	}
	starts, err := a.client.ListStartOffsets(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("list start offsets of %s: %w", topic, err)
	}

	partitions, ok := ends[topic]
	if !ok || len(partitions) == 0 {
		return 0, fmt.Errorf("topic %s: %w", topic, apperrors.ErrNotFound)
	}
	var total int64
	for partition, end := range partitions {
		if end.Err != nil {
			return 0, fmt.Errorf("topic %s partition %d: %w", topic, partition, end.Err)
		}
		var start int64
		if s, ok := starts[topic][partition]; ok && s.Err == nil {
			start = s.Offset
		}
		if end.Offset > start {
			total += end.Offset - start
		}
	}
	return total, nil
}

// Close releases the underlying client.
func (a *Admin) Close() {
	a.client.Close()
}
