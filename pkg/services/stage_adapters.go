package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-streams/pkg/ddl"
	"github.com/ekaya-inc/ekaya-streams/pkg/kafka"
	"github.com/ekaya-inc/ekaya-streams/pkg/ksql"
	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/retry"
	"github.com/ekaya-inc/ekaya-streams/pkg/services/stages"
	"github.com/ekaya-inc/ekaya-streams/pkg/sql"
	"github.com/ekaya-inc/ekaya-streams/pkg/types"
)

// These adapters convert between the services package types and the stages
// package interfaces. This allows the stages package to remain independent of
// the services package, avoiding import cycles.

// TopicInspector answers the Kafka-side questions of the persistent-query stage.
type TopicInspector interface {
	PartitionCount(ctx context.Context, topic string) (int, error)
	InternalTopics(ctx context.Context, queryID string) (map[string]int, error)
	RecordCount(ctx context.Context, topic string) (int64, error)
}

// RowsLastAdapter adapts RowsLastOrchestrator for the rows-last stage.
type RowsLastAdapter struct {
	orchestrator *RowsLastOrchestrator
}

// NewRowsLastAdapter creates a new adapter.
func NewRowsLastAdapter(orchestrator *RowsLastOrchestrator) stages.RowsLastMethods {
	return &RowsLastAdapter{orchestrator: orchestrator}
}

func (a *RowsLastAdapter) EnsureRowsLast(ctx context.Context, hub *models.EntityModel) error {
	_, err := a.orchestrator.Ensure(ctx, hub)
	return err
}

// PersistentQueryAdapterConfig holds the budgets of the persistent-query checks.
type PersistentQueryAdapterConfig struct {
	RunningTimeout time.Duration

	// ReadinessTimeout bounds the wait for internal topics and schema subjects.
	ReadinessTimeout time.Duration

	// OutputTimeout bounds the wait for a first output record. Zero skips it.
	OutputTimeout time.Duration

	PollInterval time.Duration

	// KeyFormat is the planner key format; only schema-backed formats register
	// a -key subject.
	KeyFormat string
}

// PersistentQueryAdapter adapts the wait client, the Kafka admin and the schema
// registry for the persistent-query stage.
type PersistentQueryAdapter struct {
	cfg      PersistentQueryAdapterConfig
	wait     *ksql.WaitClient
	topics   TopicInspector
	subjects ddl.SubjectChecker
	logger   *zap.Logger
}

// NewPersistentQueryAdapter creates a new adapter. topics and subjects may be
// nil, in which case the Kafka and schema registry checks are skipped.
func NewPersistentQueryAdapter(
	cfg PersistentQueryAdapterConfig,
	wait *ksql.WaitClient,
	topics TopicInspector,
	subjects ddl.SubjectChecker,
	logger *zap.Logger,
) stages.PersistentQueryMethods {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &PersistentQueryAdapter{
		cfg:      cfg,
		wait:     wait,
		topics:   topics,
		subjects: subjects,
		logger:   logger.Named("persistent-query-adapter"),
	}
}

func (a *PersistentQueryAdapter) ResolveQueryID(ctx context.Context, target, statement string) string {
	return a.wait.TryGetQueryIDFromShowQueries(ctx, target, statement)
}

// ConvergeQueryID runs after the target is known to be RUNNING, so a target
// that stays visible without a resolvable id is accepted with "".
func (a *PersistentQueryAdapter) ConvergeQueryID(ctx context.Context, target, statement string) string {
	id, err := a.wait.WaitForPersistentQuery(ctx, target, "", statement, a.cfg.ReadinessTimeout)
	if err != nil {
		a.logger.Warn("Persistent query id not converged",
			zap.String("target", target),
			zap.Error(err))
	}
	return id
}

func (a *PersistentQueryAdapter) WaitForRunning(ctx context.Context, target, queryID string) error {
	return a.wait.WaitForQueryRunning(ctx, target, queryID, a.cfg.RunningTimeout, a.wait.DefaultWaitOptions())
}

func (a *PersistentQueryAdapter) AssertPartitions(ctx context.Context, model *models.EntityModel) error {
	if a.topics == nil || model.Partitions <= 0 {
		return nil
	}
	actual, err := a.topics.PartitionCount(ctx, model.TopicName)
	if err != nil {
		return fmt.Errorf("partition count of %s: %w", model.TopicName, err)
	}
	if actual != model.Partitions {
		return fmt.Errorf("%w: topic %s has %d partitions, expected %d",
			apperrors.ErrPartitionMismatch, model.TopicName, actual, model.Partitions)
	}
	a.logger.Debug("Partition count confirmed",
		zap.String("topic", model.TopicName),
		zap.Int("partitions", actual))
	return nil
}

// EnsureInternalTopics waits until ksqlDB has created at least one repartition
// or changelog topic for the query. A partition count differing from the parent
// topic is logged, not failed.
func (a *PersistentQueryAdapter) EnsureInternalTopics(ctx context.Context, pe models.PersistentQueryExecution) (string, error) {
	if a.topics == nil || pe.QueryID == "" {
		return "", nil
	}
	expected := a.parentPartitions(ctx, pe)

	deadline := time.Now().Add(a.cfg.ReadinessTimeout)
	for {
		topics, err := a.topics.InternalTopics(ctx, pe.QueryID)
		if err != nil {
			a.logger.Debug("Internal topic lookup failed",
				zap.String("query_id", pe.QueryID),
				zap.Error(err))
		}
		if len(topics) > 0 {
			group := ""
			for name, n := range topics {
				if n != expected {
					a.logger.Warn("Internal topic partition count differs from parent",
						zap.String("topic", name),
						zap.Int("actual", n),
						zap.Int("expected", expected))
				}
				if group == "" {
					group = kafka.ConsumerGroupOf(name, pe.QueryID)
				}
			}
			a.logger.Debug("Internal topics ready",
				zap.String("query_id", pe.QueryID),
				zap.String("consumer_group", group),
				zap.Int("topics", len(topics)))
			return group, nil
		}
		if !time.Now().Before(deadline) {
			return "", apperrors.NewTimeoutError("wait for internal topics", pe.QueryID, a.cfg.ReadinessTimeout)
		}
		if err := retry.Sleep(ctx, a.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

// parentPartitions is the partition count of the query's input topic, falling
// back to the target's planned count and then to 1.
func (a *PersistentQueryAdapter) parentPartitions(ctx context.Context, pe models.PersistentQueryExecution) int {
	if pe.InputTopic != "" {
		if n, err := a.topics.PartitionCount(ctx, pe.InputTopic); err == nil && n > 0 {
			return n
		}
	}
	if pe.TargetModel != nil && pe.TargetModel.Partitions > 0 {
		return pe.TargetModel.Partitions
	}
	return 1
}

// SchemaSubjects returns the registry subjects ksqlDB registers for topic.
// KAFKA and NONE key formats have no key subject.
func SchemaSubjects(topic, keyFormat string) []string {
	switch strings.ToUpper(strings.TrimSpace(keyFormat)) {
	case "AVRO", "PROTOBUF", "PROTOBUF_NOSR", "JSON_SR":
		return []string{topic + "-key", topic + "-value"}
	default:
		return []string{topic + "-value"}
	}
}

// EnsureSchemaSubjects waits for the key and value subjects of the target
// topic. Subjects still missing when the budget runs out are logged only.
func (a *PersistentQueryAdapter) EnsureSchemaSubjects(ctx context.Context, model *models.EntityModel) error {
	if a.subjects == nil {
		return nil
	}
	subjects := SchemaSubjects(model.TopicName, a.cfg.KeyFormat)

	deadline := time.Now().Add(a.cfg.ReadinessTimeout)
	for {
		missing := a.missingSubjects(ctx, subjects)
		if len(missing) == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			a.logger.Warn("Schema subjects not ready",
				zap.String("topic", model.TopicName),
				zap.Strings("missing", missing),
				zap.Duration("budget", a.cfg.ReadinessTimeout))
			return nil
		}
		if err := retry.Sleep(ctx, a.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (a *PersistentQueryAdapter) missingSubjects(ctx context.Context, subjects []string) []string {
	var missing []string
	for _, subject := range subjects {
		ok, err := a.subjects.SubjectExists(ctx, subject)
		if err != nil {
			a.logger.Debug("Subject lookup failed", zap.String("subject", subject), zap.Error(err))
		}
		if !ok {
			missing = append(missing, subject)
		}
	}
	return missing
}

// VerifyOutput waits for the first record on the target topic, read from the
// topic offsets or, without a Kafka admin, from a pull query. Finding none
// within OutputTimeout is logged only.
func (a *PersistentQueryAdapter) VerifyOutput(ctx context.Context, model *models.EntityModel) error {
	if a.cfg.OutputTimeout <= 0 {
		return nil
	}

	deadline := time.Now().Add(a.cfg.OutputTimeout)
	for {
		n, err := a.outputRecords(ctx, model.TopicName)
		if err != nil {
			a.logger.Debug("Output offset lookup failed", zap.String("topic", model.TopicName), zap.Error(err))
		}
		if n > 0 {
			a.logger.Info("Observed output records",
				zap.String("topic", model.TopicName),
				zap.Int64("records", n))
			return nil
		}
		if !time.Now().Before(deadline) {
			a.logger.Warn("No output records observed",
				zap.String("topic", model.TopicName),
				zap.Duration("budget", a.cfg.OutputTimeout))
			return nil
		}
		if err := retry.Sleep(ctx, a.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (a *PersistentQueryAdapter) outputRecords(ctx context.Context, topic string) (int64, error) {
	if a.topics != nil {
		return a.topics.RecordCount(ctx, topic)
	}
	if err := sql.CheckIdentifier(topic); err != nil {
		return 0, err
	}
	n, err := a.wait.CountRows(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 1;", topic), a.cfg.OutputTimeout)
	return int64(n), err
}

// RowMonitorAdapter probes live tables with a pull query and decodes the first
// row into the entity's registered runtime type.
type RowMonitorAdapter struct {
	exec    ksql.StatementExecutor
	types   *types.Registry
	timeout time.Duration
}

// NewRowMonitorAdapter creates a new adapter.
func NewRowMonitorAdapter(exec ksql.StatementExecutor, typeRegistry *types.Registry, timeout time.Duration) stages.RowMonitorMethods {
	return &RowMonitorAdapter{exec: exec, types: typeRegistry, timeout: timeout}
}

// FirstRow returns nil without error when the table has no rows yet.
func (a *RowMonitorAdapter) FirstRow(ctx context.Context, model *models.EntityModel) (*types.Row, error) {
	if err := sql.CheckIdentifier(model.TopicName); err != nil {
		return nil, err
	}
	rows, err := a.exec.QueryRows(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 1;", model.TopicName), a.timeout)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	rowType, ok := a.types.Resolve(model.Name)
	if !ok {
		return nil, fmt.Errorf("runtime type of %s: %w", model.Name, apperrors.ErrNotFound)
	}
	return rowType.NewRow(rows[0]), nil
}
