package stages

import (
	"context"

	"github.com/ekaya-inc/ekaya-streams/pkg/models"
	"github.com/ekaya-inc/ekaya-streams/pkg/types"
)

// These interfaces are implemented by adapters in the services package so that
// this package stays independent of it.

// RowsLastMethods ensures the companion latest-row table of a hub stream.
type RowsLastMethods interface {
	EnsureRowsLast(ctx context.Context, hub *models.EntityModel) error
}

// PersistentQueryMethods locates and stabilizes persistent queries.
type PersistentQueryMethods interface {
	// ResolveQueryID looks up the query writing to target; "" when none is found.
	ResolveQueryID(ctx context.Context, target, statement string) string

	// ConvergeQueryID resolves the writer of target through SHOW QUERIES and
	// DESCRIBE EXTENDED. It returns "" when neither names one.
	ConvergeQueryID(ctx context.Context, target, statement string) string

	// WaitForRunning blocks until the query is durably RUNNING.
	WaitForRunning(ctx context.Context, target, queryID string) error

	// AssertPartitions checks that the target topic has the planned partition count.
	AssertPartitions(ctx context.Context, model *models.EntityModel) error

	// EnsureInternalTopics waits for the repartition and changelog topics of a
	// query and returns the consumer group they belong to, "" when unknown.
	EnsureInternalTopics(ctx context.Context, pe models.PersistentQueryExecution) (string, error)

	// EnsureSchemaSubjects waits for the registry subjects of the target topic.
	EnsureSchemaSubjects(ctx context.Context, model *models.EntityModel) error

	// VerifyOutput looks for a first record on the target topic.
	VerifyOutput(ctx context.Context, model *models.EntityModel) error
}

// RowMonitorMethods probes a derived entity for its first row.
type RowMonitorMethods interface {
	FirstRow(ctx context.Context, model *models.EntityModel) (*types.Row, error)
}
