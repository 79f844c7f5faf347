// Package ksql holds the protocol-level pieces of talking to a ksqlDB server:
// the statement executor contract, response parsing, error classification and
// the polling helpers that confirm persistent queries are running.
package ksql

import (
	"context"
	"time"
)

// Response is the outcome of one statement execution with the server's raw body.
type Response struct {
	Success     bool
	Message     string
	ErrorCode   int
	ErrorDetail string
	Body        string

	// AlreadyExisted is set when a CREATE conflict was rewritten into a success.
	AlreadyExisted bool
}

// Row is one row returned by a pull or push query, keyed by column name.
type Row map[string]any

// StatementExecutor executes ksqlDB statements and queries.
// Execute must surface the server's raw response text in Response.Body.
type StatementExecutor interface {
	Execute(ctx context.Context, sql string) (*Response, error)
	QueryRows(ctx context.Context, sql string, timeout time.Duration) ([]Row, error)
}

// QueryCount runs sql through exec and returns the number of rows returned.
func QueryCount(ctx context.Context, exec StatementExecutor, sql string, timeout time.Duration) (int, error) {
	rows, err := exec.QueryRows(ctx, sql, timeout)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
