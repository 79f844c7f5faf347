package ksql

import (
	"fmt"
	"strings"
)

// ErrorRule maps a substring of a ksqlDB error message to a retry decision.
type ErrorRule struct {
	Substring string
	Retryable bool
	Category  string
}

// ErrorRules is the classification table for statement failures. Matching is
// case-insensitive and the first matching rule wins.
var ErrorRules = []ErrorRule{
	{Substring: "timeout while waiting for command topic", Retryable: true, Category: "command_topic_timeout"},
	{Substring: "could not write the statement", Retryable: true, Category: "statement_write_failed"},
	{Substring: "failed to create new kafkaadminclient", Retryable: true, Category: "admin_client_bootstrap"},
	{Substring: "failed to construct kafka admin", Retryable: true, Category: "admin_client_bootstrap"},
	{Substring: "timed out waiting for a node assignment", Retryable: true, Category: "admin_client_bootstrap"},
	{Substring: "not yet ready to serve requests", Retryable: true, Category: "server_not_ready"},
	{Substring: "server is not ready", Retryable: true, Category: "server_not_ready"},
	{Substring: "statement_error", Retryable: true, Category: "statement_error"},
}

// ClassifyMessage returns whether a failure message is retryable and the matching
// rule category. A blank message is optimistically retryable; a present message
// that matches no rule is not.
func ClassifyMessage(message string) (bool, string) {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return true, "blank"
	}
	for _, rule := range ErrorRules {
		if strings.Contains(msg, rule.Substring) {
			return rule.Retryable, rule.Category
		}
	}
	return false, "unrecognized"
}

// IsCreateStatement reports whether sql is a CREATE statement.
func IsCreateStatement(sql string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sql)), "CREATE")
}

// IsCreateConflict reports whether a failed CREATE failed only because its target exists.
func IsCreateConflict(sql, message string) bool {
	return IsCreateStatement(sql) && strings.Contains(strings.ToLower(message), "already exists")
}

// StatementError is a failed statement execution. It implements retry.RetryableError.
type StatementError struct {
	Statement string
	Message   string
	ErrorCode int
	Detail    string
	Category  string
	Retryable bool
	Cause     error
}

// NewStatementError classifies message and builds a StatementError.
func NewStatementError(statement, message string, errorCode int) *StatementError {
	retryable, category := ClassifyMessage(message)
	return &StatementError{
		Statement: statement,
		Message:   message,
		ErrorCode: errorCode,
		Category:  category,
		Retryable: retryable,
	}
}

func (e *StatementError) Error() string {
	if e.ErrorCode != 0 {
		return fmt.Sprintf("ksql statement failed (code %d, %s): %s", e.ErrorCode, e.Category, e.Message)
	}
	return fmt.Sprintf("ksql statement failed (%s): %s", e.Category, e.Message)
}

// Unwrap returns the underlying transport error, if any.
func (e *StatementError) Unwrap() error {
	return e.Cause
}

// IsRetryable implements retry.RetryableError.
func (e *StatementError) IsRetryable() bool {
	return e.Retryable
}
