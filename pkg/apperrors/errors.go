package apperrors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrTimeout           = errors.New("timed out")
	ErrNoGroupingKeys    = errors.New("tumbling query has no resolvable grouping keys")
	ErrQueryNotRunning   = errors.New("persistent query is not running")
	ErrPartitionMismatch = errors.New("partition count mismatch")
	ErrUnsafeIdentifier  = errors.New("unsafe identifier")
)

// TimeoutError reports a polling loop that ran out of budget before its target converged.
type TimeoutError struct {
	Operation string
	Target    string
	Budget    time.Duration
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(operation, target string, budget time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Target: target, Budget: budget}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s for %s timed out after %s", e.Operation, e.Target, e.Budget)
}

// Is lets errors.Is(err, ErrTimeout) match any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
