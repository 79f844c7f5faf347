package ksql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/retry"
)

func fastRetryConfig(maxRetries int) *retry.Config {
	return &retry.Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
	}
}

const ctas = "CREATE TABLE trade_5m_live AS SELECT SYMBOL, SUM(VOLUME) AS VOLUME FROM trade_1s_rows WINDOW TUMBLING (SIZE 300 SECONDS) GROUP BY SYMBOL EMIT CHANGES;"

func TestRetryingExecutor_CommandTopicTimeoutThenSuccess(t *testing.T) {
	mock := newMockExecutor().on("CREATE", func(call int) (*Response, error) {
		if call < 3 {
			return &Response{Success: false, Message: "Timeout while waiting for command topic consumer"}, nil
		}
		return &Response{Success: true, Body: `[{"commandStatus":{"status":"SUCCESS","queryId":"CTAS_TRADE_5M_LIVE_1"}}]`}, nil
	})

	// retry count 3 => 4 attempts
	exec := NewRetryingExecutor(mock, fastRetryConfig(3), nil, zap.NewNop())

	resp, err := exec.Execute(context.Background(), ctas)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.AlreadyExisted)
	assert.Equal(t, 4, mock.count("CREATE"))
	assert.Equal(t, "CTAS_TRADE_5M_LIVE_1", ExtractQueryID(resp))
}

func TestRetryingExecutor_ExhaustsAttempts(t *testing.T) {
	mock := newMockExecutor().on("CREATE", func(int) (*Response, error) {
		return &Response{Success: false, Message: "Timeout while waiting for command topic consumer"}, nil
	})
	exec := NewRetryingExecutor(mock, fastRetryConfig(2), nil, zap.NewNop())

	_, err := exec.Execute(context.Background(), ctas)
	require.Error(t, err)

	var se *StatementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "command_topic_timeout", se.Category)
	assert.Equal(t, 3, mock.count("CREATE"))
}

func TestRetryingExecutor_CreateConflictBecomesSuccess(t *testing.T) {
	mock := newMockExecutor().on("CREATE", func(int) (*Response, error) {
		return &Response{Success: false, Message: "Cannot add table 'TRADE_5M_LIVE': A table with the same name already exists"}, nil
	})
	exec := NewRetryingExecutor(mock, fastRetryConfig(3), nil, zap.NewNop())

	resp, err := exec.Execute(context.Background(), ctas)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.AlreadyExisted)
	assert.Equal(t, 1, mock.count("CREATE"))
}

func TestRetryingExecutor_ErrorDetailIsCarried(t *testing.T) {
	mock := newMockExecutor().
		on("CREATE", func(int) (*Response, error) {
			return &Response{Success: false, Message: "A table with the same name already exists", ErrorCode: 40001, ErrorDetail: "statement: CREATE"}, nil
		}).
		on("DROP", func(int) (*Response, error) {
			return &Response{Success: false, Message: "Source TRADE_5M_LIVE does not exist.", ErrorCode: 40001, ErrorDetail: "statement: DROP"}, nil
		})
	exec := NewRetryingExecutor(mock, fastRetryConfig(3), nil, zap.NewNop())

	resp, err := exec.Execute(context.Background(), ctas)
	require.NoError(t, err)
	assert.Equal(t, 40001, resp.ErrorCode)
	assert.Equal(t, "statement: CREATE", resp.ErrorDetail)

	_, err = exec.Execute(context.Background(), "DROP TABLE TRADE_5M_LIVE;")
	var se *StatementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "statement: DROP", se.Detail)
}

func TestRetryingExecutor_AlreadyExistsOnNonCreateFails(t *testing.T) {
	mock := newMockExecutor().on("INSERT", func(int) (*Response, error) {
		return &Response{Success: false, Message: "already exists"}, nil
	})
	exec := NewRetryingExecutor(mock, fastRetryConfig(3), nil, zap.NewNop())

	_, err := exec.Execute(context.Background(), "INSERT INTO t SELECT * FROM s;")
	require.Error(t, err)
	assert.Equal(t, 1, mock.count("INSERT"))
}

func TestRetryingExecutor_UnrecognizedMessageFailsImmediately(t *testing.T) {
	mock := newMockExecutor().on("CREATE", func(int) (*Response, error) {
		return &Response{Success: false, Message: "Line: 1, Col: 30: Invalid column name", ErrorCode: 40001}, nil
	})
	exec := NewRetryingExecutor(mock, fastRetryConfig(3), nil, zap.NewNop())

	_, err := exec.Execute(context.Background(), ctas)
	require.Error(t, err)
	assert.Equal(t, 1, mock.count("CREATE"))

	var se *StatementError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 40001, se.ErrorCode)
	assert.False(t, se.Retryable)
}

func TestRetryingExecutor_BlankMessageIsRetried(t *testing.T) {
	mock := newMockExecutor().on("CREATE", func(call int) (*Response, error) {
		if call == 0 {
			return &Response{Success: false}, nil
		}
		return &Response{Success: true}, nil
	})
	exec := NewRetryingExecutor(mock, fastRetryConfig(1), nil, zap.NewNop())

	_, err := exec.Execute(context.Background(), ctas)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.count("CREATE"))
}

func TestRetryingExecutor_TransportErrorRetried(t *testing.T) {
	mock := newMockExecutor().on("CREATE", func(call int) (*Response, error) {
		if call == 0 {
			return nil, errors.New("dial tcp 127.0.0.1:8088: connection refused")
		}
		return &Response{Success: true}, nil
	})
	exec := NewRetryingExecutor(mock, fastRetryConfig(1), nil, zap.NewNop())

	_, err := exec.Execute(context.Background(), ctas)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.count("CREATE"))
}

func TestRetryingExecutor_ExecuteWithMinAttempts(t *testing.T) {
	mock := newMockExecutor().on("CREATE", func(call int) (*Response, error) {
		if call < 2 {
			return &Response{Success: false, Message: "Could not write the statement"}, nil
		}
		return &Response{Success: true}, nil
	})
	exec := NewRetryingExecutor(mock, fastRetryConfig(0), nil, zap.NewNop())

	_, err := exec.ExecuteWithMinAttempts(context.Background(), ctas, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, mock.count("CREATE"))
}
