package ksql

import (
	"context"
	"strings"
	"sync"
	"time"
)

// mockExecutor routes statements to per-prefix handlers and records every call.
type mockExecutor struct {
	mu         sync.Mutex
	handlers   map[string]func(call int) (*Response, error)
	calls      map[string]int
	statements []string
	rows       []Row
	rowsErr    error
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{
		handlers: make(map[string]func(call int) (*Response, error)),
		calls:    make(map[string]int),
	}
}

// on registers a handler for statements starting with prefix (case-insensitive).
func (m *mockExecutor) on(prefix string, fn func(call int) (*Response, error)) *mockExecutor {
	m.handlers[strings.ToUpper(prefix)] = fn
	return m
}

// onBodies answers statements starting with prefix with successive bodies,
// repeating the last one.
func (m *mockExecutor) onBodies(prefix string, bodies ...string) *mockExecutor {
	return m.on(prefix, func(call int) (*Response, error) {
		i := call
		if i >= len(bodies) {
			i = len(bodies) - 1
		}
		return &Response{Success: true, Body: bodies[i]}, nil
	})
}

func (m *mockExecutor) Execute(_ context.Context, sql string) (*Response, error) {
	m.mu.Lock()
	m.statements = append(m.statements, sql)
	upper := strings.ToUpper(strings.TrimSpace(sql))
	var (
		handler func(int) (*Response, error)
		key     string
	)
	for prefix, fn := range m.handlers {
		if strings.HasPrefix(upper, prefix) && len(prefix) > len(key) {
			handler, key = fn, prefix
		}
	}
	call := m.calls[key]
	m.calls[key]++
	m.mu.Unlock()

	if handler == nil {
		return &Response{Success: false, Message: "unexpected statement: " + sql}, nil
	}
	return handler(call)
}

func (m *mockExecutor) QueryRows(context.Context, string, time.Duration) ([]Row, error) {
	return m.rows, m.rowsErr
}

func (m *mockExecutor) count(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[strings.ToUpper(prefix)]
}
