package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.ObserveStatement("success")
	m.ObserveStatement("success")
	m.ObserveDDL("live", "submitted")
	m.ObserveWaitPoll("running")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StatementAttempts.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DDLSubmissions.WithLabelValues("live", "submitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WaitPolls.WithLabelValues("running")))
}

func TestNewMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStatement("x")
		m.ObserveDDL("hub", "x")
		m.ObserveStabilization("x")
		m.ObserveTermination("x")
		m.ObserveWaitPoll("x")
		m.ObserveStageRetry("x")
		m.ObserveMapping("x")
	})
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	m.ObserveTermination("failed")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ekaya_streams_query_terminations_total"))
}
