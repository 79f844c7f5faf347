// Package observability holds the prometheus collectors and the tracer name shared
// by the orchestrator components.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TracerName is the otel instrumentation scope used for orchestrator spans.
const TracerName = "github.com/ekaya-inc/ekaya-streams"

// Metrics groups the orchestrator's prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	StatementAttempts     *prometheus.CounterVec
	DDLSubmissions        *prometheus.CounterVec
	StabilizationAttempts *prometheus.CounterVec
	Terminations          *prometheus.CounterVec
	WaitPolls             *prometheus.CounterVec
	StageRetries          *prometheus.CounterVec
	MappingRegistrations  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		StatementAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_streams",
			Name:      "statement_attempts_total",
			Help:      "ksqlDB statement executions by outcome.",
		}, []string{"outcome"}),
		DDLSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_streams",
			Name:      "ddl_submissions_total",
			Help:      "Derived entity DDL submissions by role and outcome.",
		}, []string{"role", "outcome"}),
		StabilizationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_streams",
			Name:      "stabilization_attempts_total",
			Help:      "Persistent query stabilization attempts by outcome.",
		}, []string{"outcome"}),
		Terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_streams",
			Name:      "query_terminations_total",
			Help:      "TERMINATE statements issued during teardown by outcome.",
		}, []string{"outcome"}),
		WaitPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_streams",
			Name:      "wait_polls_total",
			Help:      "SHOW QUERIES polls by observed state.",
		}, []string{"state"}),
		StageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_streams",
			Name:      "stage_retries_total",
			Help:      "Pipeline stage retries by stage.",
		}, []string{"stage"}),
		MappingRegistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ekaya_streams",
			Name:      "mapping_registrations_total",
			Help:      "Key/value mapping registrations by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.StatementAttempts, m.DDLSubmissions, m.StabilizationAttempts,
		m.Terminations, m.WaitPolls, m.StageRetries, m.MappingRegistrations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveStatement counts one statement execution attempt.
func (m *Metrics) ObserveStatement(outcome string) {
	if m != nil {
		m.StatementAttempts.WithLabelValues(outcome).Inc()
	}
}

// ObserveDDL counts one derived entity submission.
func (m *Metrics) ObserveDDL(role, outcome string) {
	if m != nil {
		m.DDLSubmissions.WithLabelValues(role, outcome).Inc()
	}
}

// ObserveStabilization counts one stabilization attempt.
func (m *Metrics) ObserveStabilization(outcome string) {
	if m != nil {
		m.StabilizationAttempts.WithLabelValues(outcome).Inc()
	}
}

// ObserveTermination counts one TERMINATE issued during teardown.
func (m *Metrics) ObserveTermination(outcome string) {
	if m != nil {
		m.Terminations.WithLabelValues(outcome).Inc()
	}
}

// ObserveWaitPoll counts one SHOW QUERIES poll.
func (m *Metrics) ObserveWaitPoll(state string) {
	if m != nil {
		m.WaitPolls.WithLabelValues(state).Inc()
	}
}

// ObserveStageRetry counts one stage retry.
func (m *Metrics) ObserveStageRetry(stage string) {
	if m != nil {
		m.StageRetries.WithLabelValues(stage).Inc()
	}
}

// ObserveMapping counts one mapping registration.
func (m *Metrics) ObserveMapping(outcome string) {
	if m != nil {
		m.MappingRegistrations.WithLabelValues(outcome).Inc()
	}
}

// Handler serves the registry in the prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
