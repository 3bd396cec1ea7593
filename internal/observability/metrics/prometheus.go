// Package metrics provides Prometheus metrics for the CQL proxy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phast-fr/cql-proxy/pkg/circuitbreaker"
)

// Execution and statement outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeError        = "error"
	OutcomeCompileError = "compile_error"
)

// Metrics holds all application metrics
type Metrics struct {
	Executions          *prometheus.CounterVec
	ExecutionDuration   prometheus.Histogram
	Statements          *prometheus.CounterVec
	CompileErrors       prometheus.Counter
	RemoteCalls         *prometheus.CounterVec
	RemoteCallDuration  *prometheus.HistogramVec
	AsyncRequests       *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cql_executions_total",
			Help: "Total $cql executions by outcome",
		}, []string{"outcome"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cql_execution_duration_seconds",
			Help:    "Duration of one $cql execution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		Statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cql_statements_total",
			Help: "Total evaluated statements by outcome",
		}, []string{"outcome"}),
		CompileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cql_compile_errors_total",
			Help: "Total compilation diagnostics returned to callers",
		}),
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cql_remote_calls_total",
			Help: "Total calls to remote FHIR services",
		}, []string{"service", "operation", "status"}),
		RemoteCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cql_remote_call_duration_seconds",
			Help:    "Duration of calls to remote FHIR services",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"service", "operation"}),
		AsyncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cql_async_requests_total",
			Help: "Total asynchronous execution requests by status",
		}, []string{"status"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cql_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.Executions,
		m.ExecutionDuration,
		m.Statements,
		m.CompileErrors,
		m.RemoteCalls,
		m.RemoteCallDuration,
		m.AsyncRequests,
		m.CircuitBreakerState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}

	return m
}

// ObserveRemoteCall records one call to a remote FHIR service.
func (m *Metrics) ObserveRemoteCall(service, operation, status string, d time.Duration) {
	m.RemoteCalls.WithLabelValues(service, operation, status).Inc()
	m.RemoteCallDuration.WithLabelValues(service, operation).Observe(d.Seconds())
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(outcome string, d time.Duration) {
	m.Executions.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}

// ObserveStatement records one evaluated statement.
func (m *Metrics) ObserveStatement(outcome string) {
	m.Statements.WithLabelValues(outcome).Inc()
}

// ObserveCompileErrors records n compilation diagnostics.
func (m *Metrics) ObserveCompileErrors(n int) {
	m.CompileErrors.Add(float64(n))
}

// ObserveAsyncRequest counts an asynchronous request by status: submitted,
// completed, duplicate, failed or rejected.
func (m *Metrics) ObserveAsyncRequest(status string) {
	m.AsyncRequests.WithLabelValues(status).Inc()
}

// BreakerStateChanged matches circuitbreaker.Config.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
