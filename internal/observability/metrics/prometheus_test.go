package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cql-proxy/pkg/circuitbreaker"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRemoteCall("data", "search", "200", 20*time.Millisecond)
	m.ObserveRemoteCall("data", "search", "200", 30*time.Millisecond)
	m.ObserveExecution(OutcomeSuccess, time.Second)
	m.ObserveStatement(OutcomeError)
	m.ObserveCompileErrors(3)
	m.ObserveAsyncRequest("accepted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RemoteCalls.WithLabelValues("data", "search", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Statements.WithLabelValues(OutcomeError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CompileErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AsyncRequests.WithLabelValues("accepted")))
}

func TestMetrics_BreakerState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.BreakerStateChanged("terminology", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("terminology")))

	m.BreakerStateChanged("terminology", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("terminology")))

	m.BreakerStateChanged("terminology", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("terminology")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveCompileErrors(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cql_compile_errors_total 1")
}
