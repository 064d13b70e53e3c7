package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveInvocation(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveInvocation("github", "ok", 120*time.Millisecond)
	m.ObserveInvocation("github", "ok", 80*time.Millisecond)
	m.ObserveInvocation("github", "error", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.invocations.WithLabelValues("github", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("github", "error")))
}

func TestBackendUpGauge(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetBackendUp("github", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendUp.WithLabelValues("github")))

	m.SetBackendUp("github", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.backendUp.WithLabelValues("github")))

	m.RemoveBackend("github")
	assert.Zero(t, testutil.CollectAndCount(m.backendUp))
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveRequest("/v1/tools", "GET", "200", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "amb_http_requests_total")
}
