package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Counters(t *testing.T) {
	p := NewPrometheus("guard")

	p.Decision("ratelimit", "denied")
	p.Decision("ratelimit", "denied")
	p.Decision("lockout", "allowed")
	p.QuotaLookup("hit")
	p.BlockIssued("threshold")
	p.Evicted("limiter", 3)
	p.Notification("webhook", "sent")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.decisions.WithLabelValues("ratelimit", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.decisions.WithLabelValues("lockout", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.quotaLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.blocks.WithLabelValues("threshold")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.evicted.WithLabelValues("limiter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.notifications.WithLabelValues("webhook", "sent")))
}

func TestPrometheus_Gauges(t *testing.T) {
	p := NewPrometheus("guard")

	p.ActiveKeys("limiter", 42)
	p.CircuitState("quota", "open")

	assert.Equal(t, 42.0, testutil.ToFloat64(p.activeKeys.WithLabelValues("limiter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.circuitState.WithLabelValues("quota", "open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.circuitState.WithLabelValues("quota", "closed")))
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus("guard")
	p.Decision("quota", "degraded")
	p.CheckDuration("quota", 3*time.Millisecond)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `guard_decisions_total{outcome="degraded",stage="quota"} 1`)
	assert.Contains(t, string(body), "guard_check_duration_seconds_bucket")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, Nop{}, OrNop(nil))
	p := NewPrometheus("x")
	assert.Same(t, p, OrNop(p))
}
