package observability_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"CDPLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterPerRegistry(t *testing.T) {
	// two instances on separate registries must not collide
	m1 := observability.NewMetrics(prometheus.NewRegistry())
	m2 := observability.NewMetrics(prometheus.NewRegistry())

	m1.CommandsApplied.WithLabelValues("open_vault").Inc()
	if got := testutil.ToFloat64(m1.CommandsApplied.WithLabelValues("open_vault")); got != 1 {
		t.Errorf("m1: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m2.CommandsApplied.WithLabelValues("open_vault")); got != 0 {
		t.Errorf("m2: got %v, want 0", got)
	}

	m1.SetChannelMetrics("persist", 5, 10)
	if got := testutil.ToFloat64(m1.ChannelUtilization.WithLabelValues("persist")); got != 0.5 {
		t.Errorf("utilization: got %v, want 0.5", got)
	}
}

func TestUnits(t *testing.T) {
	amount := uint256.NewInt(1_500_000_000)
	if got := observability.Units(amount, 9); got != 1.5 {
		t.Errorf("got %v, want 1.5", got)
	}
	if got := observability.Units(nil, 18); got != 0 {
		t.Errorf("nil: got %v", got)
	}
}

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before SetReady: got %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: got %d", rec.Code)
	}

	h.AddCheck("postgres", func() error { return errors.New("connection refused") })
	ok, failures := h.IsReady()
	if ok || failures["postgres"] == "" {
		t.Errorf("failing check must make the service unready: %v", failures)
	}

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness: got %d", rec.Code)
	}
}
