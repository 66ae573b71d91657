// v0
// internal/metrics/metrics_test.go
package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestWrapHandlerRecordsStatus(t *testing.T) {
	m := New()
	h := m.WrapHandler("/api/control", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/control", nil))

	out := scrape(t, m)
	if !strings.Contains(out, `floorctl_http_requests_total{route="/api/control",status="401"} 1`) {
		t.Fatalf("missing request counter:\n%s", out)
	}
}

func TestDomainCollectors(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Decision("LUBRICATION_BOT", "INJECT", "auto")
	m.TelemetryDropped()
	m.SetCircuitBreakerState("forecast", 2)

	out := scrape(t, m)
	for _, want := range []string{
		"floorctl_device_sessions 1",
		`floorctl_decisions_total{action="INJECT",class="LUBRICATION_BOT",origin="auto"} 1`,
		"floorctl_telemetry_dropped_total 1",
		`floorctl_breaker_state{breaker="forecast"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.Decision("x", "y", "auto")
	m.SetAlerts(map[string]int{"CRITICAL": 1})
	rec := httptest.NewRecorder()
	m.WrapHandler("/x", http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
