package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableModelLabel: true})
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.httpRequestsTotal == nil {
		t.Error("httpRequestsTotal is nil")
	}
	if m.httpRequestDuration == nil {
		t.Error("httpRequestDuration is nil")
	}
	if m.dispatchSubmitTotal == nil {
		t.Error("dispatchSubmitTotal is nil")
	}
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableModelLabel: true})

	// Must not panic; values are exercised through the handler test below.
	m.RecordHTTPRequest(context.Background(), "GET", "/retrieve", http.StatusOK, 100*time.Millisecond, 1024)
}

func TestMetrics_RecordSubmitAndQueueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableModelLabel: true})

	m.RecordSubmit("llama-7b")
	m.RecordQueueFull("llama-7b")
	m.SetQueueDepth("worker-a", 3)
	m.RecordPollDuration(true, 20*time.Millisecond)
	m.RecordTicketExpired()
}

func TestMetrics_RecordEnvelopeOperationAndError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableModelLabel: true})

	m.RecordEnvelopeOperation(context.Background(), "encrypt", 2*time.Millisecond)
	m.RecordEnvelopeError("decrypt", "tamper-detected")
}

func TestMetrics_WorkersAndRateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableModelLabel: true})

	m.SetWorkersRegistered(2)
	m.RecordWorkerEvicted()
	m.RecordRateLimitRejection("submit")
}

func TestMetrics_ModelLabelDisabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableModelLabel: false})

	if got := m.modelLabel("llama-7b"); got != "*" {
		t.Errorf("modelLabel() = %q, want \"*\" when disabled", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableModelLabel: true})

	m.RecordHTTPRequest(context.Background(), "GET", "/retrieve", http.StatusOK, 100*time.Millisecond, 1024)
	m.RecordSubmit("llama-7b")

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if handler == nil {
		t.Fatal("Handler returned nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Error("metrics endpoint returned empty body")
	}

	for _, metric := range []string{"relay_http_requests_total", "relay_dispatch_submit_total"} {
		if !containsSubstring(body, metric) {
			t.Errorf("expected metrics output to contain %q", metric)
		}
	}
}

func TestSanitizePathLabel(t *testing.T) {
	cases := map[string]string{
		"":               "/",
		"/":              "/",
		"/healthz":       "/healthz",
		"/retrieve?x=1":  "/retrieve",
		"/stream/source": "/stream/*",
	}
	for in, want := range cases {
		if got := sanitizePathLabel(in); got != want {
			t.Errorf("sanitizePathLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
