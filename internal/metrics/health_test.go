package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzHandler_OK(t *testing.T) {
	h := NewHealth("https://relay.example.com")
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	h.HealthzHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", w.Header().Get("Content-Type"))
	}
	var body HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("Status = %q, want ok", body.Status)
	}
	if body.PublicURL != "https://relay.example.com" {
		t.Errorf("PublicURL = %q", body.PublicURL)
	}
}

func TestHealthzHandler_Draining(t *testing.T) {
	h := NewHealth("")
	h.BeginDraining()

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	h.HealthzHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (healthz never blocks or fails transport)", w.Code)
	}
	var body HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "draining" {
		t.Errorf("Status = %q, want draining", body.Status)
	}
}

func TestLivezHandler_OKWhileDraining(t *testing.T) {
	h := NewHealth("")
	h.BeginDraining()

	req := httptest.NewRequest("GET", "/livez", nil)
	w := httptest.NewRecorder()
	h.LivezHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (draining is not a liveness failure)", w.Code)
	}
}

func TestLivezHandler_FailsOnFatal(t *testing.T) {
	h := NewHealth("")
	h.MarkFatal()

	req := httptest.NewRequest("GET", "/livez", nil)
	w := httptest.NewRecorder()
	h.LivezHandler()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestHealth_DrainingReportsState(t *testing.T) {
	h := NewHealth("")
	if h.Draining() {
		t.Fatal("Draining() should start false")
	}
	h.BeginDraining()
	if !h.Draining() {
		t.Fatal("Draining() should be true after BeginDraining()")
	}
}
