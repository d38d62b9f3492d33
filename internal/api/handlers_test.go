package api

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokenplace/relay/internal/crypto"
	"github.com/tokenplace/relay/internal/dispatch"
	"github.com/tokenplace/relay/internal/metrics"
	"github.com/tokenplace/relay/internal/protocol"
	"github.com/tokenplace/relay/internal/worker"
)

// testPublicKey generates a fresh RSA-2048 key and returns its base64(SPKI
// DER) encoding, the wire form every client_public_key and worker public_key
// must validate as.
func testPublicKey(t *testing.T) string {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

func newTestHandler(t *testing.T) (*Handler, *mux.Router) {
	t.Helper()
	registry := worker.New(worker.Options{TTL: time.Minute})
	queue := dispatch.New(registry, dispatch.Options{RequestTTL: 2 * time.Second})
	keys, err := crypto.NewLocalKeyManager(time.Minute, nil)
	if err != nil {
		t.Fatalf("NewLocalKeyManager: %v", err)
	}
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	h := NewHandler(registry, queue, keys, nil, m, metrics.NewHealth("http://localhost"), nil, nil, Options{})
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return h, r
}

func doJSON(r *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlePublicKey(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(r, http.MethodGet, "/public-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["public_key"] == "" {
		t.Fatal("expected a non-empty public_key")
	}
}

func TestHandleNextServer_NoWorkers(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(r, http.MethodGet, "/next-server?model=mock", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleNextServer_MissingModel(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(r, http.MethodGet, "/next-server", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitThenSinkThenRetrieve(t *testing.T) {
	h, r := newTestHandler(t)
	h.registry.RegisterWithKey("worker-1", "mock", testPublicKey(t))
	clientKey := testPublicKey(t)

	submitRec := doJSON(r, http.MethodPost, "/submit", submitRequest{
		Envelope:        &protocol.EnvelopeRecord{Ciphertext: "Y2lwaGVy", Model: "mock"},
		ClientPublicKey: clientKey,
		Model:           "mock",
	})
	if submitRec.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body = %s", submitRec.Code, submitRec.Body.String())
	}
	var submitBody map[string]string
	if err := json.Unmarshal(submitRec.Body.Bytes(), &submitBody); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	requestID := submitBody["request_id"]
	if requestID == "" {
		t.Fatal("expected a request_id")
	}

	sinkRec := doJSON(r, http.MethodGet, "/sink?worker_id=worker-1&model=mock", nil)
	if sinkRec.Code != http.StatusOK {
		t.Fatalf("sink status = %d, body = %s", sinkRec.Code, sinkRec.Body.String())
	}
	var sinkBody map[string]any
	if err := json.Unmarshal(sinkRec.Body.Bytes(), &sinkBody); err != nil {
		t.Fatalf("unmarshal sink: %v", err)
	}
	if sinkBody["request_id"] != requestID {
		t.Fatalf("sink request_id = %v, want %v", sinkBody["request_id"], requestID)
	}

	sourceRec := doJSON(r, http.MethodPost, "/source?worker_id=worker-1", sourceRequest{
		RequestID: requestID,
		Envelope:  &protocol.EnvelopeRecord{Ciphertext: "cmVwbHk=", Model: "mock"},
	})
	if sourceRec.Code != http.StatusOK {
		t.Fatalf("source status = %d, body = %s", sourceRec.Code, sourceRec.Body.String())
	}

	retrieveRec := doJSON(r, http.MethodPost, "/retrieve", retrieveRequest{
		RequestID:       requestID,
		ClientPublicKey: clientKey,
	})
	if retrieveRec.Code != http.StatusOK {
		t.Fatalf("retrieve status = %d, body = %s", retrieveRec.Code, retrieveRec.Body.String())
	}
	var retrieveBody map[string]any
	if err := json.Unmarshal(retrieveRec.Body.Bytes(), &retrieveBody); err != nil {
		t.Fatalf("unmarshal retrieve: %v", err)
	}
	if retrieveBody["envelope"] == nil {
		t.Fatal("expected an envelope in the retrieve response")
	}
}

func TestHandleRetrieve_UnknownRequestID(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(r, http.MethodPost, "/retrieve", retrieveRequest{
		RequestID:       "00000000-0000-0000-0000-000000000000",
		ClientPublicKey: testPublicKey(t),
	})
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRetrieve_InvalidUUID(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(r, http.MethodPost, "/retrieve", retrieveRequest{
		RequestID:       "not-a-uuid",
		ClientPublicKey: testPublicKey(t),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSubmit_MissingClientPublicKey(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(r, http.MethodPost, "/submit", submitRequest{
		Envelope: &protocol.EnvelopeRecord{Ciphertext: "Y2lwaGVy", Model: "mock"},
		Model:    "mock",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSubmit_NoWorkersAvailable(t *testing.T) {
	_, r := newTestHandler(t)
	rec := doJSON(r, http.MethodPost, "/submit", submitRequest{
		Envelope:        &protocol.EnvelopeRecord{Ciphertext: "Y2lwaGVy", Model: "ghost-model"},
		ClientPublicKey: testPublicKey(t),
		Model:           "ghost-model",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503, body = %s", rec.Code, rec.Body.String())
	}
}
