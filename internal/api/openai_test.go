package api

import (
	"bytes"
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

func newChatTestHandler(t *testing.T) (*Handler, *mux.Router) {
	t.Helper()
	registry := worker.New(worker.Options{TTL: time.Minute})
	queue := dispatch.New(registry, dispatch.Options{RequestTTL: 5 * time.Second})
	keys, err := crypto.NewLocalKeyManager(time.Minute, nil)
	if err != nil {
		t.Fatalf("NewLocalKeyManager: %v", err)
	}
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	h := NewHandler(registry, queue, keys, nil, m, metrics.NewHealth("http://localhost"), nil, nil, Options{})
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	registry.RegisterWithKey("worker-1", "mock", "worker-pub-key")
	return h, r
}

// simulateWorkerReply polls /sink once, replies with a stub chat completion
// payload, and stops: enough to satisfy one non-streaming chat request.
func simulateWorkerReply(t *testing.T, r *mux.Router, content string) {
	t.Helper()
	go func() {
		sinkRec := doJSON(r, http.MethodGet, "/sink?worker_id=worker-1&model=mock", nil)
		var sinkBody map[string]any
		if err := json.Unmarshal(sinkRec.Body.Bytes(), &sinkBody); err != nil {
			return
		}
		requestID, _ := sinkBody["request_id"].(string)
		if requestID == "" {
			return
		}
		stub, err := encodeStub(chatCompletionStub{Content: content})
		if err != nil {
			return
		}
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(sourceRequest{RequestID: requestID, Envelope: stub})
		req := httptest.NewRequest(http.MethodPost, "/source?worker_id=worker-1", &buf)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
	}()
}

func TestChatCompletions_PlaintextNonStreaming(t *testing.T) {
	_, r := newChatTestHandler(t)
	simulateWorkerReply(t, r, "hello from worker")

	rec := doJSON(r, http.MethodPost, "/v1/chat/completions", protocol.ChatCompletionRequest{
		Model:    "mock",
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp protocol.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello from worker" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatCompletions_MissingModel(t *testing.T) {
	_, r := newChatTestHandler(t)
	rec := doJSON(r, http.MethodPost, "/v1/chat/completions", protocol.ChatCompletionRequest{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletions_UnsupportedRole(t *testing.T) {
	_, r := newChatTestHandler(t)
	rec := doJSON(r, http.MethodPost, "/v1/chat/completions", protocol.ChatCompletionRequest{
		Model:    "mock",
		Messages: []protocol.ChatMessage{{Role: "emperor", Content: "hi"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletions_EncryptedModeMissingClientKey(t *testing.T) {
	_, r := newChatTestHandler(t)
	rec := doJSON(r, http.MethodPost, "/v1/chat/completions", protocol.ChatCompletionRequest{
		Model:     "mock",
		Encrypted: true,
		CipherMessages: &protocol.EnvelopeRecord{Ciphertext: "abc"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestEncodeDecodeStub_RoundTrip(t *testing.T) {
	stub := chatCompletionStub{Content: "round trip", Usage: &protocol.Usage{TotalTokens: 3}}
	record, err := encodeStub(stub)
	if err != nil {
		t.Fatalf("encodeStub: %v", err)
	}
	if record.Algorithm != protocol.AlgorithmPlaintext {
		t.Fatalf("algorithm = %q, want %q", record.Algorithm, protocol.AlgorithmPlaintext)
	}
	decoded, err := decodeStub(record)
	if err != nil {
		t.Fatalf("decodeStub: %v", err)
	}
	if decoded.Content != stub.Content || decoded.Usage.TotalTokens != 3 {
		t.Fatalf("decoded stub mismatch: %+v", decoded)
	}
}
