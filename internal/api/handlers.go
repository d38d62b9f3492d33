// Package api implements the relay's HTTP surface: the envelope-based
// client/worker protocol (C5) and the OpenAI-compatible chat adapter (C6)
// built on top of it.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tokenplace/relay/internal/audit"
	"github.com/tokenplace/relay/internal/crypto"
	"github.com/tokenplace/relay/internal/dispatch"
	"github.com/tokenplace/relay/internal/metrics"
	"github.com/tokenplace/relay/internal/protocol"
	"github.com/tokenplace/relay/internal/ratelimit"
	"github.com/tokenplace/relay/internal/worker"
)

// Handler wires the relay's subsystems into HTTP handlers. It holds no
// process-wide singletons; every handler closes over this struct instead of
// reaching for package-level state, per the explicit relay-context design.
type Handler struct {
	registry *worker.Registry
	queue    *dispatch.Queue
	keys     *crypto.LocalKeyManager
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	health   *metrics.Health
	audit    audit.Logger
	logger   *logrus.Logger

	maxEnvelopeBytes  int64
	streamPollTimeout time.Duration
}

// Options configures a Handler beyond its required subsystem references.
type Options struct {
	MaxEnvelopeBytes  int64
	StreamPollTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxEnvelopeBytes <= 0 {
		o.MaxEnvelopeBytes = 8 << 20
	}
	if o.StreamPollTimeout <= 0 {
		o.StreamPollTimeout = 15 * time.Second
	}
	return o
}

// NewHandler constructs a Handler. limiter and auditLogger may be nil: a nil
// limiter disables rate limiting, a nil audit logger disables audit
// recording, rather than requiring a hollow no-op in every test.
func NewHandler(registry *worker.Registry, queue *dispatch.Queue, keys *crypto.LocalKeyManager, limiter *ratelimit.Limiter, m *metrics.Metrics, health *metrics.Health, auditLogger audit.Logger, logger *logrus.Logger, opts Options) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()
	return &Handler{
		registry:          registry,
		queue:             queue,
		keys:              keys,
		limiter:           limiter,
		metrics:           m,
		health:            health,
		audit:             auditLogger,
		logger:            logger,
		maxEnvelopeBytes:  opts.MaxEnvelopeBytes,
		streamPollTimeout: opts.StreamPollTimeout,
	}
}

// RegisterRoutes wires every C5 endpoint, the C6 chat adapter, and health
// and metrics endpoints onto r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/public-key", h.handlePublicKey).Methods(http.MethodGet)
	r.HandleFunc("/next-server", h.handleNextServer).Methods(http.MethodGet)

	r.HandleFunc("/submit", h.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/faucet", h.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/retrieve", h.handleRetrieve).Methods(http.MethodPost)

	r.HandleFunc("/sink", h.handleSink).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/source", h.handleSource).Methods(http.MethodPost)
	r.HandleFunc("/stream/source", h.handleStreamSource).Methods(http.MethodPost)
	r.HandleFunc("/stream/retrieve", h.handleStreamRetrieve).Methods(http.MethodPost)

	r.HandleFunc("/v1/chat/completions", h.handleChatCompletions).Methods(http.MethodPost)

	if h.health != nil {
		r.HandleFunc("/healthz", h.health.HealthzHandler()).Methods(http.MethodGet)
		r.HandleFunc("/livez", h.health.LivezHandler()).Methods(http.MethodGet)
	}
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
}

// decodeJSON enforces MAX_ENVELOPE_BYTES via http.MaxBytesReader before
// decoding, on every payload-bearing endpoint.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxEnvelopeBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if _, ok := err.(*http.MaxBytesError); ok {
			writeError(w, protocol.NewError(protocol.ErrInvalidInput, "request body exceeds MAX_ENVELOPE_BYTES"))
			return false
		}
		writeError(w, protocol.NewError(protocol.ErrInvalidInput, "malformed JSON body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// validatePublicKey structurally validates a client- or worker-supplied
// public key before it is fingerprinted, stored in the worker registry, or
// handed to another peer, per the relay-wide invariant that every public
// key it handles passes structural validation before storage. On failure
// it writes the error response itself and returns false.
func validatePublicKey(w http.ResponseWriter, publicKeyB64 string) bool {
	if _, err := crypto.AcceptPeerPublicKey(publicKeyB64); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	v := r.Header.Get("Authorization")
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return v[len(prefix):]
	}
	return v
}

// handlePublicKey returns the relay's own base64-SPKI public key.
func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pub, err := h.keys.OwnPublicKey()
	if err != nil {
		writeError(w, protocol.NewError(protocol.ErrInternal, "failed to encode public key"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": pub})
}

// handleNextServer returns the worker the registry would pick next for a
// model, without creating a ticket or touching the dispatch queue.
func (h *Handler) handleNextServer(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		writeError(w, protocol.MissingField("model"))
		return
	}
	next, ok := h.registry.Next(model)
	if !ok {
		writeError(w, protocol.NewError(protocol.ErrNoWorkersAvailable, "no workers available for model "+model))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker_id": next.ID, "public_key": next.PublicKey})
}

// submitRequest is the body of POST /submit (aka /faucet).
type submitRequest struct {
	Envelope        *protocol.EnvelopeRecord `json:"envelope"`
	ClientPublicKey string                   `json:"client_public_key"`
	Model           string                   `json:"model,omitempty"`
	Stream          bool                     `json:"stream,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req submitRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if h.health != nil && h.health.Draining() {
		writeError(w, protocol.Retryable(protocol.ErrNoWorkersAvailable, "relay is draining", time.Second))
		return
	}
	if req.Envelope == nil {
		writeError(w, protocol.MissingField("envelope"))
		return
	}
	if req.ClientPublicKey == "" {
		writeError(w, protocol.MissingField("client_public_key"))
		return
	}
	if !validatePublicKey(w, req.ClientPublicKey) {
		return
	}

	fp := crypto.Fingerprint(req.ClientPublicKey)
	if !h.allow(fp, "submit") {
		writeError(w, protocol.Retryable(protocol.ErrRateLimited, "submit rate limit exceeded", time.Minute))
		return
	}

	model := req.Model
	if model == "" {
		model = req.Envelope.Model
	}

	streamSessionID := ""
	if req.Stream {
		streamSessionID = req.Envelope.StreamSessionID
		if streamSessionID == "" {
			writeError(w, protocol.MissingField("envelope.stream_session_id"))
			return
		}
	}

	requestID, err := h.queue.Submit(model, fp, req.Envelope, streamSessionID)
	if h.audit != nil {
		h.audit.LogSubmit(requestID, model, fp, err == nil, err, time.Since(start))
	}
	if err != nil {
		if h.metrics != nil && protocol.AsRelayError(err).Kind == protocol.ErrQueueFull {
			h.metrics.RecordQueueFull(model)
		}
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordSubmit(model)
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": requestID})
}

// retrieveRequest is the body of POST /retrieve.
type retrieveRequest struct {
	RequestID       string `json:"request_id"`
	ClientPublicKey string `json:"client_public_key"`
}

func (h *Handler) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req retrieveRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		writeError(w, protocol.MissingField("request_id"))
		return
	}
	if _, err := uuid.Parse(req.RequestID); err != nil {
		writeError(w, protocol.NewError(protocol.ErrInvalidInput, "request_id is not a valid UUID"))
		return
	}
	if req.ClientPublicKey == "" {
		writeError(w, protocol.MissingField("client_public_key"))
		return
	}
	if !validatePublicKey(w, req.ClientPublicKey) {
		return
	}

	fp := crypto.Fingerprint(req.ClientPublicKey)
	envelope, status, err := h.queue.ClientRetrieve(req.RequestID, fp)
	if h.metrics != nil {
		h.metrics.RecordPollDuration(status == dispatch.StatusReady, time.Since(start))
	}

	switch status {
	case dispatch.StatusExpired:
		if h.metrics != nil {
			h.metrics.RecordTicketExpired()
		}
		if h.audit != nil {
			h.audit.LogRetrieve(req.RequestID, fp, false, protocol.NewError(protocol.ErrTicketExpired, "ticket expired"), time.Since(start))
		}
		writeError(w, protocol.NewError(protocol.ErrTicketExpired, "request_id not found or expired"))
		return
	case dispatch.StatusPending:
		if err != nil {
			if h.audit != nil {
				h.audit.LogRetrieve(req.RequestID, fp, false, err, time.Since(start))
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}

	if h.audit != nil {
		h.audit.LogRetrieve(req.RequestID, fp, err == nil, err, time.Since(start))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"envelope": envelope})
}

// handleSink is the worker long-poll endpoint. Every call both refreshes
// (or creates) the worker's registry record and polls for the next pending
// request, since C5 names no separate announce endpoint.
func (h *Handler) handleSink(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	model := r.URL.Query().Get("model")
	publicKey := r.URL.Query().Get("public_key")
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		var body struct {
			WorkerID  string `json:"worker_id"`
			Model     string `json:"model"`
			PublicKey string `json:"public_key"`
		}
		if !h.decodeJSON(w, r, &body) {
			return
		}
		if body.WorkerID != "" {
			workerID = body.WorkerID
		}
		if body.Model != "" {
			model = body.Model
		}
		if body.PublicKey != "" {
			publicKey = body.PublicKey
		}
	}
	if workerID == "" {
		writeError(w, protocol.MissingField("worker_id"))
		return
	}

	if err := h.registry.Authorize(workerID, bearerToken(r)); err != nil {
		if h.audit != nil {
			h.audit.LogWorkerRegister(workerID, model, false, err)
		}
		writeError(w, err)
		return
	}
	if publicKey != "" && !validatePublicKey(w, publicKey) {
		if h.audit != nil {
			h.audit.LogWorkerRegister(workerID, model, false, protocol.NewError(protocol.ErrInvalidInput, "invalid worker public key"))
		}
		return
	}
	h.registry.RegisterWithKey(workerID, model, publicKey)
	if h.audit != nil {
		h.audit.LogWorkerRegister(workerID, model, true, nil)
	}
	if h.metrics != nil {
		h.metrics.SetWorkersRegistered(len(h.registry.List()))
	}

	requestID, envelope, ok, err := h.queue.WorkerPoll(r.Context(), workerID)
	if err != nil {
		writeError(w, protocol.AsRelayError(err))
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"request_id": nil})
		return
	}
	resp := map[string]any{"request_id": requestID, "envelope": envelope}
	if envelope.StreamSessionID != "" {
		resp["stream_session_id"] = envelope.StreamSessionID
	}
	writeJSON(w, http.StatusOK, resp)
}

// sourceRequest is the body of POST /source and /stream/source.
type sourceRequest struct {
	RequestID string                   `json:"request_id"`
	Envelope  *protocol.EnvelopeRecord `json:"envelope"`
	Stream    *streamChunkFields       `json:"stream,omitempty"`
}

type streamChunkFields struct {
	ChunkIndex int  `json:"chunk_index"`
	Final      bool `json:"final"`
}

func (h *Handler) handleSource(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, false)
}

func (h *Handler) handleStreamSource(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, true)
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request, requireStream bool) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, protocol.MissingField("worker_id"))
		return
	}
	var req sourceRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		writeError(w, protocol.MissingField("request_id"))
		return
	}
	if req.Envelope == nil {
		writeError(w, protocol.MissingField("envelope"))
		return
	}
	if requireStream && req.Stream == nil {
		writeError(w, protocol.MissingField("stream"))
		return
	}

	var chunk *dispatch.ChunkMeta
	if req.Stream != nil {
		chunk = &dispatch.ChunkMeta{Index: req.Stream.ChunkIndex, Final: req.Stream.Final}
	}

	if err := h.queue.WorkerPublish(workerID, req.RequestID, req.Envelope, chunk); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// streamRetrieveRequest is the body of POST /stream/retrieve.
type streamRetrieveRequest struct {
	RequestID       string `json:"request_id"`
	ClientPublicKey string `json:"client_public_key"`
	FromIndex       int    `json:"from_index"`
}

func (h *Handler) handleStreamRetrieve(w http.ResponseWriter, r *http.Request) {
	var req streamRetrieveRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		writeError(w, protocol.MissingField("request_id"))
		return
	}
	if req.ClientPublicKey == "" {
		writeError(w, protocol.MissingField("client_public_key"))
		return
	}
	if !validatePublicKey(w, req.ClientPublicKey) {
		return
	}
	fp := crypto.Fingerprint(req.ClientPublicKey)
	if !h.allow(fp, "stream-retrieve") {
		writeError(w, protocol.Retryable(protocol.ErrRateLimited, "stream-retrieve rate limit exceeded", time.Minute))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.streamPollTimeout)
	defer cancel()

	chunks, finalSeen, nextIndex, status, err := h.pollStream(ctx, req.RequestID, fp, req.FromIndex)
	switch {
	case status == dispatch.StatusExpired:
		writeError(w, protocol.NewError(protocol.ErrTicketExpired, "request_id not found or expired"))
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"chunks":     chunks,
			"final_seen": finalSeen,
			"next_index": nextIndex,
		})
	}
}

// pollStream waits for new stream chunks up to ctx's deadline.
// ClientStreamRetrieve itself returns immediately, so the long-poll bounded
// by STREAM_POLL_TIMEOUT (the caller's context deadline) lives here, at the
// transport edge.
func (h *Handler) pollStream(ctx context.Context, requestID, fp string, fromIndex int) ([]*protocol.EnvelopeRecord, bool, int, dispatch.Status, error) {
	const pollInterval = 200 * time.Millisecond
	for {
		chunks, finalSeen, nextIndex, status, err := h.queue.ClientStreamRetrieve(requestID, fp, fromIndex)
		if len(chunks) > 0 || finalSeen || err != nil || status == dispatch.StatusExpired {
			return chunks, finalSeen, nextIndex, status, err
		}
		select {
		case <-ctx.Done():
			return nil, false, fromIndex, dispatch.StatusPending, nil
		case <-time.After(pollInterval):
		}
	}
}

func (h *Handler) allow(fingerprint, action string) bool {
	if h.limiter == nil {
		return true
	}
	ok, _ := h.limiter.Allow(fingerprint + ":" + action)
	if !ok {
		if h.metrics != nil {
			h.metrics.RecordRateLimitRejection(action)
		}
		if h.audit != nil {
			h.audit.LogRateLimitReject(fingerprint, action)
		}
	}
	return ok
}
