package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tokenplace/relay/internal/crypto"
	"github.com/tokenplace/relay/internal/dispatch"
	"github.com/tokenplace/relay/internal/protocol"
)

// chatCompletionStub is what the relay submits as the plaintext payload of a
// chat completion in plaintext mode, and what it expects a worker to reply
// with under the same convention.
type chatCompletionStub struct {
	Messages []protocol.ChatMessage `json:"messages"`
	Role     string                 `json:"role,omitempty"`
	Content  string                 `json:"content,omitempty"`
	Usage    *protocol.Usage        `json:"usage,omitempty"`
}

// handleChatCompletions adapts the envelope protocol to the OpenAI
// ChatCompletion shape. Plaintext-mode requests carry a stub envelope whose
// ciphertext is base64(JSON), never RSA/AES; encrypted-mode requests are
// submitted exactly as given, since the relay has no key to read them with.
func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChatCompletionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeError(w, protocol.MissingField("model"))
		return
	}

	var envelope *protocol.EnvelopeRecord
	var clientPublicKey string

	if req.Encrypted {
		if req.ClientPublicKey == "" {
			writeError(w, protocol.MissingField("client_public_key"))
			return
		}
		if req.CipherMessages == nil {
			writeError(w, protocol.MissingField("messages_envelope"))
			return
		}
		if !validatePublicKey(w, req.ClientPublicKey) {
			return
		}
		envelope = req.CipherMessages
		clientPublicKey = req.ClientPublicKey
	} else {
		if len(req.Messages) == 0 {
			writeError(w, protocol.MissingField("messages"))
			return
		}
		for _, msg := range req.Messages {
			if !protocol.AllowedRoles[msg.Role] {
				writeError(w, protocol.NewError(protocol.ErrInvalidInput, "unsupported message role: "+msg.Role))
				return
			}
		}
		stub, err := encodeStub(chatCompletionStub{Messages: req.Messages})
		if err != nil {
			writeError(w, protocol.NewError(protocol.ErrInternal, "failed to build stub envelope"))
			return
		}
		envelope = stub
		// A plaintext caller has no keypair of its own; the fingerprint of
		// relayPlaceholderKey stands in as the owning identity for rate
		// limiting and retrieval, shared by every plaintext-mode caller.
		clientPublicKey = relayPlaceholderKey
	}
	envelope.Model = req.Model

	fp := crypto.Fingerprint(clientPublicKey)
	if !h.allow(fp, "submit") {
		writeError(w, protocol.Retryable(protocol.ErrRateLimited, "submit rate limit exceeded", time.Minute))
		return
	}

	streamSessionID := ""
	if req.Stream {
		streamSessionID = uuid.NewString()
		envelope.Stream = true
		envelope.StreamSessionID = streamSessionID
	}

	requestID, err := h.queue.Submit(req.Model, fp, envelope, streamSessionID)
	if h.audit != nil {
		h.audit.LogSubmit(requestID, req.Model, fp, err == nil, err, 0)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordSubmit(req.Model)
	}

	if req.Stream {
		h.streamChatCompletion(w, r, requestID, fp, req.Model, req.Metadata, req.Encrypted)
		return
	}
	h.awaitChatCompletion(w, r, requestID, fp, req.Model, req.Metadata, req.Encrypted)
}

// relayPlaceholderKey stands in for a client_public_key on plaintext-mode
// requests, which never carry one: plaintext means the caller opted out of
// encryption entirely, not that the relay supplies a key on their behalf.
const relayPlaceholderKey = "tokenplace-relay-plaintext-adapter"

func encodeStub(stub chatCompletionStub) (*protocol.EnvelopeRecord, error) {
	data, err := json.Marshal(stub)
	if err != nil {
		return nil, fmt.Errorf("marshal stub: %w", err)
	}
	return &protocol.EnvelopeRecord{
		Ciphertext: base64.StdEncoding.EncodeToString(data),
		Algorithm:  protocol.AlgorithmPlaintext,
	}, nil
}

func decodeStub(record *protocol.EnvelopeRecord) (*chatCompletionStub, error) {
	if record == nil {
		return nil, protocol.NewError(protocol.ErrBadUpstream, "worker published no reply")
	}
	raw, err := base64.StdEncoding.DecodeString(record.Ciphertext)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrBadUpstream, "malformed plaintext stub reply")
	}
	var stub chatCompletionStub
	if err := json.Unmarshal(raw, &stub); err != nil {
		return nil, protocol.NewError(protocol.ErrBadUpstream, "malformed plaintext stub reply")
	}
	return &stub, nil
}

// awaitChatCompletion polls for a non-streaming reply for up to a fixed 30
// seconds and renders it as an OpenAI ChatCompletion response.
func (h *Handler) awaitChatCompletion(w http.ResponseWriter, r *http.Request, requestID, fp, model string, metadata map[string]any, encrypted bool) {
	const pollInterval = 150 * time.Millisecond
	const timeout = 30 * time.Second
	deadline := time.Now().Add(timeout)

	var envelope *protocol.EnvelopeRecord
	for {
		var err error
		var st dispatch.Status
		envelope, st, err = h.queue.ClientRetrieve(requestID, fp)
		if err != nil {
			writeError(w, err)
			return
		}
		if st == dispatch.StatusReady {
			break
		}
		if st == dispatch.StatusExpired {
			writeError(w, protocol.NewError(protocol.ErrTicketExpired, "request_id not found or expired"))
			return
		}
		if time.Now().After(deadline) {
			writeError(w, protocol.NewError(protocol.ErrNoWorkersAvailable, "timed out waiting for a worker reply"))
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(pollInterval):
		}
	}

	resp := protocol.ChatCompletionResponse{
		ID:       requestID,
		Object:   "chat.completion",
		Created:  0,
		Model:    model,
		Metadata: metadata,
	}

	if encrypted {
		content, err := json.Marshal(envelope)
		if err != nil {
			writeError(w, protocol.NewError(protocol.ErrInternal, "failed to encode reply envelope"))
			return
		}
		resp.Choices = []protocol.Choice{{
			Index:        0,
			Message:      protocol.ChatMessage{Role: "assistant", Content: string(content)},
			FinishReason: "stop",
		}}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	stub, err := decodeStub(envelope)
	if err != nil {
		writeError(w, err)
		return
	}
	resp.Choices = []protocol.Choice{{
		Index:        0,
		Message:      protocol.ChatMessage{Role: "assistant", Content: stub.Content},
		FinishReason: "stop",
	}}
	if stub.Usage != nil {
		resp.Usage = *stub.Usage
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChatCompletion emits the SSE frame sequence C6 specifies: a
// role-frame, content-frames in chunk_index order, a finish_reason frame,
// then the `[DONE]` terminator.
func (h *Handler) streamChatCompletion(w http.ResponseWriter, r *http.Request, requestID, fp, model string, metadata map[string]any, encrypted bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.NewError(protocol.ErrInternal, "streaming unsupported by this transport"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendChunk := func(chunk protocol.ChatCompletionChunk) {
		data, _ := json.Marshal(chunk)
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	base := protocol.ChatCompletionChunk{ID: requestID, Object: "chat.completion.chunk", Model: model, Metadata: metadata}

	roleFrame := base
	roleFrame.Choices = []protocol.StreamChoice{{Index: 0, Delta: protocol.Delta{Role: "assistant"}}}
	sendChunk(roleFrame)

	const pollInterval = 150 * time.Millisecond
	const gapTimeout = 30 * time.Second
	deadline := time.Now().Add(gapTimeout)
	fromIndex := 0

	for {
		chunks, finalSeen, next, status, err := h.queue.ClientStreamRetrieve(requestID, fp, fromIndex)
		if err != nil {
			h.sendStreamError(sendChunk, base, err)
			return
		}
		if status == dispatch.StatusExpired {
			h.sendStreamError(sendChunk, base, protocol.NewError(protocol.ErrTicketExpired, "request_id not found or expired"))
			return
		}

		for _, chunk := range chunks {
			content, cerr := h.renderStreamContent(chunk, encrypted)
			if cerr != nil {
				h.sendStreamError(sendChunk, base, cerr)
				return
			}
			frame := base
			frame.Choices = []protocol.StreamChoice{{Index: 0, Delta: protocol.Delta{Content: content}}}
			sendChunk(frame)
		}
		fromIndex = next

		if finalSeen {
			finishFrame := base
			finishFrame.Choices = []protocol.StreamChoice{{Index: 0, FinishReason: "stop"}}
			sendChunk(finishFrame)
			w.Write([]byte("data: [DONE]\n\n"))
			flusher.Flush()
			return
		}

		if len(chunks) > 0 {
			deadline = time.Now().Add(gapTimeout)
		}
		if time.Now().After(deadline) {
			h.sendStreamError(sendChunk, base, protocol.NewError(protocol.ErrChunkIntegrity, "stream chunk gap exceeded timeout"))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func (h *Handler) renderStreamContent(chunk *protocol.EnvelopeRecord, encrypted bool) (string, error) {
	if encrypted {
		data, err := json.Marshal(chunk)
		if err != nil {
			return "", protocol.NewError(protocol.ErrInternal, "failed to encode stream chunk envelope")
		}
		return string(data), nil
	}
	stub, err := decodeStub(chunk)
	if err != nil {
		return "", err
	}
	return stub.Content, nil
}

func (h *Handler) sendStreamError(sendChunk func(protocol.ChatCompletionChunk), base protocol.ChatCompletionChunk, err error) {
	re := protocol.AsRelayError(err)
	frame := base
	frame.Choices = []protocol.StreamChoice{{Index: 0, FinishReason: string(re.Kind)}}
	sendChunk(frame)
}
