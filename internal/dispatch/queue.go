// Package dispatch pairs client requests with worker polls through
// per-worker inbound channels and a ticket store that holds each reply until
// the client retrieves it, the C4 component
// of the relay: the only place a client's encrypted envelope and a worker's
// encrypted reply are ever associated with each other.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenplace/relay/internal/protocol"
	"github.com/tokenplace/relay/internal/worker"
)

// pendingRequest is what travels down a worker's inbound channel.
type pendingRequest struct {
	RequestID       string
	Envelope        *protocol.EnvelopeRecord
	StreamSessionID string // set when the request initiates a stream
}

// streamState buffers out-of-order stream chunks until the gap closes, per
// the ordering guarantee in the concurrency model: chunks are held, not
// dropped, until either the gap closes or STREAM_GAP_TIMEOUT elapses.
type streamState struct {
	chunks            map[int]*protocol.EnvelopeRecord
	nextExpectedIndex int
	finalSeen         bool
	lastActivity      time.Time
	gapOpenedAt       time.Time
}

// ticket is the relay-side record of one in-flight request, from submit
// through client retrieval or expiry.
type ticket struct {
	requestID   string
	clientFingerprint string
	workerID    string
	createdAt   time.Time

	mu         sync.Mutex
	reply      *protocol.EnvelopeRecord
	err        *protocol.RelayError
	delivered  bool // true once a non-streaming reply or terminal error has landed
	stream     *streamState
}

// Status is the outcome ClientRetrieve/ClientStreamRetrieve report back to
// the HTTP layer.
type Status int

const (
	StatusReady Status = iota
	StatusPending
	StatusExpired
)

// Options configures a Queue.
type Options struct {
	RequestTTL         time.Duration // default 60s
	WorkerPollTimeout  time.Duration // default 30s
	StreamGapTimeout   time.Duration // default 10s
	InboundQueueDepth  int           // per-worker inbound channel capacity
}

func (o Options) withDefaults() Options {
	if o.RequestTTL <= 0 {
		o.RequestTTL = 60 * time.Second
	}
	if o.WorkerPollTimeout <= 0 {
		o.WorkerPollTimeout = 30 * time.Second
	}
	if o.StreamGapTimeout <= 0 {
		o.StreamGapTimeout = 10 * time.Second
	}
	if o.InboundQueueDepth <= 0 {
		o.InboundQueueDepth = 64
	}
	return o
}

// Queue implements C4: request submission, worker long-poll, worker
// publish, and client retrieval, with FIFO ordering per worker and bounded
// per-worker backpressure.
type Queue struct {
	opts     Options
	registry *worker.Registry

	mu      sync.Mutex
	inbound map[string]chan pendingRequest // workerID -> bounded channel
	tickets map[string]*ticket             // requestID -> ticket
}

// New constructs a Queue bound to a worker registry.
func New(registry *worker.Registry, opts Options) *Queue {
	return &Queue{
		opts:     opts.withDefaults(),
		registry: registry,
		inbound:  make(map[string]chan pendingRequest),
		tickets:  make(map[string]*ticket),
	}
}

func (q *Queue) inboundChannel(workerID string) chan pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.inbound[workerID]
	if !ok {
		ch = make(chan pendingRequest, q.opts.InboundQueueDepth)
		q.inbound[workerID] = ch
	}
	return ch
}

// Submit picks a worker for model, mints a request_id and ticket, and
// enqueues the envelope on that worker's inbound channel. streamSessionID
// is empty for non-streaming requests.
func (q *Queue) Submit(model, clientFingerprint string, envelope *protocol.EnvelopeRecord, streamSessionID string) (string, error) {
	w, ok := q.registry.Next(model)
	if !ok {
		return "", protocol.NewError(protocol.ErrNoWorkersAvailable, "no workers available for model "+model)
	}

	requestID := uuid.NewString()
	t := &ticket{
		requestID:         requestID,
		clientFingerprint: clientFingerprint,
		workerID:          w.ID,
		createdAt:         time.Now(),
	}
	if streamSessionID != "" {
		t.stream = &streamState{
			chunks:       make(map[int]*protocol.EnvelopeRecord),
			lastActivity: time.Now(),
		}
	}

	ch := q.inboundChannel(w.ID)
	select {
	case ch <- pendingRequest{RequestID: requestID, Envelope: envelope, StreamSessionID: streamSessionID}:
	default:
		return "", protocol.Retryable(protocol.ErrQueueFull, "worker inbound queue is full", time.Second)
	}

	q.mu.Lock()
	q.tickets[requestID] = t
	q.mu.Unlock()

	q.registry.IncrementInFlight(w.ID)
	return requestID, nil
}

// WorkerPoll long-polls for the next request bound to workerID, returning
// (zero value, false, nil) if the deadline elapses with nothing to deliver.
func (q *Queue) WorkerPoll(ctx context.Context, workerID string) (string, *protocol.EnvelopeRecord, bool, error) {
	ch := q.inboundChannel(workerID)
	timeout := q.opts.WorkerPollTimeout

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case req := <-ch:
		return req.RequestID, req.Envelope, true, nil
	case <-timer.C:
		return "", nil, false, nil
	case <-ctx.Done():
		return "", nil, false, ctx.Err()
	}
}

// WorkerPublish records a worker's reply to requestID. chunk is nil for a
// non-streaming reply; when non-nil, index/final describe its position in
// an ongoing stream.
func (q *Queue) WorkerPublish(workerID, requestID string, envelope *protocol.EnvelopeRecord, chunk *ChunkMeta) error {
	q.mu.Lock()
	t, ok := q.tickets[requestID]
	q.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.ErrUnboundRequest, "unknown request_id")
	}

	t.mu.Lock()
	owner := t.workerID
	t.mu.Unlock()
	if owner != workerID {
		return protocol.NewError(protocol.ErrUnboundRequest, "worker does not own this request_id")
	}

	if envelope == nil || envelope.Ciphertext == "" {
		q.failTicket(t, protocol.NewError(protocol.ErrBadUpstream, "worker published a malformed envelope"))
		q.registry.DecrementInFlight(workerID)
		return protocol.NewError(protocol.ErrBadUpstream, "malformed reply envelope")
	}

	if chunk == nil {
		t.mu.Lock()
		t.reply = envelope
		t.delivered = true
		t.mu.Unlock()
		q.registry.DecrementInFlight(workerID)
		return nil
	}

	err := q.appendStreamChunk(t, envelope, chunk)
	if chunk.Final {
		q.registry.DecrementInFlight(workerID)
	}
	return err
}

// ChunkMeta carries a stream chunk's position, mirroring EnvelopeRecord's
// chunk_index/final fields at the dispatch layer so WorkerPublish doesn't
// need to reach into the envelope itself.
type ChunkMeta struct {
	Index int
	Final bool
}

func (q *Queue) appendStreamChunk(t *ticket, envelope *protocol.EnvelopeRecord, chunk *ChunkMeta) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stream == nil {
		return protocol.NewError(protocol.ErrBadUpstream, "request was not opened as a stream")
	}
	t.stream.chunks[chunk.Index] = envelope
	t.stream.lastActivity = time.Now()
	if chunk.Index != t.stream.nextExpectedIndex {
		if t.stream.gapOpenedAt.IsZero() {
			t.stream.gapOpenedAt = time.Now()
		}
	}
	for {
		if _, ok := t.stream.chunks[t.stream.nextExpectedIndex]; !ok {
			break
		}
		t.stream.nextExpectedIndex++
		t.stream.gapOpenedAt = time.Time{}
	}
	if chunk.Final {
		t.stream.finalSeen = true
	}
	return nil
}

func (q *Queue) failTicket(t *ticket, err *protocol.RelayError) {
	t.mu.Lock()
	t.err = err
	t.delivered = true
	t.mu.Unlock()
}

// ClientRetrieve returns the reply for requestID if the requesting
// fingerprint matches the ticket's owner, deleting the ticket on success.
func (q *Queue) ClientRetrieve(requestID, clientFingerprint string) (*protocol.EnvelopeRecord, Status, error) {
	q.mu.Lock()
	t, ok := q.tickets[requestID]
	q.mu.Unlock()
	if !ok {
		return nil, StatusExpired, nil
	}

	if t.clientFingerprint != clientFingerprint {
		return nil, StatusPending, protocol.NewError(protocol.ErrUnauthorized, "request_id does not belong to this client")
	}

	if q.expired(t) {
		q.deleteTicket(requestID)
		return nil, StatusExpired, nil
	}

	t.mu.Lock()
	err := t.err
	delivered := t.delivered
	reply := t.reply
	t.mu.Unlock()

	if err != nil {
		q.deleteTicket(requestID)
		return nil, StatusReady, err
	}
	if !delivered {
		return nil, StatusPending, nil
	}
	q.deleteTicket(requestID)
	return reply, StatusReady, nil
}

// ClientStreamRetrieve returns buffered chunks from fromIndex onward, plus
// whether the final chunk has been seen and the index to resume from on the
// next call, without consuming the ticket (streams are polled repeatedly).
func (q *Queue) ClientStreamRetrieve(requestID, clientFingerprint string, fromIndex int) ([]*protocol.EnvelopeRecord, bool, int, Status, error) {
	q.mu.Lock()
	t, ok := q.tickets[requestID]
	q.mu.Unlock()
	if !ok {
		return nil, false, fromIndex, StatusExpired, nil
	}
	if t.clientFingerprint != clientFingerprint {
		return nil, false, fromIndex, StatusPending, protocol.NewError(protocol.ErrUnauthorized, "request_id does not belong to this client")
	}

	t.mu.Lock()

	if t.stream == nil {
		t.mu.Unlock()
		return nil, false, fromIndex, StatusPending, protocol.NewError(protocol.ErrInvalidInput, "request was not opened as a stream")
	}
	if !t.stream.gapOpenedAt.IsZero() && time.Since(t.stream.gapOpenedAt) > q.opts.StreamGapTimeout {
		err := protocol.NewError(protocol.ErrChunkIntegrity, "stream chunk gap exceeded timeout")
		t.err = err
		t.mu.Unlock()
		return nil, false, fromIndex, StatusReady, err
	}

	var chunks []*protocol.EnvelopeRecord
	i := fromIndex
	for {
		chunk, ok := t.stream.chunks[i]
		if !ok {
			break
		}
		chunks = append(chunks, chunk)
		i++
	}
	fullyDrained := t.stream.finalSeen && i > fromIndex && len(t.stream.chunks) == i
	finalSeen := t.stream.finalSeen
	t.mu.Unlock()

	if fullyDrained {
		// All chunks through the final one have been consumed; the ticket
		// can be dropped now that the caller has them.
		q.deleteTicket(requestID)
	}

	return chunks, finalSeen, i, StatusReady, nil
}

func (q *Queue) expired(t *ticket) bool {
	t.mu.Lock()
	delivered := t.delivered
	t.mu.Unlock()
	if delivered {
		return false
	}
	return time.Since(t.createdAt) > q.opts.RequestTTL
}

func (q *Queue) deleteTicket(requestID string) {
	q.mu.Lock()
	delete(q.tickets, requestID)
	q.mu.Unlock()
}

// WorkerGone marks every ticket currently owned by workerID as failed with
// a retryable error, for when the worker registry reaps or explicitly
// deregisters a worker mid-flight. The submit side never transparently
// re-queues; the client must resubmit.
func (q *Queue) WorkerGone(workerID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tickets {
		t.mu.Lock()
		if t.workerID == workerID && !t.delivered {
			t.err = protocol.Retryable(protocol.ErrNoWorkersAvailable, "worker disappeared while holding this request", time.Second)
			t.delivered = true
		}
		t.mu.Unlock()
	}
}

// ReapExpired drops tickets whose TTL has lapsed without ever being
// delivered to a client, returning how many were dropped. Call periodically
// from a sweeper goroutine.
func (q *Queue) ReapExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for id, t := range q.tickets {
		if q.expiredLocked(t) {
			delete(q.tickets, id)
			dropped++
		}
	}
	return dropped
}

func (q *Queue) expiredLocked(t *ticket) bool {
	return time.Since(t.createdAt) > q.opts.RequestTTL
}

// RunReaper runs ReapExpired every interval until stop is closed.
func (q *Queue) RunReaper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.ReapExpired()
		}
	}
}
