// Package audit records relay activity events: submissions, retrievals,
// worker lifecycle, and key rotation. Envelope payload fields never reach
// an audit event — the no-leak invariant is enforced by construction,
// not by a configurable redaction list.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventTypeSubmit         EventType = "submit"
	EventTypeRetrieve       EventType = "retrieve"
	EventTypeWorkerRegister EventType = "worker_register"
	EventTypeWorkerEvict    EventType = "worker_evict"
	EventTypeKeyRotation    EventType = "key_rotation"
	EventTypeRateLimit      EventType = "rate_limit_reject"
	EventTypeAccess         EventType = "access"
)

// Event represents a single audit log event. Only identifiers and
// outcomes are carried here; none of ciphertext, cipherkey, iv, tag, or
// any decrypted payload has a field to land in.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType EventType         `json:"event_type"`
	Operation string            `json:"operation"`
	RequestID string            `json:"request_id,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Model     string            `json:"model,omitempty"`
	ClientFP  string            `json:"client_fingerprint,omitempty"`
	KeyVersion int              `json:"key_version,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration_ms"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	Log(event *Event) error

	LogSubmit(requestID, model, clientFP string, success bool, err error, duration time.Duration)
	LogRetrieve(requestID, clientFP string, success bool, err error, duration time.Duration)
	LogWorkerRegister(workerID, model string, success bool, err error)
	LogWorkerEvict(workerID string)
	LogKeyRotation(keyVersion int, success bool, err error)
	LogRateLimitReject(clientFP, action string)

	// Events returns buffered events (for testing/querying).
	Events() []*Event

	Close() error
}

type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events to a sink.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// NewLogger creates a new audit logger backed by writer, retaining at most
// maxEvents in memory for introspection. If writer is nil, events are
// written to stdout as JSON.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log records an audit event, persisting it to the writer and the
// in-memory ring.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var writeErr error
	if l.writer != nil {
		writeErr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if l.maxEvents > 0 && len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return writeErr
}

// Close closes the logger's underlying writer, if closable.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// LogSubmit logs a client submission being accepted into the dispatch queue.
func (l *auditLogger) LogSubmit(requestID, model, clientFP string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeSubmit,
		Operation: "submit",
		RequestID: requestID,
		Model:     model,
		ClientFP:  clientFP,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogRetrieve logs a client reply retrieval.
func (l *auditLogger) LogRetrieve(requestID, clientFP string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeRetrieve,
		Operation: "retrieve",
		RequestID: requestID,
		ClientFP:  clientFP,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogWorkerRegister logs a worker announce/heartbeat.
func (l *auditLogger) LogWorkerRegister(workerID, model string, success bool, err error) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeWorkerRegister,
		Operation: "worker_register",
		WorkerID:  workerID,
		Model:     model,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogWorkerEvict logs a worker dropped by the TTL reaper.
func (l *auditLogger) LogWorkerEvict(workerID string) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventTypeWorkerEvict,
		Operation: "worker_evict",
		WorkerID:  workerID,
		Success:   true,
	})
}

// LogKeyRotation logs a relay key rotation.
func (l *auditLogger) LogKeyRotation(keyVersion int, success bool, err error) {
	event := &Event{
		Timestamp:  time.Now(),
		EventType:  EventTypeKeyRotation,
		Operation:  "key_rotation",
		KeyVersion: keyVersion,
		Success:    success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogRateLimitReject logs a request rejected by the policy layer's rate
// limiter.
func (l *auditLogger) LogRateLimitReject(clientFP, action string) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventTypeRateLimit,
		Operation: action,
		ClientFP:  clientFP,
		Success:   false,
	})
}

// Events returns a copy of the buffered events, for testing/querying.
func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes events to stdout as JSON lines.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
