package protocol

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the stable error taxonomy shared by the crypto, dispatch, and
// HTTP layers. Surface names may differ per transport, but the kind and its
// HTTP status mapping never do.
type ErrorKind string

const (
	ErrInvalidInput       ErrorKind = "invalid-input"
	ErrMissingField       ErrorKind = "missing-field"
	ErrUnauthorized       ErrorKind = "unauthorized"
	ErrNoWorkersAvailable ErrorKind = "no-workers-available"
	ErrQueueFull          ErrorKind = "queue-full"
	ErrUnboundRequest     ErrorKind = "unbound-request"
	ErrBadUpstream        ErrorKind = "bad-upstream"
	ErrChunkIntegrity     ErrorKind = "chunk-integrity"
	ErrTicketExpired      ErrorKind = "ticket-expired"
	ErrRateLimited        ErrorKind = "rate-limited"
	ErrInternal           ErrorKind = "internal"
)

// httpStatus maps each error kind to its HTTP status, per the error
// handling design's propagation table.
var httpStatus = map[ErrorKind]int{
	ErrInvalidInput:       http.StatusBadRequest,
	ErrMissingField:       http.StatusBadRequest,
	ErrUnauthorized:       http.StatusUnauthorized,
	ErrNoWorkersAvailable: http.StatusServiceUnavailable,
	ErrQueueFull:          http.StatusServiceUnavailable,
	ErrUnboundRequest:     http.StatusConflict,
	ErrBadUpstream:        http.StatusBadGateway,
	ErrChunkIntegrity:     http.StatusBadGateway,
	ErrTicketExpired:      http.StatusGone,
	ErrRateLimited:        http.StatusTooManyRequests,
	ErrInternal:           http.StatusInternalServerError,
}

// RelayError is the concrete error type used throughout the relay instead of
// exception-driven control flow. Conversion to HTTP is centralized at the
// transport edge (see internal/api/errors.go) rather than scattered through
// handlers.
type RelayError struct {
	Kind       ErrorKind
	Message    string
	Field      string        // populated for ErrMissingField
	RetryAfter time.Duration // populated for ErrNoWorkersAvailable, ErrQueueFull, ErrRateLimited
}

func (e *RelayError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus returns the status code this error kind maps to.
func (e *RelayError) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewError builds a RelayError of the given kind with a message.
func NewError(kind ErrorKind, message string) *RelayError {
	return &RelayError{Kind: kind, Message: message}
}

// MissingField builds the dedicated missing-field error naming the field.
func MissingField(field string) *RelayError {
	return &RelayError{Kind: ErrMissingField, Message: "required field missing", Field: field}
}

// Retryable builds an error of the given kind carrying a retry_after hint.
func Retryable(kind ErrorKind, message string, after time.Duration) *RelayError {
	return &RelayError{Kind: kind, Message: message, RetryAfter: after}
}

// AsRelayError unwraps err into a *RelayError, or wraps it as ErrInternal
// with no message detail leaked (per the internal error's "no payload info
// in message" propagation rule).
func AsRelayError(err error) *RelayError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RelayError); ok {
		return re
	}
	return &RelayError{Kind: ErrInternal, Message: "internal error"}
}
