package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tokenplace/relay/internal/protocol"
)

// errorBody is the JSON shape every failed request gets, never carrying
// anything beyond the error taxonomy (§7): no payload bytes, no internal
// detail for "internal" errors.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// writeError centralizes RelayError-to-HTTP conversion at the transport
// edge, per the error handling design's "centralize conversion to HTTP at
// the edge" note.
func writeError(w http.ResponseWriter, err error) {
	re := protocol.AsRelayError(err)
	body := errorBody{Error: string(re.Kind), Field: re.Field}

	if re.Kind == protocol.ErrInternal {
		// No payload info in the message for internal errors.
		body.Message = "internal error"
	} else {
		body.Message = re.Message
	}
	if re.RetryAfter > 0 {
		seconds := int(re.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		body.RetryAfter = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(re.HTTPStatus())
	json.NewEncoder(w).Encode(body)
}
