package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lexflow/lead-pipeline/internal/model"
)

// maxBodyBytes bounds request bodies; inbound messages are capped well below it.
const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	FallbackReply string `json:"fallback_reply,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeErr maps a pipeline error to its status code and stable code.
func writeErr(w http.ResponseWriter, err error, message string) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: message, Code: model.ErrorCode(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSessionTerminated),
		errors.Is(err, model.ErrSessionWriteConflict),
		errors.Is(err, model.ErrDuplicateActiveAgent):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidRule),
		errors.Is(err, model.ErrAgentNotConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrAgentInvocationFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes a bounded request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
