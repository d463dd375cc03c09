// Package shared maps domain errors onto HTTP responses so every handler
// speaks the same wire dialect.
package shared

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "idlink/pkg/domain-errors"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes v with the given status. Encoding failures are swallowed;
// by that point the status line has already been sent.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a coded domain error into a transport status. Uncoded
// errors map to 500 with an opaque body so internals never leak to callers.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)

	message := "internal error"
	var coded *dErrors.Error
	if errors.As(err, &coded) && statusOf(code) < http.StatusInternalServerError {
		message = coded.Message
	}

	WriteJSON(w, statusOf(code), ErrorResponse{Error: string(code), Message: message})
}

func statusOf(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest:
		return http.StatusBadRequest
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		// CodeInvariantViolation and CodeInternal are both server faults.
		return http.StatusInternalServerError
	}
}
