package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/binlift/binlift/pkg/log"
	"github.com/binlift/binlift/pkg/types"
)

// errorResponse is the wire shape of every non-2xx reply.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// statusFor maps a sentinel error onto its HTTP status and wire code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, types.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, types.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_error"
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, types.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, types.ErrToolFailure), errors.Is(err, types.ErrProviderFailure), errors.Is(err, types.ErrTimeout):
		return http.StatusServiceUnavailable, "dependency_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeJSON serializes a 2xx response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps err to its status and code. The detail is the error text,
// which never carries credentials or payload bytes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		logger := log.WithRequestID(requestIDFrom(r.Context()))
		logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	writeErrorCode(w, status, code, err.Error())
}

// writeErrorCode writes an error response with an explicit status and code,
// for conditions that have no sentinel (e.g. unsupported media type).
func writeErrorCode(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, Detail: detail})
}
