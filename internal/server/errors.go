package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the content of ErrorBody.
type ErrorDetail struct {
	Type       domain.ErrorType `json:"type"`
	Code       domain.ErrorCode `json:"code,omitempty"`
	Message    string           `json:"message"`
	RequestID  string           `json:"request_id,omitempty"`
	RetryAfter int              `json:"retry_after,omitempty"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// WriteError writes err as a JSON error body. Errors that are not
// *domain.APIError are reported as opaque server errors.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		apiErr = domain.ErrServer("internal server error")
	}
	AddError(r.Context(), err)

	if apiErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
	}
	WriteJSON(w, apiErr.HTTPStatusCode(), ErrorBody{Error: ErrorDetail{
		Type:       apiErr.Type,
		Code:       apiErr.Code,
		Message:    apiErr.Message,
		RequestID:  GetRequestID(r.Context()),
		RetryAfter: apiErr.RetryAfterSeconds,
	}})
}
