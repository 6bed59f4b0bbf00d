// Package domain provides the core types shared by resolution, selection,
// streaming, and admission.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates an admission ceiling was hit.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeUnavailable indicates no route can currently serve the request.
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeProtocol indicates the upstream reply broke the client protocol.
	ErrorTypeProtocol ErrorType = "protocol"

	// ErrorTypeUpstream indicates a transport or status failure from the provider.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode is the stable machine-readable code clients switch on.
type ErrorCode string

const (
	// Selection and admission
	ErrorCodeNoActiveEndpoint       ErrorCode = "no_active_ai_endpoint"
	ErrorCodeEndpointNotFound       ErrorCode = "endpoint_not_found_or_inactive"
	ErrorCodeModelNotSupported      ErrorCode = "model_not_supported_by_endpoint"
	ErrorCodeNoEndpointForMapped    ErrorCode = "no_endpoint_for_mapped_model"
	ErrorCodeMissingCredential      ErrorCode = "missing_credential"
	ErrorCodeModelUnresolved        ErrorCode = "model_unresolved"
	ErrorCodeConcurrencyLimit       ErrorCode = "SSE_CONCURRENCY_LIMIT_EXCEEDED"
	ErrorCodeInvalidToken           ErrorCode = "invalid_token"
	ErrorCodeAuthenticationRequired ErrorCode = "authentication_required"

	// Stream
	ErrorCodeStructural          ErrorCode = "structural_error"
	ErrorCodeDisallowedTag       ErrorCode = "disallowed_tag"
	ErrorCodeParsingError        ErrorCode = "parsing_error"
	ErrorCodeToolExecutorMissing ErrorCode = "tool_executor_not_configured"
	ErrorCodeUpstreamError       ErrorCode = "upstream_error"
	ErrorCodeUpstreamTimeout     ErrorCode = "upstream_timeout"
)

// APIError is a request- or stream-fatal error with a stable code.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is the stable error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode overrides the default HTTP status for Type
	StatusCode int `json:"-"`

	// RetryAfterSeconds is a client retry hint; zero means none.
	RetryAfterSeconds int `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest, ErrorTypeProtocol:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, code ErrorCode, message string) *APIError {
	return &APIError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithRetryAfter sets the retry hint in seconds.
func (e *APIError) WithRetryAfter(seconds int) *APIError {
	e.RetryAfterSeconds = seconds
	return e
}

// Convenience constructors for selection errors

// ErrNoActiveEndpoint reports that no endpoint survived filtering.
func ErrNoActiveEndpoint() *APIError {
	return NewAPIError(ErrorTypeUnavailable, ErrorCodeNoActiveEndpoint, "no active AI endpoint is available")
}

// ErrEndpointNotFound reports that a pinned endpoint is absent or filtered out.
func ErrEndpointNotFound(id int64) *APIError {
	return NewAPIError(ErrorTypeNotFound, ErrorCodeEndpointNotFound,
		fmt.Sprintf("endpoint %d not found or inactive", id))
}

// ErrModelNotSupported reports that a pinned endpoint does not list the model.
func ErrModelNotSupported(model string, id int64) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, ErrorCodeModelNotSupported,
		fmt.Sprintf("model %q is not supported by endpoint %d", model, id))
}

// ErrNoEndpointForMappedModel reports a strict-routing miss for a mapped model.
func ErrNoEndpointForMappedModel(model string) *APIError {
	return NewAPIError(ErrorTypeUnavailable, ErrorCodeNoEndpointForMapped,
		fmt.Sprintf("no endpoint serves mapped model %q", model))
}

// ErrMissingCredential reports a selected endpoint without a usable credential.
func ErrMissingCredential(id int64) *APIError {
	return NewAPIError(ErrorTypeUnavailable, ErrorCodeMissingCredential,
		fmt.Sprintf("endpoint %d has no credential", id))
}

// ErrModelUnresolved reports that no model name could be determined.
func ErrModelUnresolved() *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, ErrorCodeModelUnresolved, "no model could be resolved for the request")
}

// ErrConcurrencyLimit reports an admission rejection.
func ErrConcurrencyLimit(message string, retryAfterSeconds int) *APIError {
	return NewAPIError(ErrorTypeRateLimit, ErrorCodeConcurrencyLimit, message).
		WithRetryAfter(retryAfterSeconds)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, "", message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, "", message)
}

// Stream errors

// ErrProtocol reports an upstream reply that violates the client protocol.
func ErrProtocol(code ErrorCode, message string) *APIError {
	return NewAPIError(ErrorTypeProtocol, code, message)
}

// ErrUpstream reports a transport or status failure from the provider.
func ErrUpstream(message string) *APIError {
	return NewAPIError(ErrorTypeUpstream, ErrorCodeUpstreamError, message)
}

// ErrUpstreamTimeout reports a provider that did not finish in time.
func ErrUpstreamTimeout() *APIError {
	return NewAPIError(ErrorTypeUpstream, ErrorCodeUpstreamTimeout, "upstream did not complete before the deadline").
		WithStatusCode(http.StatusGatewayTimeout)
}
