package remote

import (
	"fmt"
	"time"
)

// Error classes for programmatic handling of wallet service failures.
const (
	// ErrorTypeRateLimit marks an HTTP 429; retry after RetryAfter.
	ErrorTypeRateLimit = "rate_limit"

	// ErrorTypeServerError marks an HTTP 5xx; transient, retried with backoff.
	ErrorTypeServerError = "server_error"

	// ErrorTypeAuthError marks an HTTP 401/403; the credentials are wrong or
	// lack permission, retrying cannot help.
	ErrorTypeAuthError = "auth_error"

	// ErrorTypeClientError marks any other HTTP 4xx; the request itself is
	// invalid and is not retried.
	ErrorTypeClientError = "client_error"
)

// ServiceError is a structured error from the wallet service API. Retryable
// classifies whether the failure is transient; the client's retry loop keys
// off it.
type ServiceError struct {
	// StatusCode is the HTTP status the service answered with.
	StatusCode int

	// ErrorType is one of the ErrorType constants.
	ErrorType string

	// Message is the response body, or a stock description when empty.
	Message string

	// RequestID is the service's request identifier, for support lookups.
	RequestID string

	// Retryable reports whether the operation may be reattempted.
	Retryable bool

	// RetryAfter is the service-suggested backoff for rate limits.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("wallet service error [%d]: %s (request %s)", e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("wallet service error [%d]: %s", e.StatusCode, e.Message)
}
