package toll

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a payment is being attempted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a payment succeeded.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment lifecycle event. The HTTP transport and
// the MCP client both emit these so callers get one shape for logging and
// monitoring regardless of transport.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Method is the transport ("HTTP" or "MCP").
	Method string

	// URL is the HTTP URL being accessed (HTTP only).
	URL string

	// Tool is the MCP tool being called (MCP only).
	Tool string

	// Network is the settlement network identifier.
	Network string

	// Scheme is the payment scheme (e.g. "exact").
	Scheme string

	// Amount is the payment amount in the smallest currency unit.
	Amount Amount

	// Recipient is the payment recipient address.
	Recipient string

	// Payer is the address the payment was drawn from (set on success).
	Payer string

	// Transaction is the ledger transaction hash (set on success).
	Transaction string

	// Error contains failure details (set on failure).
	Error error

	// Duration is the time taken for the payment operation.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events. Callbacks run
// synchronously inside the payment flow, so they should be fast; spin up a
// goroutine for anything slow.
type PaymentCallback func(PaymentEvent)
