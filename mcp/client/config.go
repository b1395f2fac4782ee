package client

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/client/transport"

	toll "github.com/tollware/toll-go"
)

// Config holds the buyer-side configuration for a payment-aware MCP
// transport. Options fill it; NewTransport validates it.
type Config struct {
	// Signers is the list of available payment signers.
	Signers []toll.Signer

	// Selector chooses the signer and requirement pair for a challenge.
	// Defaults to DefaultPaymentSelector.
	Selector toll.PaymentSelector

	// MaxAmount caps what a single tool call may pay, across all signers.
	// Challenge options above the cap are dropped before selection; if no
	// option survives, the call fails with ErrAmountExceeded. Zero means
	// no cap.
	MaxAmount toll.Amount

	// OnPaymentAttempt is called after signing, before the paid retry.
	OnPaymentAttempt toll.PaymentCallback

	// OnPaymentSuccess is called when the retried call comes back with a
	// successful settlement receipt.
	OnPaymentSuccess toll.PaymentCallback

	// OnPaymentFailure is called when the payment could not be made or the
	// seller rejected it.
	OnPaymentFailure toll.PaymentCallback

	// Logger receives payment-flow events. slog.Default() when nil.
	Logger *slog.Logger

	// base overrides the underlying transport, set by WithBaseTransport.
	base transport.Interface
}

// Option configures the transport.
type Option func(*Config)

// WithSigner adds a payment signer. Order matters when priorities tie:
// earlier signers win.
func WithSigner(signer toll.Signer) Option {
	return func(c *Config) {
		c.Signers = append(c.Signers, signer)
	}
}

// WithSigners adds several payment signers at once.
func WithSigners(signers ...toll.Signer) Option {
	return func(c *Config) {
		c.Signers = append(c.Signers, signers...)
	}
}

// WithSelector sets a custom payment selector.
func WithSelector(selector toll.PaymentSelector) Option {
	return func(c *Config) {
		c.Selector = selector
	}
}

// WithMaxAmount caps what a single tool call may pay.
func WithMaxAmount(limit toll.Amount) Option {
	return func(c *Config) {
		c.MaxAmount = limit
	}
}

// WithPaymentCallback sets one callback for attempt, success and failure
// events alike.
func WithPaymentCallback(callback toll.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentAttempt = callback
		c.OnPaymentSuccess = callback
		c.OnPaymentFailure = callback
	}
}

// WithPaymentAttemptCallback sets the payment attempt callback.
func WithPaymentAttemptCallback(callback toll.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentAttempt = callback
	}
}

// WithPaymentSuccessCallback sets the payment success callback.
func WithPaymentSuccessCallback(callback toll.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentSuccess = callback
	}
}

// WithPaymentFailureCallback sets the payment failure callback.
func WithPaymentFailureCallback(callback toll.PaymentCallback) Option {
	return func(c *Config) {
		c.OnPaymentFailure = callback
	}
}

// WithLogger sets the logger for payment-flow events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithBaseTransport substitutes the underlying MCP transport, for stdio
// servers or an already-configured streamable transport. The serverURL
// argument of NewTransport is ignored when this option is set.
func WithBaseTransport(base transport.Interface) Option {
	return func(c *Config) {
		c.base = base
	}
}
