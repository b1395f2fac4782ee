package server

import (
	"fmt"
	"log/slog"
	"time"

	toll "github.com/tollware/toll-go"
	tollhttp "github.com/tollware/toll-go/http"
)

// Config holds the seller-side configuration for a payment-gated MCP server.
// It is read when the handler is built; changes made afterwards have no
// effect, except for PaidTools which AddPayableTool maintains up to the
// point Handler or Start is called.
type Config struct {
	// PaidTools maps tool names to the payment options accepted for calling
	// them. Tools absent from the map run unpaid. AddPayableTool fills this
	// map; set it directly only when gating a handler built without Server.
	PaidTools map[string][]toll.PaymentRequirements

	// TTL bounds how long an issued challenge stays payable. When set,
	// challenges carry expiresAt = now + TTL. Zero means no expiry.
	TTL time.Duration

	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is an optional backup facilitator, tried when
	// the primary returns an error.
	FallbackFacilitatorURL string

	// VerifyOnly skips settlement: payments are verified but never
	// executed on the ledger. Useful in development and for dry runs.
	VerifyOnly bool

	// Logger receives protocol events. slog.Default() when nil.
	Logger *slog.Logger

	// FacilitatorAuthorization is a static Authorization header value for
	// the primary facilitator, e.g. "Bearer your-api-key".
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider returns an Authorization header
	// value per request. If set, it takes precedence over
	// FacilitatorAuthorization.
	FacilitatorAuthorizationProvider tollhttp.AuthorizationProvider

	// FallbackFacilitatorAuthorization is a static Authorization header
	// value for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider returns an Authorization
	// header value for the fallback facilitator per request.
	FallbackFacilitatorAuthorizationProvider tollhttp.AuthorizationProvider
}

// validate rejects an unusable configuration before any traffic is served.
func (c *Config) validate() error {
	if c.FacilitatorURL == "" {
		return fmt.Errorf("%w: facilitator URL is required", toll.ErrConfig)
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: TTL must not be negative", toll.ErrConfig)
	}
	return nil
}

// logger returns the configured logger or the process default.
func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
