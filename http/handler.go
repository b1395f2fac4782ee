package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/facilitator"
	"github.com/tollware/toll-go/validation"
)

// NewRequirePayment builds middleware gating whatever it wraps behind an
// explicit list of accepted payment options instead of a route table. Use it
// when one resource should accept several networks, or different recipients
// per network; the route-table middleware offers exactly one option per
// route.
//
// Requirements are validated eagerly. A requirement may leave Resource empty
// to have it stamped with the request path; Recipient falls back to
// config.Recipient when empty. Only Routes is ignored on the config.
func NewRequirePayment(config *Config, requirements []toll.PaymentRequirements) (func(http.Handler) http.Handler, error) {
	if config.FacilitatorURL == "" {
		return nil, fmt.Errorf("%w: facilitator URL is required", toll.ErrConfig)
	}
	if len(requirements) == 0 {
		return nil, fmt.Errorf("%w: at least one payment requirement is needed", toll.ErrConfig)
	}
	if config.TTL < 0 {
		return nil, fmt.Errorf("%w: TTL must not be negative", toll.ErrConfig)
	}
	logger := config.logger()

	static := make([]toll.PaymentRequirements, len(requirements))
	copy(static, requirements)
	for i := range static {
		if static[i].Recipient == "" {
			static[i].Recipient = config.Recipient
		}

		// Resource is stamped per request; validate with a stand-in.
		check := static[i]
		if check.Resource == "" {
			check.Resource = "/"
		}
		if err := validation.ValidateRequirements(check); err != nil {
			return nil, fmt.Errorf("%w: requirement %d: %v", toll.ErrConfig, i, err)
		}
	}

	fac, fallback := newFacilitators(config)

	// Fill in facilitator-provided fee payers once, not per request.
	ctx, cancel := context.WithTimeout(context.Background(), toll.DefaultTimeouts.VerifyTimeout)
	defer cancel()
	enriched, err := fac.EnrichRequirements(ctx, static)
	if err != nil {
		logger.Warn("could not enrich payment requirements from facilitator", "error", err)
	} else {
		static = enriched
	}

	g := &paymentGate{
		facilitator: fac,
		fallback:    fallback,
		verifyOnly:  config.VerifyOnly,
		logger:      logger,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			accepts := make([]toll.PaymentRequirements, len(static))
			copy(accepts, static)
			for i := range accepts {
				if accepts[i].Resource == "" {
					accepts[i].Resource = r.URL.Path
				}
				if accepts[i].Description == "" {
					accepts[i].Description = "Payment required for " + r.URL.Path
				}
				if config.TTL > 0 && accepts[i].ExpiresAt == 0 {
					accepts[i].ExpiresAt = time.Now().Add(config.TTL).Unix()
				}
			}

			g.serve(w, r, accepts, next)
		})
	}, nil
}

// RequirePayment wraps a single handler with NewRequirePayment middleware.
func RequirePayment(config *Config, requirements []toll.PaymentRequirements, handler http.Handler) (http.Handler, error) {
	mw, err := NewRequirePayment(config, requirements)
	if err != nil {
		return nil, err
	}
	return mw(handler), nil
}

// newFacilitators builds the primary and optional fallback facilitator
// clients from the middleware config.
func newFacilitators(config *Config) (*FacilitatorClient, facilitator.Interface) {
	fac := &FacilitatorClient{
		BaseURL:               config.FacilitatorURL,
		Client:                &http.Client{},
		Timeouts:              toll.DefaultTimeouts,
		MaxRetries:            1,
		Authorization:         config.FacilitatorAuthorization,
		AuthorizationProvider: config.FacilitatorAuthorizationProvider,
		OnBeforeVerify:        config.FacilitatorOnBeforeVerify,
		OnAfterVerify:         config.FacilitatorOnAfterVerify,
		OnBeforeSettle:        config.FacilitatorOnBeforeSettle,
		OnAfterSettle:         config.FacilitatorOnAfterSettle,
	}

	var fallback facilitator.Interface
	if config.FallbackFacilitatorURL != "" {
		fallback = &FacilitatorClient{
			BaseURL:               config.FallbackFacilitatorURL,
			Client:                &http.Client{},
			Timeouts:              toll.DefaultTimeouts,
			MaxRetries:            1,
			Authorization:         config.FallbackFacilitatorAuthorization,
			AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
			OnBeforeVerify:        config.FallbackFacilitatorOnBeforeVerify,
			OnAfterVerify:         config.FallbackFacilitatorOnAfterVerify,
			OnBeforeSettle:        config.FallbackFacilitatorOnBeforeSettle,
			OnAfterSettle:         config.FallbackFacilitatorOnAfterSettle,
		}
	}
	return fac, fallback
}
