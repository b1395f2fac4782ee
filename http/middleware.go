// Package http provides the HTTP surfaces of the toll protocol: seller
// middleware that gates routes behind a payment challenge, a buyer client
// that detects challenges and pays them automatically, and the facilitator
// client both sides use to verify and settle payments.
package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/facilitator"
	"github.com/tollware/toll-go/http/internal/gate"
)

// Config holds the seller-side middleware configuration. It is read once by
// NewMiddleware; changes made afterwards have no effect.
type Config struct {
	// Routes is the table of gated paths. Requests that match no route pass
	// through to the handler untouched, with no facilitator involvement.
	Routes *toll.RouteTable

	// Recipient is the seller address payments are made to. It is stamped
	// into every challenge the middleware issues.
	Recipient string

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
	FacilitatorAuthorizationProvider AuthorizationProvider

	// Facilitator hooks for custom logic around verify and settle.
	FacilitatorOnBeforeVerify OnBeforeFunc
	FacilitatorOnAfterVerify  OnAfterVerifyFunc
	FacilitatorOnBeforeSettle OnBeforeFunc
	FacilitatorOnAfterSettle  OnAfterSettleFunc

	// FallbackFacilitatorAuthorization is a static Authorization header
	// value for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider returns an Authorization
	// header value for the fallback facilitator per request.
	FallbackFacilitatorAuthorizationProvider AuthorizationProvider

	// Fallback facilitator hooks.
	FallbackFacilitatorOnBeforeVerify OnBeforeFunc
	FallbackFacilitatorOnAfterVerify  OnAfterVerifyFunc
	FallbackFacilitatorOnBeforeSettle OnBeforeFunc
	FallbackFacilitatorOnAfterSettle  OnAfterSettleFunc
}

// validate rejects an unusable configuration before any traffic is served.
func (c *Config) validate() error {
	if c.Routes == nil {
		return fmt.Errorf("%w: route table is required", toll.ErrConfig)
	}
	if c.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", toll.ErrConfig)
	}
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

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key under which the middleware stores the
// verified payment for handler access.
const PaymentContextKey = contextKey("toll_payment")

// PaymentFromContext returns the verified payment attached to a gated
// request. ok is false when the request reached the handler without passing
// the payment gate, i.e. on an ungated route.
func PaymentFromContext(ctx context.Context) (*toll.VerifyResult, bool) {
	v, ok := ctx.Value(PaymentContextKey).(*toll.VerifyResult)
	return v, ok
}

// NewMiddleware builds the payment gate. The returned middleware challenges
// requests on gated routes with 402 until they carry a valid payment,
// verifies payments with the facilitator before the handler runs, and
// settles them only once the handler has committed a success response. The
// configuration is validated eagerly; a bad route table or a missing
// recipient fails here, not per request.
func NewMiddleware(config *Config) (func(http.Handler) http.Handler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := config.logger()

	fac, fallback := newFacilitators(config)

	g := &paymentGate{
		facilitator: fac,
		fallback:    fallback,
		verifyOnly:  config.VerifyOnly,
		logger:      logger,
	}

	// Fee payers are facilitator-specific and keyed by network and scheme,
	// so one fetch at construction covers every route.
	feePayers := fetchFeePayers(fac, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, ok := config.Routes.Match(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			// CORS preflight never carries payment.
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			accepts, err := buildAccepts(route, r.URL.Path, config, feePayers)
			if err != nil {
				logger.Error("failed to build payment requirements", "path", r.URL.Path, "error", err)
				gate.WriteError(w, http.StatusInternalServerError, "seller misconfigured")
				return
			}

			g.serve(w, r, accepts, next)
		})
	}, nil
}

// paymentGate runs the payment handshake for one request once the accepted
// requirements are known. The route-table middleware and RequirePayment both
// drive it; they differ only in how the accepts list is produced.
type paymentGate struct {
	facilitator facilitator.Interface
	fallback    facilitator.Interface
	verifyOnly  bool
	logger      *slog.Logger
}

func (g *paymentGate) serve(w http.ResponseWriter, r *http.Request, accepts []toll.PaymentRequirements, next http.Handler) {
	logger := g.logger

	if r.Header.Get(toll.PaymentHeader) == "" {
		logger.Info("challenging request", "path", r.URL.Path, "amount", accepts[0].Amount, "network", accepts[0].Network)
		gate.WriteChallenge(w, gate.ReasonPaymentRequired, accepts)
		return
	}

	payment, err := gate.ParsePaymentHeader(r)
	if err != nil {
		logger.Warn("undecodable payment header", "path", r.URL.Path, "error", err)
		gate.WriteChallenge(w, err.Error(), accepts)
		return
	}

	requirement, err := toll.FindMatchingRequirement(&payment, accepts)
	if err != nil {
		logger.Warn("payment matches no accepted option", "scheme", payment.Scheme, "network", payment.Network)
		gate.WriteChallenge(w, err.Error(), accepts)
		return
	}

	logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
	result, err := gate.Verify(r.Context(), logger, g.facilitator, g.fallback, payment, *requirement)
	if err != nil {
		logger.Error("facilitator verification unavailable", "error", err)
		gate.WriteError(w, http.StatusServiceUnavailable, "payment verification unavailable")
		return
	}
	if !result.Valid {
		logger.Warn("payment rejected", "reason", result.Reason)
		gate.WriteChallenge(w, result.Reason, accepts)
		return
	}

	logger.Info("payment verified", "payer", result.Payer)
	r = r.WithContext(context.WithValue(r.Context(), PaymentContextKey, result))

	interceptor := &settlementInterceptor{
		w: w,
		settleFunc: func() bool {
			if g.verifyOnly {
				return true
			}

			logger.Info("settling payment", "payer", result.Payer, "amount", requirement.Amount)
			settlement, err := gate.Settle(r.Context(), logger, g.facilitator, g.fallback, payment, *requirement)
			if err != nil {
				// Outcome unknown: withhold the resource and name the
				// condition so the buyer does not blindly pay again.
				logger.Error("settlement unconfirmed", "error", err)
				gate.WriteChallenge(w, toll.ReasonUnconfirmed, accepts)
				return false
			}
			if !settlement.Success {
				logger.Warn("settlement rejected", "reason", settlement.ErrorReason)
				gate.WriteChallenge(w, settlement.ErrorReason, accepts)
				return false
			}

			logger.Info("payment settled", "txHash", settlement.TxHash, "network", settlement.Network)
			if err := gate.AddSettlementHeader(w, settlement); err != nil {
				logger.Warn("failed to attach settlement header", "error", err)
			}
			return true
		},
		onFailure: func(statusCode int) {
			logger.Warn("handler did not succeed, payment not settled", "status", statusCode)
		},
	}
	next.ServeHTTP(interceptor, r)

	// A handler that returns without writing anything becomes a 200 in
	// net/http. Commit it here so settlement still precedes delivery.
	if !interceptor.committed {
		interceptor.WriteHeader(http.StatusOK)
	}
}

// buildAccepts turns the matched route into the requirements offered for
// this request, stamped with the seller's recipient, expiry window and any
// facilitator fee payer for the route's network.
func buildAccepts(route toll.Route, path string, config *Config, feePayers map[string]string) ([]toll.PaymentRequirements, error) {
	req, err := route.Requirements(path)
	if err != nil {
		return nil, err
	}
	req.Recipient = config.Recipient
	if config.TTL > 0 {
		req.ExpiresAt = time.Now().Add(config.TTL).Unix()
	}
	if req.FeePayer == "" {
		req.FeePayer = feePayers[req.Network+"-"+req.Scheme]
	}
	return []toll.PaymentRequirements{req}, nil
}

// fetchFeePayers asks the facilitator which payment kinds need a fee payer.
// Failure degrades gracefully: routes on networks that need one will produce
// challenges the facilitator later rejects, but nothing else breaks.
func fetchFeePayers(fac *FacilitatorClient, logger *slog.Logger) map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), toll.DefaultTimeouts.VerifyTimeout)
	defer cancel()

	feePayers := make(map[string]string)
	supported, err := fac.Supported(ctx)
	if err != nil {
		logger.Warn("could not fetch supported payment kinds from facilitator", "error", err)
		return feePayers
	}
	for _, kind := range supported.Kinds {
		if kind.FeePayer != "" {
			feePayers[kind.Network+"-"+kind.Scheme] = kind.FeePayer
		}
	}
	return feePayers
}

// settlementInterceptor wraps the ResponseWriter to catch the moment the
// handler commits a response. Settlement runs inside WriteHeader, strictly
// after the handler has produced a success status and strictly before any
// byte of it reaches the buyer. A handler error status passes through with
// no settlement; the buyer keeps their money when the seller fails.
type settlementInterceptor struct {
	w http.ResponseWriter

	// settleFunc runs the settlement. It reports false after writing its
	// own error response, at which point the handler's output is discarded.
	settleFunc func() bool

	// onFailure observes handler statuses >= 400.
	onFailure func(statusCode int)

	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK, which is the commit point.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// After a failed settlement the error response is already on the wire;
	// the handler's payload is swallowed to avoid interleaving two bodies.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through unsettled.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.hijacked = true
		return
	}

	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher for streaming handlers.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker so websocket upgrades keep working behind
// the gate.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher for HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
