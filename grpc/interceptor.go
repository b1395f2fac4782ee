// Package grpc provides the toll payment gate for gRPC services. The HTTP
// 402 handshake maps onto unary calls: gated methods answer unpaid calls
// with codes.ResourceExhausted carrying the encoded challenge, payment
// travels in call metadata, and the settlement result comes back as a
// trailer. Verification runs before the handler and settlement only after
// the handler returns without error.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/encoding"
	"github.com/tollware/toll-go/facilitator"
	tollhttp "github.com/tollware/toll-go/http"
)

// Config holds the server interceptor configuration. It is read once by
// UnaryServerInterceptor; changes made afterwards have no effect.
type Config struct {
	// Methods is the table of gated method patterns. Full method names work
	// as route patterns, exact ("/weather.Weather/GetReport") or wildcard
	// ("/weather.Weather/*"). Calls matching no pattern pass through with no
	// facilitator involvement.
	Methods *toll.RouteTable

	// Recipient is the seller address payments are made to. It is stamped
	// into every challenge the interceptor issues.
	Recipient string

	// TTL bounds how long an issued challenge stays payable. When set,
	// challenges carry expiresAt = now + TTL. Zero means no expiry.
	TTL time.Duration

	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is an optional backup facilitator, tried when
	// the primary returns an error.
	FallbackFacilitatorURL string

	// FacilitatorAuthorization is a static Authorization header value for
	// both facilitators, e.g. "Bearer your-api-key".
	FacilitatorAuthorization string

	// VerifyOnly skips settlement: payments are verified but never executed
	// on the ledger.
	VerifyOnly bool

	// Logger receives protocol events. slog.Default() when nil.
	Logger *slog.Logger
}

// validate rejects an unusable configuration before any calls are served.
func (c *Config) validate() error {
	if c.Methods == nil {
		return fmt.Errorf("%w: method table is required", toll.ErrConfig)
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

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const paymentContextKey = contextKey("toll_payment")

// PaymentFromContext returns the verified payment attached to a gated call.
// ok is false when the call reached the handler without passing the payment
// gate, i.e. on an ungated method.
func PaymentFromContext(ctx context.Context) (*toll.VerifyResult, bool) {
	v, ok := ctx.Value(paymentContextKey).(*toll.VerifyResult)
	return v, ok
}

// UnaryServerInterceptor builds the payment gate as a unary server
// interceptor. Unpaid calls to gated methods fail with
// codes.ResourceExhausted and the base64 challenge as the status message;
// paid calls are verified before the handler runs and settled only after it
// returns without error, with the settlement result in the
// SettlementTrailerKey trailer. A handler error passes through unsettled.
func UnaryServerInterceptor(config *Config) (grpc.UnaryServerInterceptor, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	primary, fallback := newFacilitators(config)
	feePayers := fetchFeePayers(primary, logger)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		route, ok := config.Methods.Match(info.FullMethod)
		if !ok {
			return handler(ctx, req)
		}

		accepts, err := buildAccepts(route, info.FullMethod, config, feePayers)
		if err != nil {
			logger.Error("failed to build payment requirements", "method", info.FullMethod, "error", err)
			return nil, status.Error(codes.Internal, "seller misconfigured")
		}

		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get(PaymentMetadataKey)
		if len(values) == 0 {
			logger.Info("challenging call", "method", info.FullMethod, "amount", accepts[0].Amount, "network", accepts[0].Network)
			return nil, challengeStatus("payment required", accepts)
		}

		payment, err := encoding.DecodePayment(values[0])
		if err != nil {
			wrapped := fmt.Errorf("%w: %v", toll.ErrMalformedHeader, err)
			logger.Warn("undecodable payment metadata", "method", info.FullMethod, "error", wrapped)
			return nil, challengeStatus(wrapped.Error(), accepts)
		}

		requirement, err := toll.FindMatchingRequirement(&payment, accepts)
		if err != nil {
			logger.Warn("payment matches no accepted option", "scheme", payment.Scheme, "network", payment.Network)
			return nil, challengeStatus(err.Error(), accepts)
		}

		logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
		result, err := verify(ctx, logger, primary, fallback, payment, *requirement)
		if err != nil {
			logger.Error("facilitator verification unavailable", "error", err)
			return nil, status.Error(codes.Unavailable, "payment verification unavailable")
		}
		if !result.Valid {
			logger.Warn("payment rejected", "reason", result.Reason)
			return nil, challengeStatus(result.Reason, accepts)
		}

		logger.Info("payment verified", "payer", result.Payer)
		resp, err := handler(context.WithValue(ctx, paymentContextKey, result), req)
		if err != nil {
			logger.Warn("handler did not succeed, payment not settled", "method", info.FullMethod, "error", err)
			return resp, err
		}

		if config.VerifyOnly {
			return resp, nil
		}

		logger.Info("settling payment", "payer", result.Payer, "amount", requirement.Amount)
		settlement, err := settle(ctx, logger, primary, fallback, payment, *requirement)
		if err != nil {
			// Outcome unknown: withhold the response and name the condition
			// so the buyer does not blindly pay again.
			logger.Error("settlement unconfirmed", "error", err)
			return nil, challengeStatus(toll.ReasonUnconfirmed, accepts)
		}
		if !settlement.Success {
			logger.Warn("settlement rejected", "reason", settlement.ErrorReason)
			return nil, challengeStatus(settlement.ErrorReason, accepts)
		}

		logger.Info("payment settled", "txHash", settlement.TxHash, "network", settlement.Network)
		if encoded, encErr := encoding.EncodeSettlement(*settlement); encErr != nil {
			logger.Warn("failed to encode settlement trailer", "error", encErr)
		} else if trailerErr := grpc.SetTrailer(ctx, metadata.Pairs(SettlementTrailerKey, encoded)); trailerErr != nil {
			logger.Warn("failed to attach settlement trailer", "error", trailerErr)
		}
		return resp, nil
	}, nil
}

// challengeStatus packs a challenge into the gRPC analog of an HTTP 402:
// ResourceExhausted with the base64 challenge as the status message.
func challengeStatus(reason string, accepts []toll.PaymentRequirements) error {
	encoded, err := encoding.EncodeChallenge(toll.PaymentChallenge{
		TollVersion: toll.ProtocolVersion,
		Error:       reason,
		Accepts:     accepts,
	})
	if err != nil {
		return status.Error(codes.Internal, "failed to encode payment challenge")
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// buildAccepts turns the matched method route into the requirements offered
// for this call, stamped with the seller's recipient, expiry window and any
// facilitator fee payer for the route's network.
func buildAccepts(route toll.Route, fullMethod string, config *Config, feePayers map[string]string) ([]toll.PaymentRequirements, error) {
	req, err := route.Requirements(fullMethod)
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

func newFacilitators(config *Config) (*tollhttp.FacilitatorClient, facilitator.Interface) {
	fac := &tollhttp.FacilitatorClient{
		BaseURL:       config.FacilitatorURL,
		Client:        &http.Client{},
		Timeouts:      toll.DefaultTimeouts,
		MaxRetries:    1,
		Authorization: config.FacilitatorAuthorization,
	}

	var fallback facilitator.Interface
	if config.FallbackFacilitatorURL != "" {
		fallback = &tollhttp.FacilitatorClient{
			BaseURL:       config.FallbackFacilitatorURL,
			Client:        &http.Client{},
			Timeouts:      toll.DefaultTimeouts,
			MaxRetries:    1,
			Authorization: config.FacilitatorAuthorization,
		}
	}
	return fac, fallback
}

func fetchFeePayers(fac *tollhttp.FacilitatorClient, logger *slog.Logger) map[string]string {
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

// verify checks the payment with the primary facilitator, trying the
// fallback on any error.
func verify(ctx context.Context, logger *slog.Logger, primary, fallback facilitator.Interface, payment toll.PaymentPayload, requirement toll.PaymentRequirements) (*toll.VerifyResult, error) {
	result, err := primary.Verify(ctx, payment, requirement)
	if err != nil && fallback != nil {
		logger.Warn("primary facilitator verify failed, trying fallback", "error", err)
		return fallback.Verify(ctx, payment, requirement)
	}
	return result, err
}

// settle executes the payment with the primary facilitator, trying the
// fallback on any error.
func settle(ctx context.Context, logger *slog.Logger, primary, fallback facilitator.Interface, payment toll.PaymentPayload, requirement toll.PaymentRequirements) (*toll.SettleResult, error) {
	result, err := primary.Settle(ctx, payment, requirement)
	if err != nil && fallback != nil {
		logger.Warn("primary facilitator settle failed, trying fallback", "error", err)
		return fallback.Settle(ctx, payment, requirement)
	}
	return result, err
}
