// Package gate implements the seller-side steps of the toll handshake:
// parsing payment headers, writing challenges and service errors, and
// running verify and settle calls against a facilitator with an optional
// fallback. The stdlib middleware and the framework adapters route every
// protocol step through this package so the handshake behaves identically
// regardless of the HTTP framework in front of it.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/encoding"
	"github.com/tollware/toll-go/facilitator"
)

// ReasonPaymentRequired is the challenge reason for a gated request that
// carries no payment header at all.
const ReasonPaymentRequired = "payment required"

// ParsePaymentHeader extracts and strictly decodes the X-Payment header.
// A missing header, undecodable base64 or JSON, an unsupported version or a
// missing required field all fail with an error wrapping
// toll.ErrMalformedHeader. Callers answer any of these with a 402 challenge
// carrying the reason, never a 400.
func ParsePaymentHeader(r *http.Request) (toll.PaymentPayload, error) {
	value := r.Header.Get(toll.PaymentHeader)
	if value == "" {
		return toll.PaymentPayload{}, toll.ErrMalformedHeader
	}

	payment, err := encoding.DecodePayment(value)
	if err != nil {
		return toll.PaymentPayload{}, fmt.Errorf("%w: %v", toll.ErrMalformedHeader, err)
	}
	return payment, nil
}

// WriteChallenge answers a request with 402 Payment Required and a JSON
// PaymentChallenge body listing the accepted payment options.
func WriteChallenge(w http.ResponseWriter, reason string, accepts []toll.PaymentRequirements) {
	challenge := toll.PaymentChallenge{
		TollVersion: toll.ProtocolVersion,
		Error:       reason,
		Accepts:     accepts,
	}

	body, err := encoding.MarshalChallenge(challenge)
	if err != nil {
		// Challenges built from validated requirements always marshal;
		// keep the status correct even if this one somehow does not.
		body = []byte(`{"tollVersion":1,"error":"payment required","accepts":[]}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write(body)
}

// WriteError answers a request with a JSON protocol error body. It is used
// for non-402 failures such as 503 when the facilitator is unreachable.
func WriteError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"tollVersion":%d,"error":%q}`, toll.ProtocolVersion, reason)
}

// AddSettlementHeader attaches the encoded settlement to the response as the
// X-Payment-Response header. It must run before the response status is
// written.
func AddSettlementHeader(w http.ResponseWriter, settlement *toll.SettleResult) error {
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return err
	}
	w.Header().Set(toll.PaymentResponseHeader, encoded)
	return nil
}

// Verify runs the payment past the primary facilitator, falling back to the
// secondary when the primary errors. The returned error means neither
// facilitator produced a verdict; a rejection is a non-nil result with
// Valid=false, not an error.
func Verify(ctx context.Context, logger *slog.Logger, primary, fallback facilitator.Interface, payment toll.PaymentPayload, req toll.PaymentRequirements) (*toll.VerifyResult, error) {
	result, err := primary.Verify(ctx, payment, req)
	if err != nil && fallback != nil {
		logger.Warn("primary facilitator verify failed, trying fallback", "error", err)
		result, err = fallback.Verify(ctx, payment, req)
	}
	return result, err
}

// Settle submits the verified payment for settlement, falling back to the
// secondary facilitator when the primary errors. Reattempting with the same
// nonce is safe: the ledger accepts a given authorization at most once.
func Settle(ctx context.Context, logger *slog.Logger, primary, fallback facilitator.Interface, payment toll.PaymentPayload, req toll.PaymentRequirements) (*toll.SettleResult, error) {
	result, err := primary.Settle(ctx, payment, req)
	if err != nil && fallback != nil {
		logger.Warn("primary facilitator settle failed, trying fallback", "error", err)
		result, err = fallback.Settle(ctx, payment, req)
	}
	return result, err
}
