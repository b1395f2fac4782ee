// Package facilitator defines the contract between the toll protocol and the
// service that verifies and settles payments on a ledger.
package facilitator

import (
	"context"

	toll "github.com/tollware/toll-go"
)

// Interface is the facilitator contract. Sellers call Verify before invoking
// the protected handler and Settle only after the handler has produced its
// response; a transport failure on either call surfaces as
// ErrFacilitatorUnavailable, distinct from a negative verdict.
type Interface interface {
	// Verify checks a payment authorization against the requirements without
	// moving funds.
	Verify(ctx context.Context, payment toll.PaymentPayload, requirements toll.PaymentRequirements) (*toll.VerifyResult, error)

	// Settle executes a verified payment on the ledger. Settling the same
	// nonce twice is a duplicate, not a second payment.
	Settle(ctx context.Context, payment toll.PaymentPayload, requirements toll.PaymentRequirements) (*toll.SettleResult, error)

	// Supported reports the (scheme, network) pairs the facilitator can
	// verify and settle.
	Supported(ctx context.Context) (*SupportedResponse, error)
}

// SupportedResponse lists the payment kinds a facilitator supports.
type SupportedResponse struct {
	Kinds []toll.SupportedKind `json:"kinds"`
}

// VerifyRequest is the JSON body of a facilitator /verify call.
type VerifyRequest struct {
	TollVersion  int                      `json:"tollVersion"`
	Payload      toll.PaymentPayload      `json:"payload"`
	Requirements toll.PaymentRequirements `json:"requirements"`
}

// SettleRequest is the JSON body of a facilitator /settle call. It carries
// the same payload and requirements the verify call carried; the facilitator
// keys settlement idempotency off the payload nonce.
type SettleRequest struct {
	TollVersion  int                      `json:"tollVersion"`
	Payload      toll.PaymentPayload      `json:"payload"`
	Requirements toll.PaymentRequirements `json:"requirements"`
}
