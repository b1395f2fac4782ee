package toll

import "context"

// Signer signs payment authorizations for one payer identity. Implementations
// wrap an external wallet or key; the core never touches key material and
// depends only on this interface.
type Signer interface {
	// Address returns the payer address payments will be drawn from.
	Address() string

	// CanSign reports whether this signer can satisfy the given
	// requirements: the network, the scheme and any signer-specific limits.
	CanSign(req PaymentRequirements) bool

	// Sign signs the authorization and returns the finished payload.
	// The payload must mirror the authorization exactly; signers add only
	// the signature.
	Sign(auth UnsignedAuthorization) (*PaymentPayload, error)
}

// PrioritySigner lets a signer influence selection order when several
// signers can satisfy the same requirements. Lower numbers indicate higher
// priority (1 > 2 > 3); signers without the method rank as 0.
type PrioritySigner interface {
	Priority() int
}

// SpendLimiter caps the amount a signer may authorize in a single payment.
// The selector skips requirements above the limit instead of signing them.
type SpendLimiter interface {
	MaxAmount() Amount
}

// BalanceReader reports the spendable balance for an address. Like Signer it
// is an external collaborator: the core consumes the interface and never
// talks to a ledger itself.
type BalanceReader interface {
	Balance(ctx context.Context, address string) (Amount, error)
}
