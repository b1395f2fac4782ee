package toll

import (
	"bytes"
	"fmt"
	"strconv"
)

// Protocol constants shared by buyers, sellers and facilitators.
const (
	// ProtocolVersion is the toll protocol version carried in every
	// challenge and payload envelope.
	ProtocolVersion = 1

	// PaymentHeader is the request header carrying the encoded PaymentPayload.
	PaymentHeader = "X-Payment"

	// PaymentResponseHeader is the response header carrying the encoded
	// SettleResult on a delivered response.
	PaymentResponseHeader = "X-Payment-Response"

	// SchemeExact is the only payment scheme currently defined: the payload
	// amount must equal the required amount, no more and no less.
	SchemeExact = "exact"
)

// Rejection reasons a facilitator reports in VerifyResult.Reason.
// Sellers forward these verbatim in the challenge they answer with.
const (
	ReasonInsufficientAmount = "insufficient amount"
	ReasonWrongNetwork       = "wrong network"
	ReasonExpired            = "expired"
	ReasonBadSignature       = "bad signature"
	ReasonAlreadyUsed        = "already used"
)

// ReasonUnconfirmed marks a settlement whose outcome is unknown because the
// facilitator became unreachable after verification already succeeded. The
// seller withholds the resource; the buyer must not blindly pay again.
const ReasonUnconfirmed = "settlement unconfirmed"

// Amount is a payment amount in the smallest unit of a network's currency.
// It marshals as a bare JSON integer and refuses anything else on decode:
// floats, exponent notation and quoted numbers are rejected rather than
// coerced.
type Amount int64

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(a), 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler. Only an exact integer literal
// decodes successfully.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	if s == "" || s[0] == '"' {
		return fmt.Errorf("%w: amount must be a bare integer", ErrEncoding)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: amount %q is not an exact integer", ErrEncoding, s)
	}
	*a = Amount(v)
	return nil
}

// String returns the decimal representation used on the wire and in prices.
func (a Amount) String() string {
	return strconv.FormatInt(int64(a), 10)
}

// ParseAmount parses a decimal integer amount string, such as a route price.
// Anything that is not a positive integer fails with ErrInvalidAmount.
func ParseAmount(s string) (Amount, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: %q must be greater than zero", ErrInvalidAmount, s)
	}
	return Amount(v), nil
}

// PaymentRequirements describes one payment option a seller will accept for
// a gated resource. Requirements are built fresh per challenge and are
// immutable once built.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (currently "exact").
	Scheme string `json:"scheme"`

	// Network is the settlement network identifier (e.g. "testnet", "base").
	Network string `json:"network"`

	// Recipient is the seller address the payment must be made to.
	Recipient string `json:"recipient"`

	// Amount is the price in the smallest unit of the network's currency.
	Amount Amount `json:"amount"`

	// Resource identifies what is being bought, normally the request path.
	Resource string `json:"resource"`

	// Description is an optional human-readable summary for the buyer.
	Description string `json:"description,omitempty"`

	// ExpiresAt is the unix time after which the offer is stale.
	// Zero means the seller imposes no expiry.
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	// FeePayer is an optional facilitator address that co-signs and pays
	// transaction fees on networks that need it (e.g. SVM chains). Sellers
	// learn it from the facilitator's supported-kinds endpoint.
	FeePayer string `json:"feePayer,omitempty"`
}

// PaymentChallenge is the JSON body of a 402 response: the protocol version,
// a machine-readable reason, and the payment options the seller accepts.
type PaymentChallenge struct {
	// TollVersion is the protocol version (currently 1).
	TollVersion int `json:"tollVersion"`

	// Error says why the request was challenged or rejected.
	Error string `json:"error"`

	// Accepts lists the payment options the seller will take.
	Accepts []PaymentRequirements `json:"accepts"`
}

// UnsignedAuthorization is a payment authorization before signing: an exact
// mirror of the requirements it satisfies, the payer who will sign it, and a
// freshly generated nonce. It never travels on the wire; signers consume it
// and return the finished PaymentPayload.
type UnsignedAuthorization struct {
	Scheme    string
	Network   string
	Payer     string
	Recipient string
	Amount    Amount
	Resource  string
	Nonce     string
	ExpiresAt int64

	// FeePayer is carried through from the requirements for signers that
	// must name the fee-paying account inside what they sign.
	FeePayer string
}

// PaymentPayload is the signed payment authorization a buyer attaches to a
// retried request. Field for field it must mirror the PaymentRequirements it
// satisfies; any mismatch is a verification failure, never a silent
// adjustment. A payload is consumed exactly once; the nonce makes replays
// detectable.
type PaymentPayload struct {
	// TollVersion is the protocol version (currently 1).
	TollVersion int `json:"tollVersion"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the settlement network identifier.
	Network string `json:"network"`

	// Payer is the address funds are drawn from.
	Payer string `json:"payer"`

	// Recipient is the address funds are paid to.
	Recipient string `json:"recipient"`

	// Amount is the authorized amount in the smallest currency unit.
	Amount Amount `json:"amount"`

	// Resource is the gated resource this payment is for.
	Resource string `json:"resource"`

	// Nonce is a unique 0x-prefixed 32-byte hex value per authorization.
	Nonce string `json:"nonce"`

	// ExpiresAt is the unix time after which the authorization is void.
	// Zero means no expiry was set.
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	// Signature is the payer's signature over the authorization, in the
	// network's native encoding (hex for EVM, base64 transaction for SVM).
	Signature string `json:"signature"`
}

// Matches reports whether the payload mirrors the given requirements on
// every field the facilitator compares.
func (p PaymentPayload) Matches(req PaymentRequirements) bool {
	return p.Scheme == req.Scheme &&
		p.Network == req.Network &&
		p.Recipient == req.Recipient &&
		p.Amount == req.Amount &&
		p.Resource == req.Resource
}

// Validate checks the structural invariants a payload must satisfy before it
// is worth sending to a facilitator. Failures wrap ErrEncoding.
func (p PaymentPayload) Validate() error {
	if p.TollVersion != ProtocolVersion {
		return fmt.Errorf("%w: version %d", ErrUnsupportedVersion, p.TollVersion)
	}
	if p.Scheme == "" {
		return fmt.Errorf("%w: missing scheme", ErrEncoding)
	}
	if p.Network == "" {
		return fmt.Errorf("%w: missing network", ErrEncoding)
	}
	if p.Payer == "" {
		return fmt.Errorf("%w: missing payer", ErrEncoding)
	}
	if p.Recipient == "" {
		return fmt.Errorf("%w: missing recipient", ErrEncoding)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrEncoding)
	}
	if p.Resource == "" {
		return fmt.Errorf("%w: missing resource", ErrEncoding)
	}
	if p.Nonce == "" {
		return fmt.Errorf("%w: missing nonce", ErrEncoding)
	}
	if p.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrEncoding)
	}
	return nil
}

// VerifyResult is the facilitator's verdict on a payment payload.
type VerifyResult struct {
	// Valid reports whether the payload may be settled.
	Valid bool `json:"valid"`

	// Reason is the machine-readable rejection reason when Valid is false.
	Reason string `json:"reason,omitempty"`

	// Payer echoes the address the payload was signed by.
	Payer string `json:"payer,omitempty"`
}

// SettleResult is the facilitator's report on an attempted settlement.
type SettleResult struct {
	// Success indicates the transfer was confirmed on the ledger.
	Success bool `json:"success"`

	// TxHash is the ledger transaction hash when Success is true.
	TxHash string `json:"txHash,omitempty"`

	// Network is the network the settlement ran on.
	Network string `json:"network"`

	// ErrorReason says why settlement failed when Success is false.
	ErrorReason string `json:"errorReason,omitempty"`
}

// SupportedKind is one (scheme, network) pair a facilitator can verify and
// settle, with any hints a buyer or seller needs to use it.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`

	// FeePayer is the facilitator account that co-signs transactions on
	// networks that require one.
	FeePayer string `json:"feePayer,omitempty"`
}

// PaymentInfo summarizes one completed exchange for the buyer. It is derived
// from the seller's settlement header and lives only as long as the response
// it came with.
type PaymentInfo struct {
	// TxHash is the ledger transaction hash of the settlement.
	TxHash string

	// Amount is what was paid, in the smallest currency unit.
	Amount Amount

	// Recipient is who was paid.
	Recipient string

	// Network is where the payment settled.
	Network string

	// Settled reports whether the facilitator confirmed the transfer.
	Settled bool
}
