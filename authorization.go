package toll

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewNonce returns a fresh random 32-byte nonce as a 0x-prefixed hex string.
// Nonce uniqueness is what lets the facilitator detect replayed payloads.
func NewNonce() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("toll: generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

// NewAuthorization builds the unsigned authorization for one payment
// attempt. It mirrors the requirements exactly and draws a fresh nonce.
// Any deviation between what the buyer signs and what the seller asked
// for is a verification failure, so nothing here is adjusted or defaulted.
func NewAuthorization(req PaymentRequirements, payer string) (UnsignedAuthorization, error) {
	if payer == "" {
		return UnsignedAuthorization{}, fmt.Errorf("%w: payer address is empty", ErrSigning)
	}
	nonce, err := NewNonce()
	if err != nil {
		return UnsignedAuthorization{}, err
	}
	return UnsignedAuthorization{
		Scheme:    req.Scheme,
		Network:   req.Network,
		Payer:     payer,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Resource:  req.Resource,
		Nonce:     nonce,
		ExpiresAt: req.ExpiresAt,
		FeePayer:  req.FeePayer,
	}, nil
}

// Payload assembles the wire payload for a signed authorization. Signers
// call this after producing the signature so every implementation emits the
// same envelope.
func (a UnsignedAuthorization) Payload(signature string) *PaymentPayload {
	return &PaymentPayload{
		TollVersion: ProtocolVersion,
		Scheme:      a.Scheme,
		Network:     a.Network,
		Payer:       a.Payer,
		Recipient:   a.Recipient,
		Amount:      a.Amount,
		Resource:    a.Resource,
		Nonce:       a.Nonce,
		ExpiresAt:   a.ExpiresAt,
		Signature:   signature,
	}
}
