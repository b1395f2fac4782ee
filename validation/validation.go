package validation

import (
	"fmt"
	"regexp"

	toll "github.com/tollware/toll-go"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// solanaAddressRegex matches Solana base58 addresses (32-44 chars, base58 charset)
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

	// nonceRegex matches the 0x-prefixed 32-byte hex nonce every payload carries
	nonceRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// ValidateAmount checks that a payment amount is positive.
func ValidateAmount(amount toll.Amount) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d must be greater than zero", toll.ErrInvalidAmount, amount)
	}
	return nil
}

// ValidateAddress validates an address against the format of the named
// network's kind: 0x-hex for EVM networks, base58 for SVM networks.
func ValidateAddress(address string, network string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	kind, err := toll.ValidateNetwork(network)
	if err != nil {
		return fmt.Errorf("cannot validate address: %w", err)
	}

	switch kind {
	case toll.NetworkKindEVM:
		if !evmAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid EVM address %q (expected 0x followed by 40 hex characters)", address)
		}
		return nil

	case toll.NetworkKindSVM:
		if !solanaAddressRegex.MatchString(address) {
			return fmt.Errorf("invalid Solana address %q (expected base58 string of 32-44 chars)", address)
		}
		return nil

	default:
		return fmt.Errorf("unsupported network kind for address validation: %d", kind)
	}
}

// ValidateNonce checks the payload nonce format. Nonces are always
// 0x-prefixed 32-byte hex values regardless of network.
func ValidateNonce(nonce string) error {
	if !nonceRegex.MatchString(nonce) {
		return fmt.Errorf("%w: nonce must be 0x-prefixed 32-byte hex", toll.ErrEncoding)
	}
	return nil
}

// ValidateRequirements performs full validation of one payment requirement
// from a challenge before a buyer acts on it. Every failure wraps
// ErrInvalidRequirements; a buyer must not sign against a malformed offer.
func ValidateRequirements(req toll.PaymentRequirements) error {
	switch req.Scheme {
	case toll.SchemeExact:
	case "":
		return fmt.Errorf("%w: scheme cannot be empty", toll.ErrInvalidRequirements)
	default:
		return fmt.Errorf("%w: unsupported scheme %q", toll.ErrInvalidRequirements, req.Scheme)
	}

	if _, err := toll.ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("%w: %v", toll.ErrInvalidRequirements, err)
	}

	if err := ValidateAmount(req.Amount); err != nil {
		return fmt.Errorf("%w: %v", toll.ErrInvalidRequirements, err)
	}

	if err := ValidateAddress(req.Recipient, req.Network); err != nil {
		return fmt.Errorf("%w: recipient %v", toll.ErrInvalidRequirements, err)
	}

	if req.Resource == "" {
		return fmt.Errorf("%w: resource cannot be empty", toll.ErrInvalidRequirements)
	}

	if req.ExpiresAt < 0 {
		return fmt.Errorf("%w: expiry cannot be negative", toll.ErrInvalidRequirements)
	}

	if req.FeePayer != "" {
		if err := ValidateAddress(req.FeePayer, req.Network); err != nil {
			return fmt.Errorf("%w: feePayer %v", toll.ErrInvalidRequirements, err)
		}
	}

	return nil
}

// ValidatePayload performs full validation of a received payment payload:
// structural invariants, registry membership, and address and nonce formats.
// Facilitators run this before touching the ledger.
func ValidatePayload(payment toll.PaymentPayload) error {
	if err := payment.Validate(); err != nil {
		return err
	}

	if _, err := toll.ValidateNetwork(payment.Network); err != nil {
		return err
	}

	if err := ValidateAddress(payment.Payer, payment.Network); err != nil {
		return fmt.Errorf("%w: payer %v", toll.ErrEncoding, err)
	}

	if err := ValidateAddress(payment.Recipient, payment.Network); err != nil {
		return fmt.Errorf("%w: recipient %v", toll.ErrEncoding, err)
	}

	return ValidateNonce(payment.Nonce)
}
