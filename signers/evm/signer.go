// Package evm signs toll payment authorizations for EVM-compatible
// networks. The authorization itself is the signed object: an EIP-712
// typed-data signature over the exact fields the facilitator will verify,
// bound to the network's chain id. Keys load from raw hex, an encrypted
// keystore file or a BIP39 mnemonic.
package evm

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	toll "github.com/tollware/toll-go"
)

// Signer implements toll.Signer for EVM networks. One key signs on every
// configured network; the chain id in the signature domain keeps the
// authorizations distinct across chains.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	networks   []string
	priority   int
	maxAmount  toll.Amount
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates an EVM signer from the given options. A key source and
// at least one EVM network are required; unknown or non-EVM networks fail
// construction.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, toll.ErrInvalidKey
	}
	if len(s.networks) == 0 {
		return nil, fmt.Errorf("%w: signer has no networks", toll.ErrConfig)
	}
	for _, name := range s.networks {
		network, ok := toll.LookupNetwork(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", toll.ErrUnsupportedNetwork, name)
		}
		if network.Kind != toll.NetworkKindEVM {
			return nil, fmt.Errorf("%w: %q is not an EVM network", toll.ErrUnsupportedNetwork, name)
		}
	}

	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	return s, nil
}

// WithPrivateKey sets the signing key from a hex string, with or without
// the 0x prefix.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return toll.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithNetwork adds a network the signer is willing to pay on. Repeatable.
func WithNetwork(name string) SignerOption {
	return func(s *Signer) error {
		s.networks = append(s.networks, name)
		return nil
	}
}

// WithNetworks adds several networks at once.
func WithNetworks(names ...string) SignerOption {
	return func(s *Signer) error {
		s.networks = append(s.networks, names...)
		return nil
	}
}

// WithPriority sets the selection priority. Lower numbers win when several
// signers can pay the same requirement.
func WithPriority(priority int) SignerOption {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithMaxAmount caps the amount this signer will authorize in a single
// payment. The selector skips requirements above the cap.
func WithMaxAmount(max toll.Amount) SignerOption {
	return func(s *Signer) error {
		if max <= 0 {
			return fmt.Errorf("%w: max amount must be positive", toll.ErrConfig)
		}
		s.maxAmount = max
		return nil
	}
}

// Address implements toll.Signer.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// CanSign implements toll.Signer: the exact scheme on any configured
// network.
func (s *Signer) CanSign(req toll.PaymentRequirements) bool {
	if req.Scheme != toll.SchemeExact {
		return false
	}
	for _, name := range s.networks {
		if name == req.Network {
			return true
		}
	}
	return false
}

// Sign implements toll.Signer. The signature covers every wire field of the
// authorization; the payload mirrors it unchanged.
func (s *Signer) Sign(auth toll.UnsignedAuthorization) (*toll.PaymentPayload, error) {
	if !strings.EqualFold(auth.Payer, s.address.Hex()) {
		return nil, fmt.Errorf("%w: authorization payer %s is not this signer", toll.ErrSigning, auth.Payer)
	}
	network, ok := toll.LookupNetwork(auth.Network)
	if !ok || network.Kind != toll.NetworkKindEVM {
		return nil, fmt.Errorf("%w: %q", toll.ErrUnsupportedNetwork, auth.Network)
	}

	signature, err := SignAuthorization(s.privateKey, network.ChainID, auth)
	if err != nil {
		return nil, err
	}
	return auth.Payload(signature), nil
}

// Priority implements toll.PrioritySigner.
func (s *Signer) Priority() int {
	return s.priority
}

// MaxAmount implements toll.SpendLimiter. Zero means no cap.
func (s *Signer) MaxAmount() toll.Amount {
	return s.maxAmount
}
