package evm

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	toll "github.com/tollware/toll-go"
)

// EIP-712 domain of toll payment authorizations. The chain id is the only
// variable part: one buyer signature is never valid on another chain.
const (
	DomainName    = "TollPayment"
	DomainVersion = "1"
)

// typedAuthorization builds the EIP-712 typed data for an authorization.
// The message carries every field of the wire payload except the signature,
// so the facilitator can rebuild the digest from the payload alone.
func typedAuthorization(chainID int64, auth toll.UnsignedAuthorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"PaymentAuthorization": []apitypes.Type{
				{Name: "scheme", Type: "string"},
				{Name: "network", Type: "string"},
				{Name: "payer", Type: "address"},
				{Name: "recipient", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "resource", Type: "string"},
				{Name: "nonce", Type: "bytes32"},
				{Name: "expiresAt", Type: "uint256"},
			},
		},
		PrimaryType: "PaymentAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:    DomainName,
			Version: DomainVersion,
			ChainId: math.NewHexOrDecimal256(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"scheme":    auth.Scheme,
			"network":   auth.Network,
			"payer":     auth.Payer,
			"recipient": auth.Recipient,
			"amount":    (*math.HexOrDecimal256)(big.NewInt(int64(auth.Amount))),
			"resource":  auth.Resource,
			"nonce":     auth.Nonce,
			"expiresAt": (*math.HexOrDecimal256)(big.NewInt(auth.ExpiresAt)),
		},
	}
}

// AuthorizationDigest computes the EIP-712 digest a signature over the
// authorization commits to: keccak256("\x19\x01" || domainHash || msgHash).
func AuthorizationDigest(chainID int64, auth toll.UnsignedAuthorization) ([]byte, error) {
	typedData := typedAuthorization(chainID, auth)

	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("%w: hash domain: %v", toll.ErrSigning, err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: hash authorization: %v", toll.ErrSigning, err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainHash, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// SignAuthorization signs the authorization digest and returns the 65-byte
// signature as 0x-hex, with the recovery byte in the legacy 27/28 form
// ledger-side verifiers expect.
func SignAuthorization(privateKey *ecdsa.PrivateKey, chainID int64, auth toll.UnsignedAuthorization) (string, error) {
	digest, err := AuthorizationDigest(chainID, auth)
	if err != nil {
		return "", err
	}
	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", toll.ErrSigning, err)
	}
	signature[64] += 27
	return "0x" + hex.EncodeToString(signature), nil
}

// RecoverPayer recovers the address that signed a payment payload. A
// payload whose recovered address differs from its payer field carries a
// forged or corrupted signature.
func RecoverPayer(payload *toll.PaymentPayload) (string, error) {
	network, ok := toll.LookupNetwork(payload.Network)
	if !ok || network.Kind != toll.NetworkKindEVM {
		return "", fmt.Errorf("%w: %q", toll.ErrUnsupportedNetwork, payload.Network)
	}

	signature, err := hex.DecodeString(strings.TrimPrefix(payload.Signature, "0x"))
	if err != nil || len(signature) != 65 {
		return "", fmt.Errorf("%w: signature is not 65 bytes of hex", toll.ErrEncoding)
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest, err := AuthorizationDigest(network.ChainID, toll.UnsignedAuthorization{
		Scheme:    payload.Scheme,
		Network:   payload.Network,
		Payer:     payload.Payer,
		Recipient: payload.Recipient,
		Amount:    payload.Amount,
		Resource:  payload.Resource,
		Nonce:     payload.Nonce,
		ExpiresAt: payload.ExpiresAt,
	})
	if err != nil {
		return "", err
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", toll.ErrEncoding, err)
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}
