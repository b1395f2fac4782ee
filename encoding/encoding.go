// Package encoding provides utilities for encoding and decoding toll payment
// data. It handles base64 and JSON marshaling for payment payloads, settlement
// results, and challenges carried in headers and transport metadata.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	toll "github.com/tollware/toll-go"
)

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string.
// This is the value carried in the X-Payment request header.
func EncodePayment(payment toll.PaymentPayload) (string, error) {
	paymentJSON, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("%w: marshal payment: %v", toll.ErrEncoding, err)
	}
	return base64.StdEncoding.EncodeToString(paymentJSON), nil
}

// DecodePayment converts a base64-encoded JSON string to a PaymentPayload.
// Decoding is strict: missing required fields, a wrong protocol version, or a
// non-integer amount all fail rather than producing a partial payload. The
// codec round-trips every payload EncodePayment accepts.
func DecodePayment(encoded string) (toll.PaymentPayload, error) {
	var payment toll.PaymentPayload

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payment, fmt.Errorf("%w: decode base64: %v", toll.ErrEncoding, err)
	}

	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, fmt.Errorf("%w: unmarshal payment: %v", toll.ErrEncoding, err)
	}

	if err := payment.Validate(); err != nil {
		return toll.PaymentPayload{}, err
	}

	return payment, nil
}

// EncodeSettlement converts a SettleResult to a base64-encoded JSON string.
// This is the value carried in the X-Payment-Response header.
func EncodeSettlement(settlement toll.SettleResult) (string, error) {
	settlementJSON, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("%w: marshal settlement: %v", toll.ErrEncoding, err)
	}
	return base64.StdEncoding.EncodeToString(settlementJSON), nil
}

// DecodeSettlement converts a base64-encoded JSON string to a SettleResult.
func DecodeSettlement(encoded string) (toll.SettleResult, error) {
	var settlement toll.SettleResult

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return settlement, fmt.Errorf("%w: decode base64: %v", toll.ErrEncoding, err)
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, fmt.Errorf("%w: unmarshal settlement: %v", toll.ErrEncoding, err)
	}

	if settlement.Network == "" {
		return toll.SettleResult{}, fmt.Errorf("%w: settlement missing network", toll.ErrEncoding)
	}

	return settlement, nil
}

// EncodeChallenge converts a PaymentChallenge to a base64-encoded JSON string
// for transports that carry the challenge in metadata rather than a response
// body, such as gRPC status messages.
func EncodeChallenge(challenge toll.PaymentChallenge) (string, error) {
	challengeJSON, err := MarshalChallenge(challenge)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(challengeJSON), nil
}

// DecodeChallenge converts a base64-encoded JSON string to a PaymentChallenge.
func DecodeChallenge(encoded string) (toll.PaymentChallenge, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return toll.PaymentChallenge{}, fmt.Errorf("%w: decode base64: %v", toll.ErrEncoding, err)
	}
	return UnmarshalChallenge(decoded)
}

// MarshalChallenge serializes a PaymentChallenge to the JSON carried in a 402
// response body.
func MarshalChallenge(challenge toll.PaymentChallenge) ([]byte, error) {
	challengeJSON, err := json.Marshal(challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal challenge: %v", toll.ErrEncoding, err)
	}
	return challengeJSON, nil
}

// UnmarshalChallenge parses the JSON body of a 402 response. A challenge with
// an unsupported version or no payment options fails; a buyer cannot act on
// either.
func UnmarshalChallenge(data []byte) (toll.PaymentChallenge, error) {
	var challenge toll.PaymentChallenge

	if err := json.Unmarshal(data, &challenge); err != nil {
		return challenge, fmt.Errorf("%w: unmarshal challenge: %v", toll.ErrEncoding, err)
	}

	if challenge.TollVersion != toll.ProtocolVersion {
		return toll.PaymentChallenge{}, fmt.Errorf("%w: version %d", toll.ErrUnsupportedVersion, challenge.TollVersion)
	}
	if len(challenge.Accepts) == 0 {
		return toll.PaymentChallenge{}, fmt.Errorf("%w: challenge accepts no payment options", toll.ErrEncoding)
	}

	return challenge, nil
}
