// Package mcp carries the toll handshake over the Model Context Protocol.
//
// MCP has no headers, so payments ride in JSON-RPC metadata instead: a buyer
// attaches its signed payment to params._meta under MetaKeyPayment when
// calling a paid tool, and the seller returns the settlement receipt in
// result._meta under MetaKeyPaymentResponse. A tools/call without a valid
// payment fails with a JSON-RPC error whose code is CodePaymentRequired and
// whose data carries the same PaymentChallenge an HTTP seller sends as a 402
// body.
//
// The server and client subpackages implement the two sides: server gates
// tools registered as payable behind the challenge, client wraps an MCP
// transport so challenged calls are signed and retried exactly once.
package mcp

import "errors"

const (
	// MetaKeyPayment is the params._meta key a buyer stores the signed
	// payment under when calling a paid tool.
	MetaKeyPayment = "toll/payment"

	// MetaKeyPaymentResponse is the result._meta key a seller stores the
	// settlement receipt under after a paid call succeeds.
	MetaKeyPaymentResponse = "toll/payment-response"

	// CodePaymentRequired is the JSON-RPC error code used for payment
	// challenges. It matches the HTTP status code for the same condition.
	CodePaymentRequired = 402
)

var (
	// ErrMalformedMeta reports request or result metadata that names a
	// payment entry but does not decode into one.
	ErrMalformedMeta = errors.New("toll: malformed payment metadata")

	// ErrNoChallenge reports a payment-required error that carries no
	// usable challenge in its data, leaving the buyer nothing to pay.
	ErrNoChallenge = errors.New("toll: payment required error carries no challenge")
)
