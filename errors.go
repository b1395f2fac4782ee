package toll

import "errors"

// Sentinel errors for toll payment operations.
var (
	// ErrConfig indicates malformed configuration: a bad route price, an
	// unknown network, or a middleware config that cannot serve traffic.
	// Configuration problems fail fast at construction, never per request.
	ErrConfig = errors.New("toll: invalid configuration")

	// ErrEncoding indicates a malformed payment wire value: a challenge
	// body or payment header that does not decode to the declared schema.
	ErrEncoding = errors.New("toll: malformed payment encoding")

	// ErrMalformedHeader indicates the X-Payment header is missing or
	// does not decode.
	ErrMalformedHeader = errors.New("toll: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported protocol version.
	ErrUnsupportedVersion = errors.New("toll: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("toll: unsupported payment scheme")

	// ErrUnsupportedNetwork indicates an unknown or unsupported network.
	ErrUnsupportedNetwork = errors.New("toll: unknown or unsupported network")

	// ErrVerificationFailed indicates the facilitator rejected the payload.
	ErrVerificationFailed = errors.New("toll: payment verification failed")

	// ErrFacilitatorUnavailable indicates a transport or timeout failure
	// talking to the facilitator, as opposed to a negative verdict from it.
	ErrFacilitatorUnavailable = errors.New("toll: facilitator service unavailable")

	// ErrSettlementFailed indicates verification passed but the ledger
	// settlement did not complete.
	ErrSettlementFailed = errors.New("toll: payment settlement failed")

	// ErrSigning indicates the external signer failed to produce a payload.
	ErrSigning = errors.New("toll: payment signing failed")

	// ErrNoValidSigner indicates no configured signer can satisfy the
	// requirements offered in a challenge.
	ErrNoValidSigner = errors.New("toll: no signer can satisfy payment requirements")

	// ErrAmountExceeded indicates the required amount is above the
	// per-call spending limit.
	ErrAmountExceeded = errors.New("toll: payment amount exceeds per-call limit")

	// ErrInvalidRequirements indicates the requirements in a challenge are
	// structurally invalid.
	ErrInvalidRequirements = errors.New("toll: invalid payment requirements")

	// ErrInvalidAmount indicates an amount string that is not a positive
	// integer.
	ErrInvalidAmount = errors.New("toll: invalid amount")

	// ErrPaymentRejected indicates the seller refused the payment on the
	// retried request; the buyer makes no further attempts.
	ErrPaymentRejected = errors.New("toll: payment rejected")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("toll: invalid private key")

	// ErrInvalidKeystore indicates an invalid or undecryptable keystore file.
	ErrInvalidKeystore = errors.New("toll: invalid keystore file")

	// ErrInvalidMnemonic indicates an invalid BIP-39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("toll: invalid mnemonic phrase")
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	// ErrCodeNoValidSigner indicates no signer can satisfy requirements.
	ErrCodeNoValidSigner ErrorCode = "NO_VALID_SIGNER"

	// ErrCodeAmountExceeded indicates payment exceeds the spending limit.
	ErrCodeAmountExceeded ErrorCode = "AMOUNT_EXCEEDED"

	// ErrCodeInvalidRequirements indicates invalid challenge requirements.
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"

	// ErrCodeSigningFailed indicates the signing operation failed.
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// ErrCodeNetworkError indicates a transport failure during payment.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"

	// ErrCodePaymentRejected indicates the seller refused the payment.
	ErrCodePaymentRejected ErrorCode = "PAYMENT_REJECTED"

	// ErrCodeUnsupportedScheme indicates an unsupported scheme or network.
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"

	// ErrCodeUnsupportedVersion indicates an unsupported protocol version.
	ErrCodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
