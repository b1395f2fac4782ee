package http

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/encoding"
)

// Transport is an http.RoundTripper that pays toll challenges. It sends the
// request as-is, and when the seller answers 402 it signs a payment for one
// of the challenge's accepted options and retries exactly once with the
// X-Payment header attached. A second 402 is a failure surfaced to the
// caller, never a third attempt.
type Transport struct {
	// Base is the underlying RoundTripper, http.DefaultTransport when nil.
	Base http.RoundTripper

	// Signers is the list of available payment signers.
	Signers []toll.Signer

	// Selector chooses the signer and requirement pair for a challenge.
	// Defaults to DefaultPaymentSelector.
	Selector toll.PaymentSelector

	// MaxAmount caps what a single request may pay, across all signers.
	// Challenge options above the cap are dropped before selection; if no
	// option survives, the round trip fails with ErrAmountExceeded.
	// Zero means no cap.
	MaxAmount toll.Amount

	// OnPaymentAttempt is called after signing, before the paid retry.
	OnPaymentAttempt toll.PaymentCallback

	// OnPaymentSuccess is called when the retried request comes back with a
	// successful settlement header.
	OnPaymentSuccess toll.PaymentCallback

	// OnPaymentFailure is called when the payment could not be made or the
	// seller rejected it.
	OnPaymentFailure toll.PaymentCallback

	// Logger receives payment-flow events. slog.Default() when nil.
	Logger *slog.Logger
}

func (t *Transport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// RoundTrip implements http.RoundTripper. The request body, if any, is
// buffered up front so the request can be replayed with payment attached.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.logger()

	// Bodies are one-shot readers; buffer so the paid retry can replay it.
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	resp, err := base.RoundTrip(requestForAttempt(req, body))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challengeBody, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read payment challenge: %w", err)
	}

	challenge, err := encoding.UnmarshalChallenge(challengeBody)
	if err != nil {
		return nil, toll.NewPaymentError(toll.ErrCodeInvalidRequirements, "failed to decode payment challenge", err)
	}
	logger.Info("payment challenge received", "url", req.URL.String(), "options", len(challenge.Accepts))

	// An abandoned request must not produce a payment.
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	accepts := challenge.Accepts
	if t.MaxAmount > 0 {
		accepts = affordable(accepts, t.MaxAmount)
		if len(accepts) == 0 {
			return nil, toll.NewPaymentError(toll.ErrCodeAmountExceeded, "every payment option exceeds the configured maximum", toll.ErrAmountExceeded).
				WithDetails("maxAmount", t.MaxAmount)
		}
	}

	selector := t.Selector
	if selector == nil {
		selector = toll.NewDefaultPaymentSelector()
	}

	payment, err := selector.SelectAndSign(accepts, t.Signers)
	if err != nil {
		t.emitFailure(req, time.Now(), 0, err)
		return nil, err
	}

	// Recover the requirement the payment satisfies for event reporting.
	var selected *toll.PaymentRequirements
	for i := range accepts {
		if payment.Matches(accepts[i]) {
			selected = &accepts[i]
			break
		}
	}

	startTime := time.Now()
	if t.OnPaymentAttempt != nil && selected != nil {
		t.OnPaymentAttempt(toll.PaymentEvent{
			Type:      toll.PaymentEventAttempt,
			Timestamp: startTime,
			Method:    "HTTP",
			URL:       req.URL.String(),
			Network:   payment.Network,
			Scheme:    payment.Scheme,
			Amount:    selected.Amount,
			Recipient: selected.Recipient,
			Payer:     payment.Payer,
		})
	}

	header, err := encoding.EncodePayment(*payment)
	if err != nil {
		err = toll.NewPaymentError(toll.ErrCodeSigningFailed, "failed to encode payment header", err)
		t.emitFailure(req, startTime, time.Since(startTime), err)
		return nil, err
	}

	retryReq := requestForAttempt(req, body)
	retryReq.Header.Set(toll.PaymentHeader, header)

	logger.Info("retrying with payment", "url", req.URL.String(), "network", payment.Network, "amount", payment.Amount)
	respRetry, err := base.RoundTrip(retryReq)
	duration := time.Since(startTime)
	if err != nil {
		t.emitFailure(req, startTime, duration, err)
		return nil, err
	}

	// A second challenge ends the handshake: surface the seller's reason
	// instead of paying again.
	if respRetry.StatusCode == http.StatusPaymentRequired {
		reason := rejectionReason(respRetry)
		respRetry.Body.Close()

		message := "payment rejected by seller"
		if reason != "" {
			message += ": " + reason
		}
		err := toll.NewPaymentError(toll.ErrCodePaymentRejected, message, toll.ErrPaymentRejected).
			WithDetails("reason", reason)
		t.emitFailure(req, startTime, duration, err)
		return nil, err
	}

	if header := respRetry.Header.Get(toll.PaymentResponseHeader); header != "" {
		settlement, err := encoding.DecodeSettlement(header)
		switch {
		case err != nil:
			logger.Warn("undecodable settlement header", "error", err)
		case settlement.Success:
			logger.Info("payment settled", "txHash", settlement.TxHash, "network", settlement.Network)
			if t.OnPaymentSuccess != nil {
				event := toll.PaymentEvent{
					Type:        toll.PaymentEventSuccess,
					Timestamp:   time.Now(),
					Method:      "HTTP",
					URL:         req.URL.String(),
					Network:     payment.Network,
					Scheme:      payment.Scheme,
					Payer:       payment.Payer,
					Transaction: settlement.TxHash,
					Duration:    duration,
				}
				if selected != nil {
					event.Amount = selected.Amount
					event.Recipient = selected.Recipient
				}
				t.OnPaymentSuccess(event)
			}
		}
	}

	return respRetry, nil
}

// maxChallengeBytes bounds how much of a challenge or rejection body the
// transport will read.
const maxChallengeBytes = 1 << 20

// emitFailure triggers the failure callback when one is configured.
func (t *Transport) emitFailure(req *http.Request, start time.Time, duration time.Duration, err error) {
	if t.OnPaymentFailure == nil {
		return
	}
	t.OnPaymentFailure(toll.PaymentEvent{
		Type:      toll.PaymentEventFailure,
		Timestamp: time.Now(),
		Method:    "HTTP",
		URL:       req.URL.String(),
		Error:     err,
		Duration:  duration,
	})
}

// requestForAttempt clones the request for one attempt, restoring the
// buffered body when there is one.
func requestForAttempt(req *http.Request, body []byte) *http.Request {
	if body == nil {
		return req.Clone(req.Context())
	}
	return RequestWithBody(req, body)
}

// affordable returns the challenge options priced at or below the cap.
func affordable(accepts []toll.PaymentRequirements, limit toll.Amount) []toll.PaymentRequirements {
	var out []toll.PaymentRequirements
	for _, req := range accepts {
		if req.Amount <= limit {
			out = append(out, req)
		}
	}
	return out
}

// rejectionReason pulls the seller's stated reason out of a 402 response to
// an already-paid request. Best effort: an unreadable body yields "".
func rejectionReason(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBytes))
	if err != nil {
		return ""
	}
	challenge, err := encoding.UnmarshalChallenge(body)
	if err != nil {
		return ""
	}
	return challenge.Error
}

// RequestWithBody clones an HTTP request with a replacement body. Request
// bodies are readable only once, so replayed requests need a fresh reader.
func RequestWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	return clone
}
