// Package client wraps an MCP transport so paid tools can be called like
// free ones. When the server answers a call with a payment-required error,
// the transport signs a payment for one of the challenge's accepted options
// and retries the call exactly once with the payment in params._meta. A
// second challenge is surfaced, never paid.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/encoding"
	"github.com/tollware/toll-go/mcp"
)

// Transport is a transport.Interface that pays toll challenges on behalf of
// the MCP client running on top of it.
type Transport struct {
	base   transport.Interface
	config *Config
}

var _ transport.Interface = (*Transport)(nil)

// NewTransport builds a payment-aware transport for the streamable HTTP
// endpoint at serverURL. At least one signer is required; everything else
// has defaults. WithBaseTransport substitutes the underlying transport and
// leaves serverURL unused.
func NewTransport(serverURL string, opts ...Option) (*Transport, error) {
	config := &Config{}
	for _, opt := range opts {
		opt(config)
	}

	if len(config.Signers) == 0 {
		return nil, fmt.Errorf("%w: at least one signer is required", toll.ErrConfig)
	}

	base := config.base
	if base == nil {
		streamable, err := transport.NewStreamableHTTP(serverURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create streamable transport: %w", err)
		}
		base = streamable
	}

	return &Transport{base: base, config: config}, nil
}

func (t *Transport) logger() *slog.Logger {
	if t.config.Logger != nil {
		return t.config.Logger
	}
	return slog.Default()
}

// Start opens the underlying MCP connection.
func (t *Transport) Start(ctx context.Context) error {
	return t.base.Start(ctx)
}

// SendRequest forwards the request and pays a challenge when one comes
// back. Payment-layer failures, a rejected or unaffordable challenge among
// them, return the server's original response alongside the error so the
// caller can still inspect it. A second challenge after paying is returned
// as the JSON-RPC error it is; the transport never pays twice for one call.
func (t *Transport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	resp, err := t.base.SendRequest(ctx, req)
	if err != nil || resp == nil || resp.Error == nil || resp.Error.Code != mcp.CodePaymentRequired {
		return resp, err
	}
	logger := t.logger()
	tool := toolFromParams(req.Params)

	challenge, err := decodeChallenge(resp.Error.Data)
	if err != nil {
		return resp, err
	}
	logger.Info("payment challenge received", "tool", tool, "options", len(challenge.Accepts))

	// An abandoned call must not produce a payment.
	if err := ctx.Err(); err != nil {
		return resp, err
	}

	accepts := challenge.Accepts
	if t.config.MaxAmount > 0 {
		accepts = affordable(accepts, t.config.MaxAmount)
		if len(accepts) == 0 {
			return resp, toll.NewPaymentError(toll.ErrCodeAmountExceeded, "every payment option exceeds the configured maximum", toll.ErrAmountExceeded).
				WithDetails("maxAmount", t.config.MaxAmount)
		}
	}

	selector := t.config.Selector
	if selector == nil {
		selector = toll.NewDefaultPaymentSelector()
	}

	payment, err := selector.SelectAndSign(accepts, t.config.Signers)
	if err != nil {
		t.emitFailure(tool, 0, err)
		return resp, err
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
	if t.config.OnPaymentAttempt != nil && selected != nil {
		t.config.OnPaymentAttempt(toll.PaymentEvent{
			Type:      toll.PaymentEventAttempt,
			Timestamp: startTime,
			Method:    "MCP",
			Tool:      tool,
			Network:   payment.Network,
			Scheme:    payment.Scheme,
			Amount:    selected.Amount,
			Recipient: selected.Recipient,
			Payer:     payment.Payer,
		})
	}

	params, err := mcp.InjectPayment(req.Params, payment)
	if err != nil {
		err = toll.NewPaymentError(toll.ErrCodeSigningFailed, "failed to attach payment metadata", err)
		t.emitFailure(tool, time.Since(startTime), err)
		return resp, err
	}
	paidReq := req
	paidReq.Params = params

	logger.Info("retrying with payment", "tool", tool, "network", payment.Network, "amount", payment.Amount)
	respRetry, err := t.base.SendRequest(ctx, paidReq)
	duration := time.Since(startTime)
	if err != nil {
		t.emitFailure(tool, duration, err)
		return respRetry, err
	}

	if respRetry.Error != nil {
		// A second challenge ends the handshake: report the failure and
		// hand the seller's verdict to the caller instead of paying again.
		if respRetry.Error.Code == mcp.CodePaymentRequired {
			logger.Warn("payment rejected by seller", "tool", tool, "reason", respRetry.Error.Message)
			t.emitFailure(tool, duration, toll.NewPaymentError(toll.ErrCodePaymentRejected, "payment rejected by seller: "+respRetry.Error.Message, toll.ErrPaymentRejected).
				WithDetails("reason", respRetry.Error.Message))
		}
		return respRetry, nil
	}

	settlement, err := mcp.ExtractSettlement(rawResult(respRetry.Result))
	switch {
	case err != nil:
		logger.Warn("undecodable settlement receipt", "error", err)
	case settlement != nil && settlement.Success:
		logger.Info("payment settled", "txHash", settlement.TxHash, "network", settlement.Network)
		if t.config.OnPaymentSuccess != nil {
			event := toll.PaymentEvent{
				Type:        toll.PaymentEventSuccess,
				Timestamp:   time.Now(),
				Method:      "MCP",
				Tool:        tool,
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
			t.config.OnPaymentSuccess(event)
		}
	}

	return respRetry, nil
}

// SendNotification forwards a notification to the server.
func (t *Transport) SendNotification(ctx context.Context, notif mcpproto.JSONRPCNotification) error {
	return t.base.SendNotification(ctx, notif)
}

// SetNotificationHandler installs the handler for server notifications.
func (t *Transport) SetNotificationHandler(handler func(mcpproto.JSONRPCNotification)) {
	t.base.SetNotificationHandler(handler)
}

// Close closes the underlying transport.
func (t *Transport) Close() error {
	return t.base.Close()
}

// GetSessionId returns the MCP session identifier.
func (t *Transport) GetSessionId() string {
	return t.base.GetSessionId()
}

// emitFailure triggers the failure callback when one is configured.
func (t *Transport) emitFailure(tool string, duration time.Duration, err error) {
	if t.config.OnPaymentFailure == nil {
		return
	}
	t.config.OnPaymentFailure(toll.PaymentEvent{
		Type:      toll.PaymentEventFailure,
		Timestamp: time.Now(),
		Method:    "MCP",
		Tool:      tool,
		Error:     err,
		Duration:  duration,
	})
}

// decodeChallenge reads the payment challenge out of a payment-required
// error's data. An error without data carries nothing to pay and fails with
// ErrNoChallenge.
func decodeChallenge(data any) (*toll.PaymentChallenge, error) {
	if data == nil {
		return nil, mcp.ErrNoChallenge
	}

	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mcp.ErrNoChallenge, err)
	}

	challenge, err := encoding.UnmarshalChallenge(blob)
	if err != nil {
		return nil, toll.NewPaymentError(toll.ErrCodeInvalidRequirements, "failed to decode payment challenge", err)
	}
	return &challenge, nil
}

// toolFromParams best-effort extracts the tool name for event reporting and
// logs. Non-tool calls yield "".
func toolFromParams(params any) string {
	blob, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(blob, &p); err != nil {
		return ""
	}
	return p.Name
}

// rawResult normalizes a response result for metadata extraction regardless
// of how the transport typed it.
func rawResult(result any) any {
	if raw, ok := result.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil
		}
		return v
	}
	return result
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
