package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/facilitator"
	"github.com/tollware/toll-go/retry"
)

// AuthorizationProvider is a function that returns an Authorization header
// value. This is useful for dynamic tokens (e.g. JWT refresh) where the value
// may change.
//
// Thread-safety: the provider is called on each HTTP request, including retry
// attempts. If it accesses shared state or performs I/O, it must be safe for
// concurrent use; the FacilitatorClient does not serialize calls to it.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is a callback invoked before a verify or settle operation.
// Returning an error aborts the operation.
type OnBeforeFunc func(context.Context, toll.PaymentPayload, toll.PaymentRequirements) error

// OnAfterVerifyFunc is a callback invoked after a Verify operation completes,
// with the result (success or failure) for logging, metrics, etc.
type OnAfterVerifyFunc func(context.Context, toll.PaymentPayload, toll.PaymentRequirements, *toll.VerifyResult, error)

// OnAfterSettleFunc is a callback invoked after a Settle operation completes.
type OnAfterSettleFunc func(context.Context, toll.PaymentPayload, toll.PaymentRequirements, *toll.SettleResult, error)

// FacilitatorClient talks to a toll facilitator service over HTTP. It owns
// the timeout and retry policy for that boundary: transport failures surface
// as ErrFacilitatorUnavailable and are retried at most MaxRetries extra
// times; negative verdicts are returned as results and never retried.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g. "https://facilitator.example.com").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts contains timeout configuration for payment operations.
	Timeouts toll.TimeoutConfig

	// MaxRetries is the number of additional attempts after a transport
	// failure (default 0, meaning a single attempt). Values above 1 are
	// clamped: the protocol allows at most one reattempt per operation.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default 100ms).
	// Exponential backoff is applied with a multiplier of 2.0.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value (e.g. "Bearer token").
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider returns an Authorization header value per request.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeVerify is called before the Verify operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeVerify OnBeforeFunc

	// OnAfterVerify is called after the Verify operation completes.
	OnAfterVerify OnAfterVerifyFunc

	// OnBeforeSettle is called before the Settle operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeSettle OnBeforeFunc

	// OnAfterSettle is called after the Settle operation completes.
	OnAfterSettle OnAfterSettleFunc
}

// Verify that FacilitatorClient implements facilitator.Interface.
var _ facilitator.Interface = (*FacilitatorClient)(nil)

// httpClient returns the HTTP client to use, defaulting to http.DefaultClient.
func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// setAuthorizationHeader sets the Authorization header on the request if
// configured. The provider, when set, wins over the static value.
func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

// retryPolicy returns the retry policy based on client settings. MaxRetries
// is capped at one extra attempt; re-verifying or re-settling the same nonce
// is idempotent at the facilitator, but hammering it is not useful.
func (c *FacilitatorClient) retryPolicy() retry.Policy {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > 1 {
		maxRetries = 1
	}

	return retry.Policy{
		MaxAttempts: maxRetries + 1,
		BaseDelay:   retryDelay,
		MaxDelay:    retryDelay * 4,
		Multiplier:  2.0,
	}
}

// opContext applies the operation timeout unless the caller's context already
// carries a deadline.
func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return ctx, func() {}
}

// Verify verifies a payment authorization without executing the transaction.
// A negative verdict comes back as a VerifyResult with Valid false, not as an
// error; errors mean the question could not be asked.
func (c *FacilitatorClient) Verify(ctx context.Context, payload toll.PaymentPayload, requirements toll.PaymentRequirements) (*toll.VerifyResult, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	req := facilitator.VerifyRequest{
		TollVersion:  toll.ProtocolVersion,
		Payload:      payload,
		Requirements: requirements,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, resultErr := retry.Do(ctx, c.retryPolicy(), isFacilitatorUnavailable, func() (*toll.VerifyResult, error) {
		reqCtx, cancel := opContext(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/verify", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", toll.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, facilitatorError(httpResp, toll.ErrVerificationFailed)
		}

		var verifyResult toll.VerifyResult
		if err := json.NewDecoder(httpResp.Body).Decode(&verifyResult); err != nil {
			return nil, fmt.Errorf("failed to decode verify response: %w", err)
		}

		// The payload names its payer; echo it when the facilitator does not.
		if verifyResult.Payer == "" {
			verifyResult.Payer = payload.Payer
		}

		return &verifyResult, nil
	})

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payload, requirements, resp, resultErr)
	}

	return resp, resultErr
}

// Settle executes a verified payment on the ledger. Settlement gets the
// longer timeout: it waits on a transaction, not just a signature check.
func (c *FacilitatorClient) Settle(ctx context.Context, payload toll.PaymentPayload, requirements toll.PaymentRequirements) (*toll.SettleResult, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	req := facilitator.SettleRequest{
		TollVersion:  toll.ProtocolVersion,
		Payload:      payload,
		Requirements: requirements,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, resultErr := retry.Do(ctx, c.retryPolicy(), isFacilitatorUnavailable, func() (*toll.SettleResult, error) {
		reqCtx, cancel := opContext(ctx, c.Timeouts.SettleTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/settle", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", toll.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, facilitatorError(httpResp, toll.ErrSettlementFailed)
		}

		var settleResult toll.SettleResult
		if err := json.NewDecoder(httpResp.Body).Decode(&settleResult); err != nil {
			return nil, fmt.Errorf("failed to decode settle response: %w", err)
		}

		return &settleResult, nil
	})

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirements, resp, resultErr)
	}

	return resp, resultErr
}

// Supported queries the facilitator for the payment kinds it can verify and
// settle.
func (c *FacilitatorClient) Supported(ctx context.Context) (*facilitator.SupportedResponse, error) {
	reqCtx, cancel := opContext(ctx, c.Timeouts.VerifyTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, "GET", c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", toll.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp facilitator.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

// EnrichRequirements fetches supported payment kinds from the facilitator and
// fills in network-specific data the seller cannot know on its own, currently
// the fee payer SVM networks require. Values already set are left alone.
func (c *FacilitatorClient) EnrichRequirements(ctx context.Context, requirements []toll.PaymentRequirements) ([]toll.PaymentRequirements, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment kinds: %w", err)
	}

	feePayers := make(map[string]string)
	for _, kind := range supported.Kinds {
		if kind.FeePayer != "" {
			feePayers[kind.Network+"-"+kind.Scheme] = kind.FeePayer
		}
	}

	enriched := make([]toll.PaymentRequirements, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		if enriched[i].FeePayer == "" {
			enriched[i].FeePayer = feePayers[req.Network+"-"+req.Scheme]
		}
	}

	return enriched, nil
}

// facilitatorError maps a non-200 facilitator response to an error. Server
// errors count as unavailability and are eligible for the single retry;
// client errors carry the facilitator's stated reason and are final.
func facilitatorError(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", toll.ErrFacilitatorUnavailable, resp.StatusCode)
	}

	var errBody struct {
		Reason      string `json:"reason"`
		ErrorReason string `json:"errorReason"`
	}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if errBody.Reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, errBody.Reason)
		}
		if errBody.ErrorReason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, errBody.ErrorReason)
		}
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}

	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

// isFacilitatorUnavailable reports whether an error is a transport failure
// eligible for retry, using errors.Is to see through wrapping.
func isFacilitatorUnavailable(err error) bool {
	return errors.Is(err, toll.ErrFacilitatorUnavailable)
}
