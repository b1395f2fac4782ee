package http

import (
	"fmt"
	"log/slog"
	"net/http"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/encoding"
)

// Client is an HTTP client that pays toll challenges automatically. It wraps
// a standard http.Client and installs a payment-aware Transport; everything
// else, including redirects, cookies and timeouts, behaves exactly like the
// embedded client.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a toll-enabled HTTP client. Without a signer the client
// still works but cannot pay: gated requests surface the 402 challenge as an
// error from the transport's selector.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{},
	}
	client.Transport = http.DefaultTransport

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.Client = httpClient
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithSigner adds a payment signer to the client. Multiple signers can be
// added; the selector picks the best one per challenge.
func WithSigner(signer toll.Signer) ClientOption {
	return func(c *Client) error {
		if signer == nil {
			return fmt.Errorf("%w: signer must not be nil", toll.ErrConfig)
		}
		transport := getOrCreateTransport(c)
		transport.Signers = append(transport.Signers, signer)
		return nil
	}
}

// WithSelector sets a custom payment selector.
func WithSelector(selector toll.PaymentSelector) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		transport.Selector = selector
		return nil
	}
}

// WithMaxAmount caps what any single request may pay, across all signers and
// networks. Challenges with no option at or below the cap fail with
// ErrAmountExceeded instead of being paid.
func WithMaxAmount(limit toll.Amount) ClientOption {
	return func(c *Client) error {
		if limit <= 0 {
			return fmt.Errorf("%w: max amount must be positive", toll.ErrConfig)
		}
		transport := getOrCreateTransport(c)
		transport.MaxAmount = limit
		return nil
	}
}

// WithLogger directs the payment flow's log output.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)
		transport.Logger = logger
		return nil
	}
}

// WithPaymentCallback sets a callback for a specific payment event type.
func WithPaymentCallback(eventType toll.PaymentEventType, callback toll.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		switch eventType {
		case toll.PaymentEventAttempt:
			transport.OnPaymentAttempt = callback
		case toll.PaymentEventSuccess:
			transport.OnPaymentSuccess = callback
		case toll.PaymentEventFailure:
			transport.OnPaymentFailure = callback
		default:
			return fmt.Errorf("%w: unknown payment event type %q", toll.ErrConfig, eventType)
		}

		return nil
	}
}

// WithPaymentCallbacks sets all payment callbacks at once. Pass nil for any
// callback you don't want to set.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure toll.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		if onAttempt != nil {
			transport.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			transport.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			transport.OnPaymentFailure = onFailure
		}

		return nil
	}
}

// getOrCreateTransport returns the client's payment transport, wrapping the
// current transport when none is installed yet.
func getOrCreateTransport(c *Client) *Transport {
	transport, ok := c.Transport.(*Transport)
	if !ok {
		transport = &Transport{
			Base:     c.Transport,
			Selector: toll.NewDefaultPaymentSelector(),
		}
		c.Transport = transport
	}
	return transport
}

// GetSettlement extracts the settlement carried on a delivered response.
// It returns nil with no error when the response has no settlement header,
// which is normal for ungated routes and verify-only sellers.
func GetSettlement(resp *http.Response) (*toll.SettleResult, error) {
	header := resp.Header.Get(toll.PaymentResponseHeader)
	if header == "" {
		return nil, nil
	}

	settlement, err := encoding.DecodeSettlement(header)
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

// GetPaymentInfo summarizes what a response cost. The recipient and amount
// come from the response's settlement header combined with the payload the
// transport attached; absent a settlement header it returns nil.
func GetPaymentInfo(resp *http.Response) (*toll.PaymentInfo, error) {
	settlement, err := GetSettlement(resp)
	if err != nil || settlement == nil {
		return nil, err
	}

	info := &toll.PaymentInfo{
		TxHash:  settlement.TxHash,
		Network: settlement.Network,
		Settled: settlement.Success,
	}

	// The request's payment header still names the amount and recipient.
	if resp.Request != nil {
		if header := resp.Request.Header.Get(toll.PaymentHeader); header != "" {
			if payment, err := encoding.DecodePayment(header); err == nil {
				info.Amount = payment.Amount
				info.Recipient = payment.Recipient
			}
		}
	}

	return info, nil
}
