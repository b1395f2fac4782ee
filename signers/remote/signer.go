// Package remote signs toll payment authorizations through a wallet service
// that holds the keys. Nothing secret lives in the buyer process: every
// request to the service carries a short-lived ES256 bearer token minted
// from API credentials, and the service answers with the finished signature
// for the account's network.
//
// A remote account is bound to one network. Run one Signer per network and
// let the selector pick between them.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	toll "github.com/tollware/toll-go"
)

// Signer pays toll challenges with an account managed by the wallet
// service. It implements toll.Signer; the service is also the balance
// oracle, so Signer doubles as a toll.BalanceReader.
type Signer struct {
	client      *Client
	auth        *Auth
	serviceURL  string
	accountName string
	address     string
	network     string
	priority    int
	maxAmount   toll.Amount
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner builds a Signer and resolves its account with the wallet
// service, creating the account on first use. Service URL, credentials,
// account name and network are all required.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.auth == nil {
		return nil, fmt.Errorf("%w: wallet service credentials not provided", toll.ErrConfig)
	}
	if s.serviceURL == "" {
		return nil, fmt.Errorf("%w: wallet service URL not provided", toll.ErrConfig)
	}
	if s.accountName == "" {
		return nil, fmt.Errorf("%w: account name not provided", toll.ErrConfig)
	}
	if s.network == "" {
		return nil, fmt.Errorf("%w: signer needs a network", toll.ErrConfig)
	}
	if _, ok := toll.LookupNetwork(s.network); !ok {
		return nil, fmt.Errorf("%w: %q", toll.ErrUnsupportedNetwork, s.network)
	}

	client, err := NewClient(s.serviceURL, s.auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", toll.ErrConfig, err)
	}
	s.client = client

	account, err := CreateOrGetAccount(context.Background(), s.client, s.accountName, s.network)
	if err != nil {
		return nil, fmt.Errorf("resolve account %q: %w", s.accountName, err)
	}
	s.address = account.Address

	return s, nil
}

// WithServiceURL sets the wallet service base URL.
func WithServiceURL(serviceURL string) SignerOption {
	return func(s *Signer) error {
		s.serviceURL = serviceURL
		return nil
	}
}

// WithCredentials sets the API key id and its PEM-encoded P-256 private key.
func WithCredentials(keyID, pemKey string) SignerOption {
	return func(s *Signer) error {
		auth, err := NewAuth(keyID, pemKey)
		if err != nil {
			return fmt.Errorf("%w: %v", toll.ErrConfig, err)
		}
		s.auth = auth
		return nil
	}
}

// WithCredentialsFromEnv loads credentials from TOLL_WALLET_KEY_ID and
// TOLL_WALLET_KEY_SECRET.
func WithCredentialsFromEnv() SignerOption {
	return func(s *Signer) error {
		keyID := os.Getenv("TOLL_WALLET_KEY_ID")
		pemKey := os.Getenv("TOLL_WALLET_KEY_SECRET")
		if keyID == "" || pemKey == "" {
			return fmt.Errorf("%w: TOLL_WALLET_KEY_ID and TOLL_WALLET_KEY_SECRET must be set", toll.ErrConfig)
		}
		auth, err := NewAuth(keyID, pemKey)
		if err != nil {
			return fmt.Errorf("%w: %v", toll.ErrConfig, err)
		}
		s.auth = auth
		return nil
	}
}

// WithAccountName names the service-side account to pay from.
func WithAccountName(name string) SignerOption {
	return func(s *Signer) error {
		s.accountName = name
		return nil
	}
}

// WithNetwork sets the network the account lives on.
func WithNetwork(name string) SignerOption {
	return func(s *Signer) error {
		s.network = name
		return nil
	}
}

// WithPriority sets the selection priority relative to other signers.
func WithPriority(priority int) SignerOption {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithMaxAmount caps the amount this signer will authorize per call.
func WithMaxAmount(max toll.Amount) SignerOption {
	return func(s *Signer) error {
		if max <= 0 {
			return fmt.Errorf("%w: max amount must be positive", toll.ErrConfig)
		}
		s.maxAmount = max
		return nil
	}
}

type signRequest struct {
	Scheme    string      `json:"scheme"`
	Network   string      `json:"network"`
	Payer     string      `json:"payer"`
	Recipient string      `json:"recipient"`
	Amount    toll.Amount `json:"amount"`
	Resource  string      `json:"resource"`
	Nonce     string      `json:"nonce"`
	ExpiresAt int64       `json:"expiresAt,omitempty"`
	FeePayer  string      `json:"feePayer,omitempty"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

type balanceResponse struct {
	Balance toll.Amount `json:"balance"`
}

// Address returns the account's payer address.
func (s *Signer) Address() string {
	return s.address
}

// AccountName returns the service-side account name.
func (s *Signer) AccountName() string {
	return s.accountName
}

// CanSign reports whether this signer can pay the given requirement.
func (s *Signer) CanSign(req toll.PaymentRequirements) bool {
	return req.Scheme == toll.SchemeExact && req.Network == s.network
}

// Sign submits the authorization to the wallet service and wraps the
// returned signature into the wire payload.
func (s *Signer) Sign(auth toll.UnsignedAuthorization) (*toll.PaymentPayload, error) {
	if auth.Payer != s.address {
		return nil, fmt.Errorf("%w: authorization payer %s is not this signer", toll.ErrSigning, auth.Payer)
	}
	if auth.Network != s.network {
		return nil, fmt.Errorf("%w: %q", toll.ErrUnsupportedNetwork, auth.Network)
	}

	req := signRequest{
		Scheme:    auth.Scheme,
		Network:   auth.Network,
		Payer:     auth.Payer,
		Recipient: auth.Recipient,
		Amount:    auth.Amount,
		Resource:  auth.Resource,
		Nonce:     auth.Nonce,
		ExpiresAt: auth.ExpiresAt,
		FeePayer:  auth.FeePayer,
	}

	var resp signResponse
	path := fmt.Sprintf("/v1/accounts/%s/sign", url.PathEscape(s.address))
	if err := s.client.do(context.Background(), http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", toll.ErrSigning, err)
	}
	if resp.Signature == "" {
		return nil, fmt.Errorf("%w: service returned an empty signature", toll.ErrSigning)
	}

	return auth.Payload(resp.Signature), nil
}

// Balance implements toll.BalanceReader against the service's balance
// endpoint.
func (s *Signer) Balance(ctx context.Context, address string) (toll.Amount, error) {
	path := fmt.Sprintf("/v1/accounts/%s/balance?network=%s", url.PathEscape(address), url.QueryEscape(s.network))
	var resp balanceResponse
	if err := s.client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// Priority returns the signer's selection priority.
func (s *Signer) Priority() int {
	return s.priority
}

// MaxAmount returns the per-call spend cap. Zero means no cap.
func (s *Signer) MaxAmount() toll.Amount {
	return s.maxAmount
}
