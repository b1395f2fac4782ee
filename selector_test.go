package toll

import (
	"errors"
	"strings"
	"testing"
)

// mockSelectorSigner implements Signer plus both optional capability
// interfaces. A zero maxAmount means no spending limit.
type mockSelectorSigner struct {
	address    string
	networks   []string
	priority   int
	maxAmount  Amount
	signErr    error
	signCalled bool
	rewrite    func(*PaymentPayload)
}

func (m *mockSelectorSigner) Address() string { return m.address }

func (m *mockSelectorSigner) CanSign(req PaymentRequirements) bool {
	if req.Scheme != SchemeExact {
		return false
	}
	for _, n := range m.networks {
		if n == req.Network {
			return true
		}
	}
	return false
}

func (m *mockSelectorSigner) Sign(auth UnsignedAuthorization) (*PaymentPayload, error) {
	m.signCalled = true
	if m.signErr != nil {
		return nil, m.signErr
	}
	payment := auth.Payload("0xmocksignature")
	if m.rewrite != nil {
		m.rewrite(payment)
	}
	return payment, nil
}

func (m *mockSelectorSigner) Priority() int     { return m.priority }
func (m *mockSelectorSigner) MaxAmount() Amount { return m.maxAmount }

// plainSelectorSigner implements only the core Signer interface, with
// neither PrioritySigner nor SpendLimiter.
type plainSelectorSigner struct {
	address    string
	network    string
	signCalled bool
}

func (p *plainSelectorSigner) Address() string { return p.address }

func (p *plainSelectorSigner) CanSign(req PaymentRequirements) bool {
	return req.Scheme == SchemeExact && req.Network == p.network
}

func (p *plainSelectorSigner) Sign(auth UnsignedAuthorization) (*PaymentPayload, error) {
	p.signCalled = true
	return auth.Payload("0xplainsignature"), nil
}

func selectorRequirements(network string, amount Amount) PaymentRequirements {
	return PaymentRequirements{
		Scheme:    SchemeExact,
		Network:   network,
		Recipient: "0xSellerRecipient",
		Amount:    amount,
		Resource:  "/api/protected/weather",
	}
}

func TestDefaultPaymentSelector_SelectAndSign_NoSigners(t *testing.T) {
	selector := NewDefaultPaymentSelector()

	_, err := selector.SelectAndSign([]PaymentRequirements{selectorRequirements("testnet", 10)}, nil)
	if err == nil {
		t.Fatal("expected error with no signers, got nil")
	}

	paymentErr, ok := err.(*PaymentError)
	if !ok {
		t.Fatalf("expected PaymentError, got %T", err)
	}
	if paymentErr.Code != ErrCodeNoValidSigner {
		t.Errorf("expected error code %s, got %s", ErrCodeNoValidSigner, paymentErr.Code)
	}
	if !errors.Is(err, ErrNoValidSigner) {
		t.Error("expected error to wrap ErrNoValidSigner")
	}
}

func TestDefaultPaymentSelector_SelectAndSign_NoAccepts(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &mockSelectorSigner{address: "0xPayer", networks: []string{"testnet"}}

	_, err := selector.SelectAndSign(nil, []Signer{signer})
	if err == nil {
		t.Fatal("expected error with empty accepts, got nil")
	}

	paymentErr, ok := err.(*PaymentError)
	if !ok {
		t.Fatalf("expected PaymentError, got %T", err)
	}
	if paymentErr.Code != ErrCodeInvalidRequirements {
		t.Errorf("expected error code %s, got %s", ErrCodeInvalidRequirements, paymentErr.Code)
	}
}

func TestDefaultPaymentSelector_SelectAndSign_InvalidAmount(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &mockSelectorSigner{address: "0xPayer", networks: []string{"testnet"}}

	_, err := selector.SelectAndSign([]PaymentRequirements{selectorRequirements("testnet", 0)}, []Signer{signer})
	if err == nil {
		t.Fatal("expected error with zero amount, got nil")
	}

	paymentErr, ok := err.(*PaymentError)
	if !ok {
		t.Fatalf("expected PaymentError, got %T", err)
	}
	if paymentErr.Code != ErrCodeInvalidRequirements {
		t.Errorf("expected error code %s, got %s", ErrCodeInvalidRequirements, paymentErr.Code)
	}
	if signer.signCalled {
		t.Error("Sign should not be called for invalid requirements")
	}
}

func TestDefaultPaymentSelector_SelectAndSign_SignerPriority(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	low := &mockSelectorSigner{address: "0xLow", networks: []string{"testnet"}, priority: 2}
	high := &mockSelectorSigner{address: "0xHigh", networks: []string{"testnet"}, priority: 1}
	lowest := &mockSelectorSigner{address: "0xLowest", networks: []string{"testnet"}, priority: 3}

	payment, err := selector.SelectAndSign(
		[]PaymentRequirements{selectorRequirements("testnet", 10)},
		[]Signer{low, high, lowest},
	)
	if err != nil {
		t.Fatalf("SelectAndSign() error = %v", err)
	}

	if payment.Payer != "0xHigh" {
		t.Errorf("Payer = %q, want the lowest priority number signer 0xHigh", payment.Payer)
	}
	if !high.signCalled {
		t.Error("selected signer was not asked to sign")
	}
	if low.signCalled || lowest.signCalled {
		t.Error("only the winning candidate should be signed")
	}
}

func TestDefaultPaymentSelector_SelectAndSign_ConfigurationOrder(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	first := &mockSelectorSigner{address: "0xFirst", networks: []string{"testnet"}}
	second := &mockSelectorSigner{address: "0xSecond", networks: []string{"testnet"}}

	payment, err := selector.SelectAndSign(
		[]PaymentRequirements{selectorRequirements("testnet", 10)},
		[]Signer{first, second},
	)
	if err != nil {
		t.Fatalf("SelectAndSign() error = %v", err)
	}

	if payment.Payer != "0xFirst" {
		t.Errorf("Payer = %q, want first configured signer at equal priority", payment.Payer)
	}
}

func TestDefaultPaymentSelector_SelectAndSign_RequirementOrder(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &mockSelectorSigner{address: "0xPayer", networks: []string{"testnet", "base"}}

	// One signer able to pay either option signs the seller's first choice.
	payment, err := selector.SelectAndSign(
		[]PaymentRequirements{
			selectorRequirements("base", 20),
			selectorRequirements("testnet", 10),
		},
		[]Signer{signer},
	)
	if err != nil {
		t.Fatalf("SelectAndSign() error = %v", err)
	}

	if payment.Network != "base" {
		t.Errorf("Network = %q, want the seller's first accepted option", payment.Network)
	}
	if payment.Amount != 20 {
		t.Errorf("Amount = %d, want 20", payment.Amount)
	}
}

func TestDefaultPaymentSelector_SelectAndSign_SignerOrderBeatsRequirementOrder(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	baseSigner := &mockSelectorSigner{address: "0xBase", networks: []string{"base"}}
	solanaSigner := &mockSelectorSigner{address: "0xSolana", networks: []string{"solana"}}

	// The seller prefers solana, but the buyer configured the base signer
	// first. At equal priority, signer configuration order wins.
	payment, err := selector.SelectAndSign(
		[]PaymentRequirements{
			selectorRequirements("solana", 10),
			selectorRequirements("base", 10),
		},
		[]Signer{baseSigner, solanaSigner},
	)
	if err != nil {
		t.Fatalf("SelectAndSign() error = %v", err)
	}

	if payment.Payer != "0xBase" {
		t.Errorf("Payer = %q, want 0xBase", payment.Payer)
	}
	if payment.Network != "base" {
		t.Errorf("Network = %q, want base", payment.Network)
	}
}

func TestDefaultPaymentSelector_SelectAndSign_SpendLimit(t *testing.T) {
	t.Run("all signers over limit", func(t *testing.T) {
		selector := NewDefaultPaymentSelector()
		signer := &mockSelectorSigner{address: "0xCapped", networks: []string{"testnet"}, maxAmount: 500}

		_, err := selector.SelectAndSign(
			[]PaymentRequirements{selectorRequirements("testnet", 1000)},
			[]Signer{signer},
		)
		if err == nil {
			t.Fatal("expected error when amount exceeds every limit, got nil")
		}

		paymentErr, ok := err.(*PaymentError)
		if !ok {
			t.Fatalf("expected PaymentError, got %T", err)
		}
		if paymentErr.Code != ErrCodeAmountExceeded {
			t.Errorf("expected error code %s, got %s", ErrCodeAmountExceeded, paymentErr.Code)
		}
		if !errors.Is(err, ErrAmountExceeded) {
			t.Error("expected error to wrap ErrAmountExceeded")
		}
	})

	t.Run("falls through to unlimited signer", func(t *testing.T) {
		selector := NewDefaultPaymentSelector()
		capped := &mockSelectorSigner{address: "0xCapped", networks: []string{"testnet"}, maxAmount: 500}
		unlimited := &mockSelectorSigner{address: "0xUnlimited", networks: []string{"testnet"}}

		payment, err := selector.SelectAndSign(
			[]PaymentRequirements{selectorRequirements("testnet", 1000)},
			[]Signer{capped, unlimited},
		)
		if err != nil {
			t.Fatalf("SelectAndSign() error = %v", err)
		}
		if payment.Payer != "0xUnlimited" {
			t.Errorf("Payer = %q, want 0xUnlimited", payment.Payer)
		}
		if capped.signCalled {
			t.Error("over-limit signer should never be asked to sign")
		}
	})

	t.Run("amount at limit is allowed", func(t *testing.T) {
		selector := NewDefaultPaymentSelector()
		signer := &mockSelectorSigner{address: "0xCapped", networks: []string{"testnet"}, maxAmount: 1000}

		payment, err := selector.SelectAndSign(
			[]PaymentRequirements{selectorRequirements("testnet", 1000)},
			[]Signer{signer},
		)
		if err != nil {
			t.Fatalf("SelectAndSign() error = %v", err)
		}
		if payment.Amount != 1000 {
			t.Errorf("Amount = %d, want 1000", payment.Amount)
		}
	})
}

func TestDefaultPaymentSelector_SelectAndSign_NoMatchingNetwork(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &mockSelectorSigner{address: "0xPayer", networks: []string{"base"}}

	_, err := selector.SelectAndSign(
		[]PaymentRequirements{selectorRequirements("solana", 10)},
		[]Signer{signer},
	)
	if err == nil {
		t.Fatal("expected error with no capable signer, got nil")
	}

	paymentErr, ok := err.(*PaymentError)
	if !ok {
		t.Fatalf("expected PaymentError, got %T", err)
	}
	if paymentErr.Code != ErrCodeNoValidSigner {
		t.Errorf("expected error code %s, got %s", ErrCodeNoValidSigner, paymentErr.Code)
	}
	if _, ok := paymentErr.Details["solana"]; !ok {
		t.Error("expected details to list the unpayable network")
	}
}

func TestDefaultPaymentSelector_SelectAndSign_SignError(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &mockSelectorSigner{
		address:  "0xPayer",
		networks: []string{"testnet"},
		signErr:  errors.New("hsm offline"),
	}

	_, err := selector.SelectAndSign(
		[]PaymentRequirements{selectorRequirements("testnet", 10)},
		[]Signer{signer},
	)
	if err == nil {
		t.Fatal("expected error when signing fails, got nil")
	}

	paymentErr, ok := err.(*PaymentError)
	if !ok {
		t.Fatalf("expected PaymentError, got %T", err)
	}
	if paymentErr.Code != ErrCodeSigningFailed {
		t.Errorf("expected error code %s, got %s", ErrCodeSigningFailed, paymentErr.Code)
	}
	if !strings.Contains(err.Error(), "hsm offline") {
		t.Errorf("error should carry the signer's failure, got %q", err.Error())
	}
}

func TestDefaultPaymentSelector_SelectAndSign_TamperedPayload(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &mockSelectorSigner{
		address:  "0xPayer",
		networks: []string{"testnet"},
		rewrite:  func(p *PaymentPayload) { p.Amount++ },
	}

	_, err := selector.SelectAndSign(
		[]PaymentRequirements{selectorRequirements("testnet", 10)},
		[]Signer{signer},
	)
	if err == nil {
		t.Fatal("expected error when signer rewrites authorization fields, got nil")
	}

	paymentErr, ok := err.(*PaymentError)
	if !ok {
		t.Fatalf("expected PaymentError, got %T", err)
	}
	if paymentErr.Code != ErrCodeSigningFailed {
		t.Errorf("expected error code %s, got %s", ErrCodeSigningFailed, paymentErr.Code)
	}
}

func TestDefaultPaymentSelector_SelectAndSign_PayloadFields(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &mockSelectorSigner{address: "0xPayer", networks: []string{"testnet"}}
	req := selectorRequirements("testnet", 10)
	req.ExpiresAt = 1700000600

	payment, err := selector.SelectAndSign([]PaymentRequirements{req}, []Signer{signer})
	if err != nil {
		t.Fatalf("SelectAndSign() error = %v", err)
	}

	if payment.TollVersion != ProtocolVersion {
		t.Errorf("TollVersion = %d, want %d", payment.TollVersion, ProtocolVersion)
	}
	if payment.Scheme != req.Scheme || payment.Network != req.Network {
		t.Errorf("scheme/network = %s/%s, want %s/%s", payment.Scheme, payment.Network, req.Scheme, req.Network)
	}
	if payment.Payer != "0xPayer" {
		t.Errorf("Payer = %q, want 0xPayer", payment.Payer)
	}
	if payment.Recipient != req.Recipient {
		t.Errorf("Recipient = %q, want %q", payment.Recipient, req.Recipient)
	}
	if payment.Amount != req.Amount {
		t.Errorf("Amount = %d, want %d", payment.Amount, req.Amount)
	}
	if payment.Resource != req.Resource {
		t.Errorf("Resource = %q, want %q", payment.Resource, req.Resource)
	}
	if payment.ExpiresAt != req.ExpiresAt {
		t.Errorf("ExpiresAt = %d, want %d", payment.ExpiresAt, req.ExpiresAt)
	}
	if payment.Signature != "0xmocksignature" {
		t.Errorf("Signature = %q, want the signer's signature", payment.Signature)
	}
	if !strings.HasPrefix(payment.Nonce, "0x") || len(payment.Nonce) != 66 {
		t.Errorf("Nonce = %q, want 0x-prefixed 32-byte hex", payment.Nonce)
	}
}

func TestDefaultPaymentSelector_SelectAndSign_FreshNoncePerCall(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &mockSelectorSigner{address: "0xPayer", networks: []string{"testnet"}}
	accepts := []PaymentRequirements{selectorRequirements("testnet", 10)}

	first, err := selector.SelectAndSign(accepts, []Signer{signer})
	if err != nil {
		t.Fatalf("SelectAndSign() error = %v", err)
	}
	second, err := selector.SelectAndSign(accepts, []Signer{signer})
	if err != nil {
		t.Fatalf("SelectAndSign() error = %v", err)
	}

	if first.Nonce == second.Nonce {
		t.Error("each payment attempt must draw a fresh nonce")
	}
}

func TestDefaultPaymentSelector_SelectAndSign_PlainSigner(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	plain := &plainSelectorSigner{address: "0xPlain", network: "testnet"}
	deprioritized := &mockSelectorSigner{address: "0xBackup", networks: []string{"testnet"}, priority: 5}

	// A signer without PrioritySigner defaults to priority 0 and wins over
	// any positive priority number.
	payment, err := selector.SelectAndSign(
		[]PaymentRequirements{selectorRequirements("testnet", 10)},
		[]Signer{deprioritized, plain},
	)
	if err != nil {
		t.Fatalf("SelectAndSign() error = %v", err)
	}

	if payment.Payer != "0xPlain" {
		t.Errorf("Payer = %q, want 0xPlain", payment.Payer)
	}
	if !plain.signCalled {
		t.Error("plain signer was not asked to sign")
	}
}

func TestFindMatchingRequirement(t *testing.T) {
	accepts := []PaymentRequirements{
		selectorRequirements("base", 20),
		selectorRequirements("testnet", 10),
	}

	t.Run("match on scheme and network", func(t *testing.T) {
		payment := &PaymentPayload{Scheme: SchemeExact, Network: "testnet"}
		req, err := FindMatchingRequirement(payment, accepts)
		if err != nil {
			t.Fatalf("FindMatchingRequirement() error = %v", err)
		}
		if req.Network != "testnet" || req.Amount != 10 {
			t.Errorf("matched %s/%d, want testnet/10", req.Network, req.Amount)
		}
	})

	t.Run("no match", func(t *testing.T) {
		payment := &PaymentPayload{Scheme: SchemeExact, Network: "polygon"}
		_, err := FindMatchingRequirement(payment, accepts)
		if err == nil {
			t.Fatal("expected error for unmatched network, got nil")
		}
		if !errors.Is(err, ErrUnsupportedScheme) {
			t.Errorf("expected ErrUnsupportedScheme, got %v", err)
		}
	})

	t.Run("scheme mismatch", func(t *testing.T) {
		payment := &PaymentPayload{Scheme: "deferred", Network: "testnet"}
		_, err := FindMatchingRequirement(payment, accepts)
		if err == nil {
			t.Fatal("expected error for unmatched scheme, got nil")
		}
	})
}
