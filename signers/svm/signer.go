// Package svm signs toll payment authorizations for SVM networks. The
// signature field of the payload carries a base64 partially signed transfer
// transaction: the payer signs it here, the facilitator co-signs as fee
// payer and submits it at settlement. Keys load from a base58 string or a
// Solana CLI keygen file.
package svm

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	toll "github.com/tollware/toll-go"
)

// BlockhashFunc supplies the recent blockhash a transaction is anchored to.
// The default implementation asks the network's RPC endpoint.
type BlockhashFunc func(ctx context.Context) (solana.Hash, error)

// Signer signs toll payment authorizations with an ed25519 key for one or
// more SVM networks.
type Signer struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
	networks   []string
	priority   int
	maxAmount  toll.Amount
	rpcURL     string
	blockhash  BlockhashFunc
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner builds a Signer from the given options. A key and at least one
// SVM network are required.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if len(s.privateKey) == 0 {
		return nil, toll.ErrInvalidKey
	}
	if len(s.networks) == 0 {
		return nil, fmt.Errorf("%w: signer needs at least one network", toll.ErrConfig)
	}
	for _, name := range s.networks {
		network, ok := toll.LookupNetwork(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", toll.ErrUnsupportedNetwork, name)
		}
		if network.Kind != toll.NetworkKindSVM {
			return nil, fmt.Errorf("%w: %q is not an SVM network", toll.ErrUnsupportedNetwork, name)
		}
	}

	s.publicKey = s.privateKey.PublicKey()
	return s, nil
}

// WithPrivateKey sets the signing key from a base58 string.
func WithPrivateKey(base58Key string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return fmt.Errorf("%w: %v", toll.ErrInvalidKey, err)
		}
		if len(privateKey) != 64 {
			return fmt.Errorf("%w: key must be 64 bytes, got %d", toll.ErrInvalidKey, len(privateKey))
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithKeygenFile loads the signing key from a Solana CLI keygen JSON file.
func WithKeygenFile(path string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := solana.PrivateKeyFromSolanaKeygenFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", toll.ErrInvalidKeystore, err)
		}
		if len(privateKey) != 64 {
			return fmt.Errorf("%w: key must be 64 bytes, got %d", toll.ErrInvalidKeystore, len(privateKey))
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithNetwork adds one network the signer will pay on.
func WithNetwork(name string) SignerOption {
	return func(s *Signer) error {
		s.networks = append(s.networks, name)
		return nil
	}
}

// WithNetworks adds several networks at once.
func WithNetworks(names ...string) SignerOption {
	return func(s *Signer) error {
		s.networks = append(s.networks, names...)
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

// WithRPCEndpoint overrides the RPC endpoint used to fetch recent
// blockhashes. Required for SVM networks registered outside the defaults.
func WithRPCEndpoint(url string) SignerOption {
	return func(s *Signer) error {
		s.rpcURL = url
		return nil
	}
}

// WithBlockhashFunc replaces blockhash resolution entirely. The RPC endpoint
// is not contacted when this is set.
func WithBlockhashFunc(fn BlockhashFunc) SignerOption {
	return func(s *Signer) error {
		s.blockhash = fn
		return nil
	}
}

// Address returns the signer's public key in base58.
func (s *Signer) Address() string {
	return s.publicKey.String()
}

// CanSign reports whether this signer can pay the given requirement.
func (s *Signer) CanSign(req toll.PaymentRequirements) bool {
	if req.Scheme != toll.SchemeExact {
		return false
	}
	for _, network := range s.networks {
		if network == req.Network {
			return true
		}
	}
	return false
}

// Sign builds and partially signs the transfer transaction for an
// authorization, leaving the fee payer signature slot empty for the
// facilitator.
func (s *Signer) Sign(auth toll.UnsignedAuthorization) (*toll.PaymentPayload, error) {
	if auth.Payer != s.Address() {
		return nil, fmt.Errorf("%w: authorization payer %s is not this signer", toll.ErrSigning, auth.Payer)
	}
	network, ok := toll.LookupNetwork(auth.Network)
	if !ok || network.Kind != toll.NetworkKindSVM {
		return nil, fmt.Errorf("%w: %q", toll.ErrUnsupportedNetwork, auth.Network)
	}

	recipient, err := solana.PublicKeyFromBase58(auth.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient %q: %v", toll.ErrSigning, auth.Recipient, err)
	}

	// Without a facilitator fee payer the payer fronts its own fees.
	feePayer := s.publicKey
	if auth.FeePayer != "" {
		feePayer, err = solana.PublicKeyFromBase58(auth.FeePayer)
		if err != nil {
			return nil, fmt.Errorf("%w: fee payer %q: %v", toll.ErrSigning, auth.FeePayer, err)
		}
	}

	blockhash, err := s.recentBlockhash(context.Background(), auth.Network)
	if err != nil {
		return nil, err
	}

	txBase64, err := BuildPartiallySignedTransfer(
		s.privateKey,
		s.publicKey,
		recipient,
		uint64(auth.Amount),
		feePayer,
		auth.Nonce,
		blockhash,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", toll.ErrSigning, err)
	}

	return auth.Payload(txBase64), nil
}

// Priority returns the signer's selection priority.
func (s *Signer) Priority() int {
	return s.priority
}

// MaxAmount returns the per-call spend cap. Zero means no cap.
func (s *Signer) MaxAmount() toll.Amount {
	return s.maxAmount
}

func (s *Signer) recentBlockhash(ctx context.Context, network string) (solana.Hash, error) {
	if s.blockhash != nil {
		return s.blockhash(ctx)
	}
	endpoint := s.rpcURL
	if endpoint == "" {
		var err error
		endpoint, err = defaultRPCEndpoint(network)
		if err != nil {
			return solana.Hash{}, err
		}
	}
	out, err := rpc.New(endpoint).GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("%w: fetch blockhash from %s: %v", toll.ErrSigning, endpoint, err)
	}
	return out.Value.Blockhash, nil
}

func defaultRPCEndpoint(network string) (string, error) {
	switch network {
	case "solana":
		return rpc.MainNetBeta_RPC, nil
	case "solana-devnet":
		return rpc.DevNet_RPC, nil
	default:
		return "", fmt.Errorf("%w: no default RPC endpoint for %q, set WithRPCEndpoint", toll.ErrConfig, network)
	}
}

// BuildPartiallySignedTransfer assembles the transfer transaction for one
// payment: compute budget caps, a system transfer of the amount in lamports,
// and a memo carrying the authorization nonce so the settled transaction is
// traceable to exactly one payload. Only the payer signature is filled in.
func BuildPartiallySignedTransfer(
	payerKey solana.PrivateKey,
	payer solana.PublicKey,
	recipient solana.PublicKey,
	lamports uint64,
	feePayer solana.PublicKey,
	nonce string,
	blockhash solana.Hash,
) (string, error) {
	transfer := system.NewTransferInstruction(lamports, payer, recipient).Build()

	instructions := []solana.Instruction{
		buildSetComputeUnitLimitInstruction(200_000),
		buildSetComputeUnitPriceInstruction(10_000),
		transfer,
		buildMemoInstruction(nonce),
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &payerKey
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(txBytes), nil
}

// ComputeBudgetProgramID is the Solana compute budget program.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// MemoProgramID is the SPL memo program.
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

// buildSetComputeUnitLimitInstruction encodes [2, units (u32 LE)].
func buildSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	data[1] = byte(units)
	data[2] = byte(units >> 8)
	data[3] = byte(units >> 16)
	data[4] = byte(units >> 24)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// buildSetComputeUnitPriceInstruction encodes [3, microlamports (u64 LE)].
func buildSetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	for i := 0; i < 8; i++ {
		data[1+i] = byte(microlamports >> (8 * i))
	}
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// buildMemoInstruction carries the nonce as memo data inside the signed
// message.
func buildMemoInstruction(nonce string) solana.Instruction {
	return solana.NewInstruction(MemoProgramID, solana.AccountMetaSlice{}, []byte(nonce))
}
