// Package toll implements a pay-per-request access protocol layered on HTTP.
// A seller gates routes behind a 402 challenge, a buyer signs a payment
// authorization and retries once, and a facilitator verifies and settles the
// payment on a ledger. This package holds the shared protocol types and the
// network registry; the http, grpc and mcp packages carry the transport
// bindings, and the signers packages carry the ledger-specific signing.
package toll

import "fmt"

// NetworkKind classifies how payments are signed and settled on a network.
type NetworkKind int

const (
	// NetworkKindUnknown represents an unrecognized network.
	NetworkKindUnknown NetworkKind = iota
	// NetworkKindEVM represents Ethereum Virtual Machine chains.
	NetworkKindEVM
	// NetworkKindSVM represents Solana Virtual Machine chains.
	NetworkKindSVM
)

// Network describes a settlement network the protocol can run on.
type Network struct {
	// Name is the protocol-level identifier carried in requirements and
	// payloads (e.g. "testnet", "base", "solana").
	Name string

	// Kind selects the signing scheme used on this network.
	Kind NetworkKind

	// ChainID is the EVM chain id used in signature domains; zero for
	// non-EVM networks.
	ChainID int64

	// Testnet marks networks whose settlements move no real value.
	Testnet bool
}

// Built-in network definitions. "testnet" and "mainnet" are the generic
// names used by single-network deployments; the chain-qualified names match
// the identifiers facilitators advertise.
var (
	// Testnet is the generic development network. Its chain id is the
	// conventional local-devnet id so EVM signers work against anvil or
	// hardhat nodes out of the box.
	Testnet = Network{Name: "testnet", Kind: NetworkKindEVM, ChainID: 31337, Testnet: true}

	// Mainnet is the generic production EVM network.
	Mainnet = Network{Name: "mainnet", Kind: NetworkKindEVM, ChainID: 1}

	// Base is Base mainnet.
	Base = Network{Name: "base", Kind: NetworkKindEVM, ChainID: 8453}

	// BaseSepolia is the Base Sepolia testnet.
	BaseSepolia = Network{Name: "base-sepolia", Kind: NetworkKindEVM, ChainID: 84532, Testnet: true}

	// Polygon is Polygon PoS mainnet.
	Polygon = Network{Name: "polygon", Kind: NetworkKindEVM, ChainID: 137}

	// PolygonAmoy is the Polygon Amoy testnet.
	PolygonAmoy = Network{Name: "polygon-amoy", Kind: NetworkKindEVM, ChainID: 80002, Testnet: true}

	// Avalanche is Avalanche C-Chain mainnet.
	Avalanche = Network{Name: "avalanche", Kind: NetworkKindEVM, ChainID: 43114}

	// AvalancheFuji is the Avalanche Fuji testnet.
	AvalancheFuji = Network{Name: "avalanche-fuji", Kind: NetworkKindEVM, ChainID: 43113, Testnet: true}

	// Solana is Solana mainnet.
	Solana = Network{Name: "solana", Kind: NetworkKindSVM}

	// SolanaDevnet is the Solana devnet.
	SolanaDevnet = Network{Name: "solana-devnet", Kind: NetworkKindSVM, Testnet: true}
)

var networks = map[string]Network{
	Testnet.Name:       Testnet,
	Mainnet.Name:       Mainnet,
	Base.Name:          Base,
	BaseSepolia.Name:   BaseSepolia,
	Polygon.Name:       Polygon,
	PolygonAmoy.Name:   PolygonAmoy,
	Avalanche.Name:     Avalanche,
	AvalancheFuji.Name: AvalancheFuji,
	Solana.Name:        Solana,
	SolanaDevnet.Name:  SolanaDevnet,
}

// LookupNetwork returns the named network from the registry.
func LookupNetwork(name string) (Network, bool) {
	n, ok := networks[name]
	return n, ok
}

// ValidateNetwork validates a network identifier and returns its kind, or
// ErrUnsupportedNetwork for names not in the registry.
func ValidateNetwork(name string) (NetworkKind, error) {
	if name == "" {
		return NetworkKindUnknown, fmt.Errorf("%w: network name is empty", ErrUnsupportedNetwork)
	}
	n, ok := networks[name]
	if !ok {
		return NetworkKindUnknown, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, name)
	}
	return n.Kind, nil
}

// RegisterNetwork adds or replaces a network in the registry. Registration
// belongs in startup wiring: the registry is read-only once traffic flows
// and is not synchronized for concurrent mutation.
func RegisterNetwork(n Network) error {
	if n.Name == "" {
		return fmt.Errorf("%w: network name is empty", ErrConfig)
	}
	if n.Kind == NetworkKindUnknown {
		return fmt.Errorf("%w: network %q has no kind", ErrConfig, n.Name)
	}
	if n.Kind == NetworkKindEVM && n.ChainID == 0 {
		return fmt.Errorf("%w: EVM network %q needs a chain id", ErrConfig, n.Name)
	}
	networks[n.Name] = n
	return nil
}
