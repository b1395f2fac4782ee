package remote

import (
	"context"
	"fmt"
	"net/http"
)

// Account is one wallet the service holds keys for. An account is bound to a
// single network; its address form follows the network kind (0x-hex for EVM,
// base58 for SVM).
type Account struct {
	// Name is the caller-chosen identifier, unique per project.
	Name string `json:"name"`

	// Address is the account's payer address on its network.
	Address string `json:"address"`

	// Network is the network the account lives on.
	Network string `json:"network"`
}

type createAccountRequest struct {
	Name    string `json:"name"`
	Network string `json:"network"`
}

type listAccountsResponse struct {
	Accounts []Account `json:"accounts"`
}

// CreateOrGetAccount resolves the named account on the given network,
// creating it when the service does not hold one yet. The GET-then-POST
// sequence keeps repeated calls idempotent: an existing account is returned
// as is, never duplicated.
func CreateOrGetAccount(ctx context.Context, client *Client, name, network string) (*Account, error) {
	var listResp listAccountsResponse
	if err := client.do(ctx, http.MethodGet, "/v1/accounts", nil, &listResp); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	for _, account := range listResp.Accounts {
		if account.Name == name && account.Network == network {
			return &account, nil
		}
	}

	var created Account
	req := createAccountRequest{Name: name, Network: network}
	if err := client.do(ctx, http.MethodPost, "/v1/accounts", req, &created); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if created.Address == "" {
		return nil, fmt.Errorf("remote: service returned an account without an address")
	}
	return &created, nil
}
