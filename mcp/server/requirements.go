package server

import (
	toll "github.com/tollware/toll-go"
)

// Require builds the single payment option most payable tools need: amount
// units on network, paid to recipient, under the exact scheme. The resource
// is stamped by AddPayableTool, so the result can be passed to it directly:
//
//	srv.AddPayableTool(tool, handler, server.Require("base", 100, seller))
//
// Set Description or ExpiresAt on the returned value for anything fancier,
// or build toll.PaymentRequirements by hand.
func Require(network string, amount toll.Amount, recipient string) toll.PaymentRequirements {
	return toll.PaymentRequirements{
		Scheme:    toll.SchemeExact,
		Network:   network,
		Amount:    amount,
		Recipient: recipient,
	}
}
