package toll

import "fmt"

// Requirements turns a matched route into the PaymentRequirements offered in
// a challenge. resource is the request path being gated. The price and
// network are validated again here so hand-built routes fail with ErrConfig
// instead of producing a malformed challenge; routes from a RouteTable have
// already passed the same checks.
//
// The caller stamps Recipient, ExpiresAt and FeePayer: those belong to the
// seller's configuration, not to the route.
func (r Route) Requirements(resource string) (PaymentRequirements, error) {
	amount, err := ParseAmount(r.Price)
	if err != nil {
		return PaymentRequirements{}, fmt.Errorf("%w: route %s: price %q", ErrConfig, r.Pattern, r.Price)
	}
	if _, err := ValidateNetwork(r.Network); err != nil {
		return PaymentRequirements{}, fmt.Errorf("%w: route %s: %v", ErrConfig, r.Pattern, err)
	}
	description := r.Description
	if description == "" {
		description = "Payment required for " + resource
	}
	return PaymentRequirements{
		Scheme:      SchemeExact,
		Network:     r.Network,
		Amount:      amount,
		Resource:    resource,
		Description: description,
	}, nil
}
