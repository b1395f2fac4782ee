package toll

import (
	"fmt"
	"strings"
)

// Route gates one path pattern behind a price on a network.
type Route struct {
	// Pattern matches request paths. A plain pattern matches exactly; a
	// pattern ending in "/*" matches the prefix itself and everything
	// under it ("/api/*" matches "/api" and "/api/reports/1").
	Pattern string

	// Price is the charge for one request, in the smallest unit of the
	// network's currency, as a decimal integer string.
	Price string

	// Network names the settlement network for this route.
	Network string

	// Description is an optional human-readable summary shown to buyers
	// in the challenge.
	Description string
}

// validate rejects a malformed route. Wraps ErrConfig.
func (r Route) validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("%w: route pattern is empty", ErrConfig)
	}
	if !strings.HasPrefix(r.Pattern, "/") {
		return fmt.Errorf("%w: route pattern %q must start with /", ErrConfig, r.Pattern)
	}
	if _, err := ParseAmount(r.Price); err != nil {
		return fmt.Errorf("%w: route %s: price %q must be a positive integer", ErrConfig, r.Pattern, r.Price)
	}
	if _, err := ValidateNetwork(r.Network); err != nil {
		return fmt.Errorf("%w: route %s: %v", ErrConfig, r.Pattern, err)
	}
	return nil
}

// match reports whether the route's pattern matches the path.
func (r Route) match(path string) bool {
	if prefix, ok := strings.CutSuffix(r.Pattern, "/*"); ok {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == r.Pattern
}

// RouteTable is an ordered set of gated routes. Declaration order is the
// only overlap rule: Match returns the first pattern that matches the path,
// so more specific patterns must be listed before broader ones. The table is
// validated once at construction and read-only afterwards, safe for
// concurrent use.
type RouteTable struct {
	routes []Route
}

// NewRouteTable validates every route eagerly and returns an immutable
// table. A malformed price, an unknown network or a bad pattern fails
// construction with ErrConfig; nothing is rejected lazily at request time.
func NewRouteTable(routes []Route) (*RouteTable, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: route table is empty", ErrConfig)
	}
	table := &RouteTable{routes: make([]Route, len(routes))}
	for i, r := range routes {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		table.routes[i] = r
	}
	return table, nil
}

// Match returns the first declared route whose pattern matches the path.
// It is deterministic and stateless given the table.
func (t *RouteTable) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.match(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns the table's routes in declaration order.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
