// Package chi provides the toll payment gate as Chi middleware. Chi routers
// speak plain net/http, so the adapter is a direct delegation to the stdlib
// middleware; it exists so Chi users get a package shaped for their router
// along with a per-route variant.
package chi

import (
	"net/http"

	toll "github.com/tollware/toll-go"
	tollhttp "github.com/tollware/toll-go/http"
)

// Middleware returns a Chi-compatible middleware enforcing the payment gate
// described by config:
//
//	r := chi.NewRouter()
//	mw, err := tollchi.Middleware(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r.Use(mw)
//	r.Get("/api/protected/weather", weatherHandler)
//
// Handlers read the verified payment with tollhttp.PaymentFromContext.
func Middleware(config *tollhttp.Config) (func(http.Handler) http.Handler, error) {
	return tollhttp.NewMiddleware(config)
}

// Require returns per-route middleware gating a single route behind an
// explicit list of accepted payment options, for use with chi's With:
//
//	mw, err := tollchi.Require(config, requirements...)
//	r.With(mw).Get("/api/protected/quote", quoteHandler)
//
// Unlike Middleware it ignores config.Routes and accepts several options at
// once, e.g. one per network.
func Require(config *tollhttp.Config, requirements ...toll.PaymentRequirements) (func(http.Handler) http.Handler, error) {
	return tollhttp.NewRequirePayment(config, requirements)
}
