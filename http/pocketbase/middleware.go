// Package pocketbase adapts the toll payment gate to PocketBase request
// hooks. The adapter bridges core.RequestEvent to the stdlib middleware, so
// challenges, verification and settle-after-success behave exactly as they
// do behind net/http.
package pocketbase

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	tollhttp "github.com/tollware/toll-go/http"
)

// PaymentKey is the request-event store key under which the verified payment
// is stored for handler access via e.Get.
const PaymentKey = "toll_payment"

// Middleware returns a PocketBase hook function enforcing the payment gate
// described by config. Bind it to a route, a group or the whole router:
//
//	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
//	    mw, err := tollpb.Middleware(config)
//	    if err != nil {
//	        return err
//	    }
//	    se.Router.GET("/api/premium/data", handler).BindFunc(mw)
//	    return se.Next()
//	})
//
// Handlers read the verified payment from the event store:
//
//	payment := e.Get(tollpb.PaymentKey).(*toll.VerifyResult)
//
// or from the request context via tollhttp.PaymentFromContext.
func Middleware(config *tollhttp.Config) (func(*core.RequestEvent) error, error) {
	mw, err := tollhttp.NewMiddleware(config)
	if err != nil {
		return nil, err
	}

	return func(e *core.RequestEvent) error {
		var nextErr error

		gated := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Swap the event's plumbing so the rest of the hook chain
			// writes through the settlement interceptor, then run it.
			origResponse, origRequest := e.Response, e.Request
			e.Response, e.Request = w, r
			defer func() { e.Response, e.Request = origResponse, origRequest }()

			if payment, ok := tollhttp.PaymentFromContext(r.Context()); ok {
				e.Set(PaymentKey, payment)
			}

			nextErr = e.Next()
		}))

		gated.ServeHTTP(e.Response, e.Request)
		return nextErr
	}, nil
}
