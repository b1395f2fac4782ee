// Package gin adapts the toll payment gate to the Gin framework. The
// adapter bridges gin.Context to the stdlib middleware, so challenges,
// verification and settle-after-success behave exactly as they do behind
// net/http.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	tollhttp "github.com/tollware/toll-go/http"
)

// PaymentKey is the gin context key under which the verified payment is
// stored, mirroring what PaymentFromContext exposes on the request context.
const PaymentKey = "toll_payment"

// Middleware returns a Gin middleware enforcing the payment gate described
// by config. Handlers behind it read the verified payment either from the
// gin context:
//
//	payment := c.MustGet(tollgin.PaymentKey).(*toll.VerifyResult)
//
// or from the request context via tollhttp.PaymentFromContext. Settlement
// runs when a handler commits a success status, before any body bytes reach
// the buyer; handler error statuses pass through unsettled.
func Middleware(config *tollhttp.Config) (gin.HandlerFunc, error) {
	mw, err := tollhttp.NewMiddleware(config)
	if err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		gated := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Point the rest of the chain at the gate's writer so the
			// settlement interceptor sees the commit, then run it.
			original := c.Writer
			c.Writer = &gateWriter{ResponseWriter: original, gate: w}
			c.Request = r
			defer func() { c.Writer = original }()

			if payment, ok := tollhttp.PaymentFromContext(r.Context()); ok {
				c.Set(PaymentKey, payment)
			}

			c.Next()
		}))

		gated.ServeHTTP(c.Writer, c.Request)

		// Either the chain ran to completion inside the gate or the gate
		// answered with a challenge; nothing more may run.
		c.Abort()
	}, nil
}

// gateWriter makes the settlement interceptor look like a gin.ResponseWriter.
// Status, size and Written bookkeeping stay with the embedded original
// writer; everything that produces output runs through the gate first.
type gateWriter struct {
	gin.ResponseWriter
	gate http.ResponseWriter
}

func (w *gateWriter) Header() http.Header {
	return w.gate.Header()
}

func (w *gateWriter) WriteHeader(code int) {
	w.gate.WriteHeader(code)
}

func (w *gateWriter) Write(b []byte) (int, error) {
	return w.gate.Write(b)
}

func (w *gateWriter) WriteString(s string) (int, error) {
	return w.gate.Write([]byte(s))
}

// WriteHeaderNow forces the pending status out. The gate decides first, so a
// failed settlement still replaces the response.
func (w *gateWriter) WriteHeaderNow() {
	w.gate.WriteHeader(w.Status())
	w.ResponseWriter.WriteHeaderNow()
}

func (w *gateWriter) Flush() {
	if flusher, ok := w.gate.(http.Flusher); ok {
		flusher.Flush()
		return
	}
	w.ResponseWriter.Flush()
}
