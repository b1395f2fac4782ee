package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/facilitator"
	tollhttp "github.com/tollware/toll-go/http"
	"github.com/tollware/toll-go/mcp"
)

// reasonPaymentRequired is the challenge reason for a tool call that carries
// no payment at all.
const reasonPaymentRequired = "payment required"

// Handler gates an MCP streamable HTTP endpoint. Only POSTed tools/call
// requests naming a paid tool are intercepted; everything else, including
// session streams and free tools, passes through to the MCP handler
// untouched.
type Handler struct {
	next        http.Handler
	config      *Config
	facilitator facilitator.Interface
	fallback    facilitator.Interface
	logger      *slog.Logger
}

// NewHandler wraps an already-built MCP HTTP handler with the payment gate.
// Use it when the MCP server is constructed elsewhere; Server.Handler covers
// the common case. The configuration is validated eagerly.
func NewHandler(next http.Handler, config *Config) (*Handler, error) {
	if config == nil {
		return nil, toll.ErrConfig
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return newHandler(next, config), nil
}

// newHandler assumes a validated configuration.
func newHandler(next http.Handler, config *Config) *Handler {
	primary, fallback := newFacilitators(config)
	return &Handler{
		next:        next,
		config:      config,
		facilitator: primary,
		fallback:    fallback,
		logger:      config.logger(),
	}
}

// newFacilitators builds the facilitator clients the gate verifies and
// settles against.
func newFacilitators(config *Config) (facilitator.Interface, facilitator.Interface) {
	primary := &tollhttp.FacilitatorClient{
		BaseURL:               config.FacilitatorURL,
		Client:                &http.Client{},
		Timeouts:              toll.DefaultTimeouts,
		MaxRetries:            1,
		Authorization:         config.FacilitatorAuthorization,
		AuthorizationProvider: config.FacilitatorAuthorizationProvider,
	}

	var fallback facilitator.Interface
	if config.FallbackFacilitatorURL != "" {
		fallback = &tollhttp.FacilitatorClient{
			BaseURL:               config.FallbackFacilitatorURL,
			Client:                &http.Client{},
			Timeouts:              toll.DefaultTimeouts,
			MaxRetries:            1,
			Authorization:         config.FallbackFacilitatorAuthorization,
			AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
		}
	}
	return primary, fallback
}

// rpcRequest is the slice of a JSON-RPC request the gate needs: enough to
// recognize a tool call, name the tool, and read its payment metadata. The
// raw id is echoed back verbatim in errors.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  struct {
		Name string         `json:"name"`
		Meta map[string]any `json:"_meta"`
	} `json:"params"`
}

// ServeHTTP runs the payment handshake for paid tool calls: challenge until
// a valid payment arrives, verify before the tool runs, settle only once the
// tool has produced a success result, and stamp the receipt into that
// result's metadata before it reaches the buyer.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only POSTed JSON-RPC can call a tool; GET opens the session stream
	// and DELETE ends the session, neither is gated.
	if r.Method != http.MethodPost {
		h.next.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Method != "tools/call" || len(req.ID) == 0 {
		// Anything that is not a tool call request, batches and malformed
		// bodies included, is the MCP server's to answer.
		h.next.ServeHTTP(w, r)
		return
	}

	accepts, paid := h.acceptsFor(req.Params.Name)
	if !paid {
		h.next.ServeHTTP(w, r)
		return
	}
	logger := h.logger.With("tool", req.Params.Name)

	payment, err := mcp.ExtractPayment(req.Params.Meta)
	if err != nil {
		logger.Warn("undecodable payment metadata", "error", err)
		h.writeChallenge(w, req.ID, err.Error(), accepts)
		return
	}
	if payment == nil {
		logger.Info("challenging tool call", "amount", accepts[0].Amount, "network", accepts[0].Network)
		h.writeChallenge(w, req.ID, reasonPaymentRequired, accepts)
		return
	}

	requirement, err := toll.FindMatchingRequirement(payment, accepts)
	if err != nil {
		logger.Warn("payment matches no accepted option", "scheme", payment.Scheme, "network", payment.Network)
		h.writeChallenge(w, req.ID, err.Error(), accepts)
		return
	}

	logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
	result, err := h.verify(r.Context(), *payment, *requirement)
	if err != nil {
		logger.Error("facilitator verification unavailable", "error", err)
		writeRPCError(w, req.ID, rpcInternalError, "payment verification unavailable", nil)
		return
	}
	if !result.Valid {
		logger.Warn("payment rejected", "reason", result.Reason)
		h.writeChallenge(w, req.ID, result.Reason, accepts)
		return
	}
	logger.Info("payment verified", "payer", result.Payer)

	// Run the tool against a recorder so settlement can happen after the
	// tool succeeds but before any byte of its result reaches the buyer.
	rec := newResponseRecorder()
	h.next.ServeHTTP(rec, r)

	var rpcResp map[string]any
	if err := json.Unmarshal(rec.body.Bytes(), &rpcResp); err != nil {
		// Streamed or otherwise uninspectable output; forward it and let
		// the buyer keep their money.
		logger.Warn("uninspectable tool response, payment not settled", "error", err)
		rec.flushTo(w)
		return
	}

	if rpcResp["error"] != nil {
		logger.Warn("tool call failed, payment not settled")
		rec.flushTo(w)
		return
	}

	if h.config.VerifyOnly {
		rec.flushTo(w)
		return
	}

	toolResult, ok := rpcResp["result"].(map[string]any)
	if !ok {
		logger.Warn("tool response carries no result object, payment not settled")
		rec.flushTo(w)
		return
	}

	logger.Info("settling payment", "payer", result.Payer, "amount", requirement.Amount)
	settlement, err := h.settle(r.Context(), *payment, *requirement)
	if err != nil {
		// Outcome unknown: withhold the result and name the condition so
		// the buyer does not blindly pay again.
		logger.Error("settlement unconfirmed", "error", err)
		h.writeChallenge(w, req.ID, toll.ReasonUnconfirmed, accepts)
		return
	}
	if !settlement.Success {
		logger.Warn("settlement rejected", "reason", settlement.ErrorReason)
		h.writeChallenge(w, req.ID, settlement.ErrorReason, accepts)
		return
	}
	logger.Info("payment settled", "txHash", settlement.TxHash, "network", settlement.Network)

	if err := mcp.InjectSettlement(toolResult, settlement); err != nil {
		logger.Warn("failed to attach settlement receipt", "error", err)
		rec.flushTo(w)
		return
	}
	stamped, err := json.Marshal(rpcResp)
	if err != nil {
		logger.Warn("failed to attach settlement receipt", "error", err)
		rec.flushTo(w)
		return
	}

	copyHeader(w.Header(), rec.header)
	w.Header().Set("Content-Length", strconv.Itoa(len(stamped)))
	w.WriteHeader(rec.status)
	_, _ = w.Write(stamped)
}

// acceptsFor returns a paid tool's payment options stamped with the expiry
// window, on a copy so the registered options stay pristine.
func (h *Handler) acceptsFor(name string) ([]toll.PaymentRequirements, bool) {
	reqs, ok := h.config.PaidTools[name]
	if !ok || len(reqs) == 0 {
		return nil, false
	}

	accepts := make([]toll.PaymentRequirements, len(reqs))
	copy(accepts, reqs)
	if h.config.TTL > 0 {
		expiry := time.Now().Add(h.config.TTL).Unix()
		for i := range accepts {
			accepts[i].ExpiresAt = expiry
		}
	}
	return accepts, true
}

// verify runs the payment past the primary facilitator, falling back to the
// secondary when the primary errors. The returned error means neither
// facilitator produced a verdict; a rejection is Valid=false, not an error.
func (h *Handler) verify(ctx context.Context, payment toll.PaymentPayload, req toll.PaymentRequirements) (*toll.VerifyResult, error) {
	result, err := h.facilitator.Verify(ctx, payment, req)
	if err != nil && h.fallback != nil {
		h.logger.Warn("primary facilitator verify failed, trying fallback", "error", err)
		result, err = h.fallback.Verify(ctx, payment, req)
	}
	return result, err
}

// settle submits the verified payment for settlement, falling back to the
// secondary facilitator when the primary errors. Reattempting with the same
// nonce is safe: the ledger accepts a given authorization at most once.
func (h *Handler) settle(ctx context.Context, payment toll.PaymentPayload, req toll.PaymentRequirements) (*toll.SettleResult, error) {
	result, err := h.facilitator.Settle(ctx, payment, req)
	if err != nil && h.fallback != nil {
		h.logger.Warn("primary facilitator settle failed, trying fallback", "error", err)
		result, err = h.fallback.Settle(ctx, payment, req)
	}
	return result, err
}

// writeChallenge answers a tool call with the payment-required error. The
// challenge rides in the error's data and lists the accepted options, the
// metadata twin of an HTTP 402 body.
func (h *Handler) writeChallenge(w http.ResponseWriter, id json.RawMessage, reason string, accepts []toll.PaymentRequirements) {
	challenge := toll.PaymentChallenge{
		TollVersion: toll.ProtocolVersion,
		Error:       reason,
		Accepts:     accepts,
	}
	writeRPCError(w, id, mcp.CodePaymentRequired, reason, challenge)
}

// rpcInternalError is the JSON-RPC internal error code, used when neither
// facilitator can produce a verdict.
const rpcInternalError = -32603

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcErrorBody    `json:"error"`
}

// writeRPCError answers the tool call with a JSON-RPC error object. Protocol
// errors ride inside an HTTP 200, which is how MCP reports call failures;
// HTTP statuses are reserved for transport problems.
func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	resp := rpcErrorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: rpcErrorBody{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// responseRecorder buffers the MCP handler's response so the gate can
// inspect the tool's outcome and rewrite its result.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header         { return r.header }
func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }
func (r *responseRecorder) WriteHeader(status int)      { r.status = status }

// flushTo replays the recorded response onto the real writer unchanged.
func (r *responseRecorder) flushTo(w http.ResponseWriter) {
	copyHeader(w.Header(), r.header)
	w.WriteHeader(r.status)
	_, _ = w.Write(r.body.Bytes())
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
