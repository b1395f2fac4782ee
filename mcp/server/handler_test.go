package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/encoding"
	"github.com/tollware/toll-go/facilitator"
	"github.com/tollware/toll-go/mcp"
)

const (
	buyerAddr  = "0x1111111111111111111111111111111111111111"
	sellerAddr = "0x2222222222222222222222222222222222222222"
)

// mockFacilitator is an in-process facilitator service backed by httptest.
// By default it verifies and settles everything; tests override individual
// endpoints through the status and result fields before sending traffic.
type mockFacilitator struct {
	*httptest.Server

	mu           sync.Mutex
	verifyCalls  int
	settleCalls  int
	verifyStatus int                // non-zero forces this HTTP status from /verify
	verifyResult *toll.VerifyResult // canned verdict
	settleStatus int                // non-zero forces this HTTP status from /settle
	settleResult *toll.SettleResult // canned outcome
}

func newMockFacilitator() *mockFacilitator {
	m := &mockFacilitator{}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *mockFacilitator) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.URL.Path {
	case "/verify":
		m.verifyCalls++
		if m.verifyStatus != 0 {
			w.WriteHeader(m.verifyStatus)
			return
		}
		var req facilitator.VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result := m.verifyResult
		if result == nil {
			result = &toll.VerifyResult{Valid: true, Payer: req.Payload.Payer}
		}
		_ = json.NewEncoder(w).Encode(result)

	case "/settle":
		m.settleCalls++
		if m.settleStatus != 0 {
			w.WriteHeader(m.settleStatus)
			return
		}
		var req facilitator.SettleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result := m.settleResult
		if result == nil {
			result = &toll.SettleResult{Success: true, TxHash: "0xreceipt", Network: req.Payload.Network}
		}
		_ = json.NewEncoder(w).Encode(result)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *mockFacilitator) calls() (verify, settle int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyCalls, m.settleCalls
}

// lookupOption is the payment option the paid lookup tool accepts.
func lookupOption() toll.PaymentRequirements {
	return toll.PaymentRequirements{
		Scheme:    toll.SchemeExact,
		Network:   "testnet",
		Recipient: sellerAddr,
		Amount:    10,
		Resource:  ToolResource("lookup"),
	}
}

// gateConfig gates the lookup tool behind the given facilitator.
func gateConfig(facilitatorURL string) *Config {
	return &Config{
		PaidTools:      map[string][]toll.PaymentRequirements{"lookup": {lookupOption()}},
		FacilitatorURL: facilitatorURL,
	}
}

// paymentMeta signs a payload mirroring req and shapes it as the request
// metadata a paying client sends.
func paymentMeta(t *testing.T, req toll.PaymentRequirements) map[string]any {
	t.Helper()
	auth, err := toll.NewAuthorization(req, buyerAddr)
	if err != nil {
		t.Fatalf("NewAuthorization failed: %v", err)
	}
	blob, err := json.Marshal(auth.Payload("0xtestsignature"))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	entry := map[string]any{}
	if err := json.Unmarshal(blob, &entry); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return map[string]any{mcp.MetaKeyPayment: entry}
}

// callBody builds a JSON-RPC tools/call request body.
func callBody(t *testing.T, tool string, meta map[string]any) []byte {
	t.Helper()
	params := map[string]any{
		"name":      tool,
		"arguments": map[string]any{"city": "Lisbon"},
	}
	if meta != nil {
		params["_meta"] = meta
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  params,
	})
	if err != nil {
		t.Fatalf("marshal call body: %v", err)
	}
	return body
}

// echoServer is a stand-in MCP handler answering every request with a canned
// JSON-RPC response, recording what it was asked. The gate calls it on the
// test goroutine, so plain fields are safe.
type echoServer struct {
	response string
	calls    int
	lastBody []byte
}

const lookupResponse = `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"42"}]}}`

func (e *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.calls++
	e.lastBody, _ = io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(e.response))
}

func gatedHandler(t *testing.T, config *Config, next http.Handler) *Handler {
	t.Helper()
	h, err := NewHandler(next, config)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return h
}

func doCall(h *Handler, method string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// rpcErrorFrom decodes the JSON-RPC error out of a recorded response and
// checks the envelope: HTTP 200 with the request id echoed back.
func rpcErrorFrom(t *testing.T, rr *httptest.ResponseRecorder) (int, string, json.RawMessage) {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("HTTP status = %d, want 200 for JSON-RPC errors", rr.Code)
	}
	var resp struct {
		ID    json.RawMessage `json:"id"`
		Error *struct {
			Code    int             `json:"code"`
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", rr.Body.String(), err)
	}
	if resp.Error == nil {
		t.Fatalf("response carries no error: %s", rr.Body.String())
	}
	if string(resp.ID) != "1" {
		t.Errorf("error id = %s, want 1", resp.ID)
	}
	return resp.Error.Code, resp.Error.Message, resp.Error.Data
}

// challengeFrom decodes the payment challenge out of a 402 error's data.
func challengeFrom(t *testing.T, rr *httptest.ResponseRecorder) toll.PaymentChallenge {
	t.Helper()
	code, _, data := rpcErrorFrom(t, rr)
	if code != mcp.CodePaymentRequired {
		t.Fatalf("error code = %d, want %d", code, mcp.CodePaymentRequired)
	}
	challenge, err := encoding.UnmarshalChallenge(data)
	if err != nil {
		t.Fatalf("UnmarshalChallenge failed: %v", err)
	}
	return challenge
}

func TestNewHandler_ConfigValidation(t *testing.T) {
	next := &echoServer{response: lookupResponse}

	if _, err := NewHandler(next, nil); !errors.Is(err, toll.ErrConfig) {
		t.Errorf("nil config error = %v, want ErrConfig", err)
	}
	if _, err := NewHandler(next, &Config{}); !errors.Is(err, toll.ErrConfig) {
		t.Errorf("missing facilitator URL error = %v, want ErrConfig", err)
	}
	if _, err := NewHandler(next, &Config{FacilitatorURL: "http://localhost:1", TTL: -time.Second}); !errors.Is(err, toll.ErrConfig) {
		t.Errorf("negative TTL error = %v, want ErrConfig", err)
	}
}

func TestHandler_PassThrough(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()

	tests := []struct {
		name   string
		method string
		body   []byte
	}{
		{"session stream", http.MethodGet, nil},
		{"initialize request", http.MethodPost, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)},
		{"free tool", http.MethodPost, nil}, // filled below
		{"notification without id", http.MethodPost, []byte(`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"lookup"}}`)},
		{"unparseable body", http.MethodPost, []byte(`{not json`)},
	}
	tests[2].body = callBody(t, "echo", nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &echoServer{response: lookupResponse}
			h := gatedHandler(t, gateConfig(fac.URL), next)

			rr := doCall(h, tt.method, tt.body)

			if next.calls != 1 {
				t.Fatalf("next handler calls = %d, want 1", next.calls)
			}
			if rr.Body.String() != lookupResponse {
				t.Errorf("response rewritten on pass-through: %s", rr.Body.String())
			}
		})
	}

	if verify, settle := fac.calls(); verify != 0 || settle != 0 {
		t.Errorf("facilitator touched on pass-through: verify=%d settle=%d", verify, settle)
	}
}

func TestHandler_ChallengeWithoutPayment(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, gateConfig(fac.URL), next)

	rr := doCall(h, http.MethodPost, callBody(t, "lookup", nil))

	challenge := challengeFrom(t, rr)
	if challenge.Error != "payment required" {
		t.Errorf("challenge error = %q, want %q", challenge.Error, "payment required")
	}
	if len(challenge.Accepts) != 1 {
		t.Fatalf("challenge accepts = %d options, want 1", len(challenge.Accepts))
	}
	got := challenge.Accepts[0]
	want := lookupOption()
	if got != want {
		t.Errorf("challenge option = %+v, want %+v", got, want)
	}
	if next.calls != 0 {
		t.Errorf("tool ran without payment")
	}
	if verify, _ := fac.calls(); verify != 0 {
		t.Errorf("facilitator consulted without payment")
	}
}

func TestHandler_ChallengeTTL(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	config := gateConfig(fac.URL)
	config.TTL = time.Hour
	h := gatedHandler(t, config, &echoServer{response: lookupResponse})

	before := time.Now().Add(config.TTL).Unix()
	rr := doCall(h, http.MethodPost, callBody(t, "lookup", nil))
	after := time.Now().Add(config.TTL).Unix()

	challenge := challengeFrom(t, rr)
	expiry := challenge.Accepts[0].ExpiresAt
	if expiry < before || expiry > after {
		t.Errorf("challenge expiry = %d, want within [%d, %d]", expiry, before, after)
	}
}

func TestHandler_MalformedPaymentChallengesAgain(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, gateConfig(fac.URL), next)

	meta := map[string]any{mcp.MetaKeyPayment: "garbage"}
	rr := doCall(h, http.MethodPost, callBody(t, "lookup", meta))

	challenge := challengeFrom(t, rr)
	if !strings.Contains(challenge.Error, "malformed payment metadata") {
		t.Errorf("challenge error = %q, want a malformed-metadata reason", challenge.Error)
	}
	if verify, _ := fac.calls(); verify != 0 {
		t.Errorf("facilitator consulted for malformed payment")
	}
	if next.calls != 0 {
		t.Errorf("tool ran on malformed payment")
	}
}

func TestHandler_PaymentForWrongNetwork(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, gateConfig(fac.URL), next)

	foreign := lookupOption()
	foreign.Network = "base"
	rr := doCall(h, http.MethodPost, callBody(t, "lookup", paymentMeta(t, foreign)))

	challenge := challengeFrom(t, rr)
	if !strings.Contains(challenge.Error, "no requirement matches") {
		t.Errorf("challenge error = %q, want a no-match reason", challenge.Error)
	}
	if verify, _ := fac.calls(); verify != 0 {
		t.Errorf("facilitator consulted for unmatched payment")
	}
}

func TestHandler_ValidPaymentSettlesAndStampsReceipt(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, gateConfig(fac.URL), next)

	body := callBody(t, "lookup", paymentMeta(t, lookupOption()))
	rr := doCall(h, http.MethodPost, body)

	if rr.Code != http.StatusOK {
		t.Fatalf("HTTP status = %d, want 200", rr.Code)
	}
	var resp struct {
		Result map[string]any `json:"result"`
		Error  any            `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", rr.Body.String(), err)
	}
	if resp.Error != nil {
		t.Fatalf("call failed: %v", resp.Error)
	}

	settlement, err := mcp.ExtractSettlement(resp.Result)
	if err != nil {
		t.Fatalf("ExtractSettlement failed: %v", err)
	}
	if settlement == nil {
		t.Fatalf("result carries no settlement receipt: %s", rr.Body.String())
	}
	if !settlement.Success || settlement.TxHash != "0xreceipt" || settlement.Network != "testnet" {
		t.Errorf("receipt = %+v, want success on testnet with 0xreceipt", settlement)
	}
	if resp.Result["content"] == nil {
		t.Errorf("tool content dropped while stamping receipt: %s", rr.Body.String())
	}

	if next.calls != 1 {
		t.Errorf("tool calls = %d, want 1", next.calls)
	}
	if !bytes.Equal(next.lastBody, body) {
		t.Errorf("tool saw a rewritten request body:\n got %s\nwant %s", next.lastBody, body)
	}
	if verify, settle := fac.calls(); verify != 1 || settle != 1 {
		t.Errorf("facilitator calls verify=%d settle=%d, want 1 and 1", verify, settle)
	}
}

func TestHandler_VerifyRejectedChallengesAgain(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	fac.verifyResult = &toll.VerifyResult{Valid: false, Reason: toll.ReasonInsufficientAmount}
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, gateConfig(fac.URL), next)

	rr := doCall(h, http.MethodPost, callBody(t, "lookup", paymentMeta(t, lookupOption())))

	challenge := challengeFrom(t, rr)
	if challenge.Error != toll.ReasonInsufficientAmount {
		t.Errorf("challenge error = %q, want %q", challenge.Error, toll.ReasonInsufficientAmount)
	}
	if next.calls != 0 {
		t.Errorf("tool ran on rejected payment")
	}
	if _, settle := fac.calls(); settle != 0 {
		t.Errorf("rejected payment was settled")
	}
}

func TestHandler_VerifyUnavailableIsInternalError(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	fac.verifyStatus = http.StatusInternalServerError
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, gateConfig(fac.URL), next)

	rr := doCall(h, http.MethodPost, callBody(t, "lookup", paymentMeta(t, lookupOption())))

	code, message, _ := rpcErrorFrom(t, rr)
	if code != rpcInternalError {
		t.Errorf("error code = %d, want %d", code, rpcInternalError)
	}
	if message != "payment verification unavailable" {
		t.Errorf("error message = %q", message)
	}
	if next.calls != 0 {
		t.Errorf("tool ran without a verification verdict")
	}
}

func TestHandler_ToolErrorSkipsSettlement(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	next := &echoServer{response: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`}
	h := gatedHandler(t, gateConfig(fac.URL), next)

	rr := doCall(h, http.MethodPost, callBody(t, "lookup", paymentMeta(t, lookupOption())))

	code, message, _ := rpcErrorFrom(t, rr)
	if code != -32000 || message != "boom" {
		t.Errorf("tool error rewritten: code=%d message=%q", code, message)
	}
	if verify, settle := fac.calls(); verify != 1 || settle != 0 {
		t.Errorf("facilitator calls verify=%d settle=%d, want 1 and 0", verify, settle)
	}
}

func TestHandler_SettleRejectedDiscardsResult(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	fac.settleResult = &toll.SettleResult{Success: false, ErrorReason: "insufficient funds", Network: "testnet"}
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, gateConfig(fac.URL), next)

	rr := doCall(h, http.MethodPost, callBody(t, "lookup", paymentMeta(t, lookupOption())))

	challenge := challengeFrom(t, rr)
	if challenge.Error != "insufficient funds" {
		t.Errorf("challenge error = %q, want settlement reason", challenge.Error)
	}
	if strings.Contains(rr.Body.String(), "42") {
		t.Errorf("tool output delivered despite failed settlement: %s", rr.Body.String())
	}
}

func TestHandler_SettleUnavailableIsUnconfirmed(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	fac.settleStatus = http.StatusInternalServerError
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, gateConfig(fac.URL), next)

	rr := doCall(h, http.MethodPost, callBody(t, "lookup", paymentMeta(t, lookupOption())))

	challenge := challengeFrom(t, rr)
	if challenge.Error != toll.ReasonUnconfirmed {
		t.Errorf("challenge error = %q, want %q", challenge.Error, toll.ReasonUnconfirmed)
	}
	if strings.Contains(rr.Body.String(), "42") {
		t.Errorf("tool output delivered with settlement outcome unknown")
	}
}

func TestHandler_VerifyOnlySkipsSettlement(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()
	config := gateConfig(fac.URL)
	config.VerifyOnly = true
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, config, next)

	rr := doCall(h, http.MethodPost, callBody(t, "lookup", paymentMeta(t, lookupOption())))

	if rr.Body.String() != lookupResponse {
		t.Errorf("verify-only response modified: %s", rr.Body.String())
	}
	if verify, settle := fac.calls(); verify != 1 || settle != 0 {
		t.Errorf("facilitator calls verify=%d settle=%d, want 1 and 0", verify, settle)
	}
}

func TestHandler_UninspectableResponseForwardedUnsettled(t *testing.T) {
	fac := newMockFacilitator()
	defer fac.Close()

	tests := []struct {
		name     string
		response string
	}{
		{"event stream", "event: message\ndata: {\"jsonrpc\":\"2.0\"}\n\n"},
		{"non-object result", `{"jsonrpc":"2.0","id":1,"result":"plain"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &echoServer{response: tt.response}
			h := gatedHandler(t, gateConfig(fac.URL), next)

			rr := doCall(h, http.MethodPost, callBody(t, "lookup", paymentMeta(t, lookupOption())))

			if rr.Body.String() != tt.response {
				t.Errorf("response rewritten: %q", rr.Body.String())
			}
		})
	}

	if _, settle := fac.calls(); settle != 0 {
		t.Errorf("uninspectable tool output was settled anyway")
	}
}

func TestHandler_FallbackFacilitator(t *testing.T) {
	primary := newMockFacilitator()
	defer primary.Close()
	primary.verifyStatus = http.StatusInternalServerError
	primary.settleStatus = http.StatusInternalServerError

	fallback := newMockFacilitator()
	defer fallback.Close()

	config := gateConfig(primary.URL)
	config.FallbackFacilitatorURL = fallback.URL
	next := &echoServer{response: lookupResponse}
	h := gatedHandler(t, config, next)

	rr := doCall(h, http.MethodPost, callBody(t, "lookup", paymentMeta(t, lookupOption())))

	var resp struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", rr.Body.String(), err)
	}
	settlement, err := mcp.ExtractSettlement(resp.Result)
	if err != nil || settlement == nil || !settlement.Success {
		t.Fatalf("fallback did not settle: settlement=%+v err=%v body=%s", settlement, err, rr.Body.String())
	}

	if verify, settle := fallback.calls(); verify != 1 || settle != 1 {
		t.Errorf("fallback calls verify=%d settle=%d, want 1 and 1", verify, settle)
	}
	if verify, _ := primary.calls(); verify == 0 {
		t.Errorf("primary facilitator never tried")
	}
}
