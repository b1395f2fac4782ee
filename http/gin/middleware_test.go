package gin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	toll "github.com/tollware/toll-go"
	"github.com/tollware/toll-go/encoding"
	"github.com/tollware/toll-go/facilitator"
	tollhttp "github.com/tollware/toll-go/http"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// facilitatorStub verifies everything and settles according to settleFail.
type facilitatorStub struct {
	*httptest.Server
	mu          sync.Mutex
	verifyCalls int
	settleCalls int
	settleFail  bool
}

func newFacilitatorStub() *facilitatorStub {
	s := &facilitatorStub{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.URL.Path {
		case "/verify":
			s.verifyCalls++
			var req facilitator.VerifyRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(toll.VerifyResult{Valid: true, Payer: req.Payload.Payer})
		case "/settle":
			s.settleCalls++
			if s.settleFail {
				_ = json.NewEncoder(w).Encode(toll.SettleResult{Success: false, ErrorReason: "insufficient funds", Network: "testnet"})
				return
			}
			_ = json.NewEncoder(w).Encode(toll.SettleResult{Success: true, TxHash: "0xreceipt", Network: "testnet"})
		case "/supported":
			_ = json.NewEncoder(w).Encode(facilitator.SupportedResponse{
				Kinds: []toll.SupportedKind{{Scheme: toll.SchemeExact, Network: "testnet"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return s
}

func (s *facilitatorStub) calls() (verify, settle int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyCalls, s.settleCalls
}

func testConfig(t *testing.T, facilitatorURL string) *tollhttp.Config {
	t.Helper()
	routes, err := toll.NewRouteTable([]toll.Route{
		{Pattern: "/api/protected/weather", Price: "10", Network: "testnet"},
	})
	if err != nil {
		t.Fatalf("NewRouteTable failed: %v", err)
	}
	return &tollhttp.Config{
		Routes:         routes,
		Recipient:      "0xseller",
		FacilitatorURL: facilitatorURL,
	}
}

func paidHeader(t *testing.T) string {
	t.Helper()
	auth, err := toll.NewAuthorization(toll.PaymentRequirements{
		Scheme:    toll.SchemeExact,
		Network:   "testnet",
		Recipient: "0xseller",
		Amount:    10,
		Resource:  "/api/protected/weather",
	}, "0xbuyer")
	if err != nil {
		t.Fatalf("NewAuthorization failed: %v", err)
	}
	header, err := encoding.EncodePayment(*auth.Payload("0xtestsignature"))
	if err != nil {
		t.Fatalf("EncodePayment failed: %v", err)
	}
	return header
}

func newEngine(t *testing.T, config *tollhttp.Config, weather gin.HandlerFunc) *gin.Engine {
	t.Helper()
	mw, err := Middleware(config)
	if err != nil {
		t.Fatalf("Middleware failed: %v", err)
	}
	engine := gin.New()
	engine.Use(mw)
	engine.GET("/api/protected/weather", weather)
	engine.GET("/api/public/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return engine
}

func TestMiddleware_ConfigError(t *testing.T) {
	_, err := Middleware(&tollhttp.Config{})
	if err == nil {
		t.Fatal("expected a configuration error")
	}
	if !errors.Is(err, toll.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestMiddleware_ChallengeWithoutPayment(t *testing.T) {
	fac := newFacilitatorStub()
	defer fac.Close()

	engine := newEngine(t, testConfig(t, fac.URL), func(c *gin.Context) {
		t.Error("handler must not run without payment")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/protected/weather", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", w.Code)
	}

	var challenge toll.PaymentChallenge
	if err := json.Unmarshal(w.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("challenge body does not decode: %v", err)
	}
	if len(challenge.Accepts) != 1 || challenge.Accepts[0].Amount != 10 {
		t.Errorf("unexpected challenge %+v", challenge)
	}
}

func TestMiddleware_PublicRoutePassesThrough(t *testing.T) {
	fac := newFacilitatorStub()
	defer fac.Close()

	engine := newEngine(t, testConfig(t, fac.URL), func(c *gin.Context) {
		t.Error("weather handler must not run")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/public/ping", nil)
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "pong" {
		t.Errorf("expected pong, got %q", w.Body.String())
	}

	verify, settle := fac.calls()
	if verify != 0 || settle != 0 {
		t.Errorf("ungated route reached the facilitator: verify=%d settle=%d", verify, settle)
	}
}

func TestMiddleware_PaidRequest(t *testing.T) {
	fac := newFacilitatorStub()
	defer fac.Close()

	var payer string
	engine := newEngine(t, testConfig(t, fac.URL), func(c *gin.Context) {
		value, ok := c.Get(PaymentKey)
		if !ok {
			t.Error("verified payment missing from gin context")
		} else if result, ok := value.(*toll.VerifyResult); ok {
			payer = result.Payer
		}
		c.JSON(http.StatusOK, gin.H{"temp": 72})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/protected/weather", nil)
	req.Header.Set(toll.PaymentHeader, paidHeader(t))
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"temp":72`) {
		t.Errorf("expected the handler's JSON, got %q", w.Body.String())
	}
	if payer != "0xbuyer" {
		t.Errorf("expected payer 0xbuyer, got %q", payer)
	}

	settlement, err := encoding.DecodeSettlement(w.Header().Get(toll.PaymentResponseHeader))
	if err != nil {
		t.Fatalf("settlement header does not decode: %v", err)
	}
	if !settlement.Success || settlement.TxHash != "0xreceipt" {
		t.Errorf("unexpected settlement %+v", settlement)
	}

	verify, settle := fac.calls()
	if verify != 1 || settle != 1 {
		t.Errorf("expected one verify and one settle, got verify=%d settle=%d", verify, settle)
	}
}

func TestMiddleware_SettleFailureReplacesResponse(t *testing.T) {
	fac := newFacilitatorStub()
	defer fac.Close()
	fac.settleFail = true

	engine := newEngine(t, testConfig(t, fac.URL), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"secret": "paid-only"})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/protected/weather", nil)
	req.Header.Set(toll.PaymentHeader, paidHeader(t))
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "paid-only") {
		t.Error("handler output leaked into a failed-settlement response")
	}

	var challenge toll.PaymentChallenge
	if err := json.Unmarshal(w.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("rejection body is not a challenge: %v", err)
	}
	if challenge.Error != "insufficient funds" {
		t.Errorf("expected the facilitator's reason, got %q", challenge.Error)
	}
	if w.Header().Get(toll.PaymentResponseHeader) != "" {
		t.Error("failed settlement must not attach a settlement header")
	}
}

func TestMiddleware_HandlerErrorSkipsSettlement(t *testing.T) {
	fac := newFacilitatorStub()
	defer fac.Close()

	engine := newEngine(t, testConfig(t, fac.URL), func(c *gin.Context) {
		c.String(http.StatusBadGateway, "upstream broke")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/protected/weather", nil)
	req.Header.Set(toll.PaymentHeader, paidHeader(t))
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected the handler's 502, got %d", w.Code)
	}
	if w.Body.String() != "upstream broke" {
		t.Errorf("expected the handler's body, got %q", w.Body.String())
	}

	_, settle := fac.calls()
	if settle != 0 {
		t.Errorf("handler failure must not settle, got %d calls", settle)
	}
}
