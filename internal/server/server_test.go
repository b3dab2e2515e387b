package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ahedlund/peermarket/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// testConfig returns a minimal ledger-only config
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		EscrowTimelock: 30 * time.Minute,
		TradeExpiry:    2 * time.Hour,
		RefundAttempts: 3,
		RetryDelay:     time.Millisecond,
		SweepInterval:  time.Minute,
		AdminSecret:    "testsecret",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(nullWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
	s, err := New(testConfig(), WithLogger(quiet))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestTradeRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	tradeRoutes := map[string]bool{
		"POST:/v1/trades":                   false,
		"GET:/v1/trades/:id":                false,
		"GET:/v1/accounts/:account/trades":  false,
		"POST:/v1/trades/:id/paid":          false,
		"POST:/v1/trades/:id/confirm":       false,
		"POST:/v1/trades/:id/cancel":        false,
		"POST:/v1/trades/:id/dispute":       false,
		"POST:/v1/trades/:id/resolve":       false,
		"GET:/v1/accounts/:account/balance": false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := tradeRoutes[key]; ok {
			tradeRoutes[key] = true
		}
	}

	for route, found := range tradeRoutes {
		if !found {
			t.Errorf("Route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/admin/sweep",
		"GET:/v1/admin/interventions",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Admin auth
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/sweep", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/admin/sweep", nil)
	req.Header.Set("X-Admin-Secret", "testsecret")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// End-to-end trade flow over HTTP (ledger-only settlement)
// ---------------------------------------------------------------------------

func TestTradeFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	adminPost := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Admin-Secret", "testsecret")
		s.router.ServeHTTP(w, req)
		return w
	}
	post := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.router.ServeHTTP(w, req)
		return w
	}

	// Fund the seller
	if w := adminPost("/v1/admin/deposits", `{"accountId":"seller","tokenType":"GOLD","amount":"50.000000"}`); w.Code != http.StatusOK {
		t.Fatalf("deposit failed: %d %s", w.Code, w.Body.String())
	}

	// Create a trade: seller offers 40 GOLD
	w := post("/v1/trades", `{"buyerId":"buyer","sellerId":"seller","tokenType":"GOLD","amount":"40.000000","pricePerUnit":"2.500000"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Trade struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("parse create response: %v", err)
	}
	if created.Trade.Status != "escrow_locked" {
		t.Fatalf("trade status = %s, want escrow_locked", created.Trade.Status)
	}
	id := created.Trade.ID

	// Seller's tokens are now escrowed
	w2 := httptest.NewRecorder()
	s.router.ServeHTTP(w2, httptest.NewRequest("GET", "/v1/accounts/seller/balance?token=GOLD", nil))
	var balResp struct {
		Balance struct {
			Available string `json:"available"`
			Escrowed  string `json:"escrowed"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(w2.Body.Bytes(), &balResp); err != nil {
		t.Fatalf("parse balance: %v", err)
	}
	if balResp.Balance.Available != "10.000000" || balResp.Balance.Escrowed != "40.000000" {
		t.Fatalf("seller balance = %s/%s, want 10.000000/40.000000",
			balResp.Balance.Available, balResp.Balance.Escrowed)
	}

	// Buyer pays off-platform, seller confirms
	if w := post("/v1/trades/"+id+"/paid", `{"accountId":"buyer"}`); w.Code != http.StatusOK {
		t.Fatalf("paid failed: %d %s", w.Code, w.Body.String())
	}
	if w := post("/v1/trades/"+id+"/confirm", `{"accountId":"seller"}`); w.Code != http.StatusOK {
		t.Fatalf("confirm failed: %d %s", w.Code, w.Body.String())
	}

	// Escrow released to the buyer
	w3 := httptest.NewRecorder()
	s.router.ServeHTTP(w3, httptest.NewRequest("GET", "/v1/accounts/buyer/balance?token=GOLD", nil))
	if err := json.Unmarshal(w3.Body.Bytes(), &balResp); err != nil {
		t.Fatalf("parse balance: %v", err)
	}
	if balResp.Balance.Available != "40.000000" {
		t.Fatalf("buyer available = %s, want 40.000000", balResp.Balance.Available)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
