package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/config"
	"github.com/peertrade/settlement/internal/trade"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                        "0",
		Env:                         "development",
		LogLevel:                    "error",
		PaymentDeadlineMinutes:      15,
		ConfirmationDeadlineHours:   24,
		SchedulerPollIntervalSecond: 30,
		ArbitratorIDs:               []string{"judge"},
		RateLimitRPS:                1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv.Offers().Put(&trade.Offer{
		ID:        "off_1",
		SellerID:  "alice",
		Currency:  "USD",
		Price:     decimal.NewFromInt(1),
		MinAmount: decimal.NewFromInt(10),
		MaxAmount: decimal.NewFromInt(500),
		Active:    true,
	})
	return srv
}

func do(t *testing.T, srv *Server, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func deposit(t *testing.T, srv *Server, userID, amount string) {
	t.Helper()
	w := do(t, srv, http.MethodPost, "/v1/ledger/"+userID+"/deposits", userID,
		map[string]string{"amount": amount})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: status %d, body %s", w.Code, w.Body.String())
	}
}

func createTrade(t *testing.T, srv *Server) string {
	t.Helper()
	deposit(t, srv, "alice", "1000")

	w := do(t, srv, http.MethodPost, "/v1/trades", "bob",
		map[string]string{"offerId": "off_1", "amount": "100"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create trade: status %d, body %s", w.Code, w.Body.String())
	}
	var tr trade.Trade
	decode(t, w, &tr)
	return tr.ID
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health = %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health/live = %d", w.Code)
	}

	// Readiness flips only in Run.
	w = do(t, srv, http.MethodGet, "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready before Run = %d, want 503", w.Code)
	}
}

func TestTradeLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	tradeID := createTrade(t, srv)

	// Seller funds moved into the reservation bucket.
	w := do(t, srv, http.MethodGet, "/v1/ledger/alice/balance", "alice", nil)
	var bal struct {
		Available string `json:"available"`
		InOrder   string `json:"inOrder"`
	}
	decode(t, w, &bal)
	if bal.InOrder != "100" {
		t.Errorf("seller inOrder = %s, want 100", bal.InOrder)
	}

	// Buyer marks paid, seller releases.
	if w := do(t, srv, http.MethodPost, "/v1/trades/"+tradeID+"/paid", "bob", nil); w.Code != http.StatusOK {
		t.Fatalf("mark paid: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, srv, http.MethodPost, "/v1/trades/"+tradeID+"/release", "alice", nil); w.Code != http.StatusOK {
		t.Fatalf("release: %d %s", w.Code, w.Body.String())
	}

	var tr trade.Trade
	w = do(t, srv, http.MethodGet, "/v1/trades/"+tradeID, "bob", nil)
	decode(t, w, &tr)
	if tr.Status != trade.StatusCompleted {
		t.Errorf("status = %s, want completed", tr.Status)
	}

	w = do(t, srv, http.MethodGet, "/v1/ledger/bob/balance", "bob", nil)
	decode(t, w, &bal)
	if bal.Available != "100" {
		t.Errorf("buyer available = %s, want 100", bal.Available)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	tradeID := createTrade(t, srv)

	cases := []struct {
		name   string
		method string
		path   string
		actor  string
		body   any
		want   int
	}{
		{"missing actor", http.MethodPost, "/v1/trades", "", map[string]string{"offerId": "off_1", "amount": "100"}, http.StatusUnauthorized},
		{"unknown trade", http.MethodGet, "/v1/trades/trd_missing", "bob", nil, http.StatusNotFound},
		{"amount out of range", http.MethodPost, "/v1/trades", "bob", map[string]string{"offerId": "off_1", "amount": "9999"}, http.StatusBadRequest},
		{"wrong role", http.MethodPost, "/v1/trades/" + tradeID + "/paid", "alice", nil, http.StatusForbidden},
		{"illegal transition", http.MethodPost, "/v1/trades/" + tradeID + "/release", "alice", nil, http.StatusConflict},
		{"stranger message", http.MethodPost, "/v1/trades/" + tradeID + "/messages", "mallory", map[string]string{"body": "hi"}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, srv, tc.method, tc.path, tc.actor, tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestInsufficientFundsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	// No deposit for the seller.
	w := do(t, srv, http.MethodPost, "/v1/trades", "bob",
		map[string]string{"offerId": "off_1", "amount": "100"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402 (body %s)", w.Code, w.Body.String())
	}
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	tradeID := createTrade(t, srv)

	if w := do(t, srv, http.MethodPost, "/v1/trades/"+tradeID+"/paid", "bob", nil); w.Code != http.StatusOK {
		t.Fatalf("mark paid: %d", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/v1/trades/"+tradeID+"/dispute", "bob",
		map[string]string{"reason": "nothing arrived"}); w.Code != http.StatusOK {
		t.Fatalf("open dispute: %d %s", w.Code, w.Body.String())
	}

	// Find the dispute in the arbitration queue.
	w := do(t, srv, http.MethodGet, "/v1/disputes", "judge", nil)
	var queue struct {
		Disputes []struct {
			ID      string `json:"id"`
			TradeID string `json:"tradeId"`
		} `json:"disputes"`
	}
	decode(t, w, &queue)
	if len(queue.Disputes) != 1 || queue.Disputes[0].TradeID != tradeID {
		t.Fatalf("dispute queue = %+v", queue)
	}
	disputeID := queue.Disputes[0].ID

	// A party cannot rule.
	if w := do(t, srv, http.MethodPost, "/v1/disputes/"+disputeID+"/resolve", "bob",
		map[string]string{"resolution": "release"}); w.Code != http.StatusForbidden {
		t.Fatalf("party resolve: %d, want 403", w.Code)
	}

	// The arbitrator rules for the buyer.
	if w := do(t, srv, http.MethodPost, "/v1/disputes/"+disputeID+"/resolve", "judge",
		map[string]string{"resolution": "release", "note": "payment proof accepted"}); w.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", w.Code, w.Body.String())
	}

	var tr trade.Trade
	w = do(t, srv, http.MethodGet, "/v1/trades/"+tradeID, "bob", nil)
	decode(t, w, &tr)
	if tr.Status != trade.StatusCompleted {
		t.Errorf("status = %s, want completed", tr.Status)
	}

	// Ruling twice is a conflict.
	if w := do(t, srv, http.MethodPost, "/v1/disputes/"+disputeID+"/resolve", "judge",
		map[string]string{"resolution": "refund"}); w.Code != http.StatusConflict {
		t.Errorf("second resolve: %d, want 409", w.Code)
	}
}

func TestWebhookSubscriptionOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	// SSRF guard rejects internal endpoints.
	w := do(t, srv, http.MethodPost, "/v1/webhooks", "ops",
		map[string]any{"url": "http://127.0.0.1/hook"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("internal URL: %d, want 400", w.Code)
	}

	w = do(t, srv, http.MethodPost, "/v1/webhooks", "ops",
		map[string]any{"url": "https://93.184.216.34/hook", "events": []string{"trade.completed"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("subscribe: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Secret string `json:"secret"`
	}
	decode(t, w, &created)
	if created.Secret == "" {
		t.Error("subscription secret not returned")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("settlement_")) {
		t.Error("metrics output missing settlement namespace")
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/health", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req_fixed" {
		t.Errorf("X-Request-ID = %q, want passthrough", got)
	}
}
