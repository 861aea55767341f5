package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/atmx/papertrade/internal/engine"
	"github.com/atmx/papertrade/internal/market"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/portfolio"
	"github.com/atmx/papertrade/internal/store"
	"github.com/atmx/papertrade/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	u, err := market.DefaultUniverse()
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	svc := trade.NewService(ms, engine.New(ms, u, logger), portfolio.NewReporter(ms), logger)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return ms, r
}

func seedAccount(t *testing.T, ms *store.MemoryStore, uid int64, cash string) {
	t.Helper()
	_, err := ms.CreateAccount(context.Background(), uid, d(cash))
	require.NoError(t, err)
}

func seedPrice(t *testing.T, ms *store.MemoryStore, symbol, price string) {
	t.Helper()
	require.NoError(t, ms.RecordTicks(context.Background(),
		[]model.MarketTick{{Symbol: symbol, Price: d(price), TS: time.Now().UTC()}}))
}

func do(t *testing.T, router chi.Router, method, path string, uid int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		req.Header.Set(trade.UserHeader, strconv.FormatInt(uid, 10))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// --- Orders ---

func TestPlaceOrder_Filled(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, 1, "10000.00")
	seedPrice(t, ms, "AAPL", "185.0000")

	w := do(t, router, http.MethodPost, "/api/v1/orders", 1, trade.OrderRequest{Symbol: "aapl", Side: "buy", Qty: 10})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[trade.OrderResponse](t, w)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "AAPL", resp.Symbol)
	assert.Equal(t, "buy", resp.Side)
	assert.Equal(t, int64(10), resp.Qty)
	assert.Equal(t, "filled", resp.Status)
	require.NotNil(t, resp.FilledPrice)
	assert.Equal(t, "185.0000", *resp.FilledPrice)

	w = do(t, router, http.MethodGet, "/api/v1/account", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	acct := decode[trade.AccountResponse](t, w)
	assert.Equal(t, "8150.00", acct.CashBalance)

	w = do(t, router, http.MethodGet, "/api/v1/positions", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	positions := decode[[]trade.PositionResponse](t, w)
	require.Len(t, positions, 1)
	assert.Equal(t, trade.PositionResponse{Symbol: "AAPL", Qty: 10, AvgPrice: "185.0000"}, positions[0])
}

func TestPlaceOrder_Rejected(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, 1, "100.00")
	seedPrice(t, ms, "AAPL", "185.0000")

	w := do(t, router, http.MethodPost, "/api/v1/orders", 1, trade.OrderRequest{Symbol: "AAPL", Side: "buy", Qty: 1})
	require.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode[trade.RejectionResponse](t, w)
	assert.Contains(t, resp.Error, "insufficient cash")
	assert.Equal(t, "rejected", resp.Order.Status)
	assert.Nil(t, resp.Order.FilledPrice)

	w = do(t, router, http.MethodPost, "/api/v1/orders", 1, trade.OrderRequest{Symbol: "AAPL", Side: "sell", Qty: 5})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp = decode[trade.RejectionResponse](t, w)
	assert.Contains(t, resp.Error, "have 0, tried 5")

	w = do(t, router, http.MethodGet, "/api/v1/orders", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	orders := decode[[]trade.OrderResponse](t, w)
	require.Len(t, orders, 2)
	assert.Equal(t, "sell", orders[0].Side)
	assert.Equal(t, "rejected", orders[1].Status)
}

func TestPlaceOrder_ClientErrors(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, 1, "100.00")

	tests := []struct {
		name   string
		uid    int64
		body   any
		status int
		msg    string
	}{
		{"unknown symbol", 1, trade.OrderRequest{Symbol: "XYZ", Side: "buy", Qty: 1}, http.StatusBadRequest, "unsupported symbol"},
		{"bad side", 1, trade.OrderRequest{Symbol: "AAPL", Side: "short", Qty: 1}, http.StatusBadRequest, "side must be"},
		{"zero qty", 1, trade.OrderRequest{Symbol: "AAPL", Side: "buy"}, http.StatusBadRequest, "quantity"},
		{"fractional qty", 1, map[string]any{"symbol": "AAPL", "side": "buy", "qty": 1.5}, http.StatusBadRequest, "invalid request body"},
		{"no price yet", 1, trade.OrderRequest{Symbol: "AAPL", Side: "buy", Qty: 1}, http.StatusBadRequest, "market unavailable"},
		{"no account", 2, trade.OrderRequest{Symbol: "AAPL", Side: "buy", Qty: 1}, http.StatusBadRequest, "market unavailable"},
		{"no user", 0, trade.OrderRequest{Symbol: "AAPL", Side: "buy", Qty: 1}, http.StatusUnauthorized, "X-User-ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/orders", tt.uid, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, decode[map[string]any](t, w)["error"], tt.msg)
		})
	}

	orders, err := ms.ListOrders(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceOrder_NoAccount(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPrice(t, ms, "AAPL", "185.0000")

	w := do(t, router, http.MethodPost, "/api/v1/orders", 9, trade.OrderRequest{Symbol: "AAPL", Side: "buy", Qty: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequireUser(t *testing.T) {
	_, router := newTestEnv(t)
	for _, v := range []string{"", "abc", "0", "-4"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
		if v != "" {
			req.Header.Set(trade.UserHeader, v)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", v)
	}
}

// --- Reporting ---

func TestGetAccount_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, http.MethodGet, "/api/v1/account", 5, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEmptyListsAreArrays(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, 1, "1.00")

	for _, path := range []string{"/api/v1/orders", "/api/v1/positions", "/api/v1/market/symbols", "/api/v1/market/history/AAPL"} {
		w := do(t, router, http.MethodGet, path, 1, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.JSONEq(t, "[]", w.Body.String(), path)
	}
}

func TestGetPortfolio(t *testing.T) {
	ms, router := newTestEnv(t)
	seedAccount(t, ms, 1, "10000.00")
	seedPrice(t, ms, "AAPL", "185.0000")

	w := do(t, router, http.MethodPost, "/api/v1/orders", 1, trade.OrderRequest{Symbol: "AAPL", Side: "buy", Qty: 10})
	require.Equal(t, http.StatusCreated, w.Code)
	seedPrice(t, ms, "AAPL", "200.0000")

	w = do(t, router, http.MethodGet, "/api/v1/portfolio", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[model.PortfolioSummary](t, w)
	assert.InDelta(t, 8150.0, summary.Cash, 1e-9)
	assert.InDelta(t, 2000.0, summary.PositionsValue, 1e-9)
	assert.InDelta(t, 10150.0, summary.Equity, 1e-9)
	assert.InDelta(t, 150.0, summary.UnrealizedPnL, 1e-9)
	require.Len(t, summary.Positions, 1)
	require.NotNil(t, summary.Positions[0].UnrealizedPnLPct)
	assert.InDelta(t, 150.0/1850.0, *summary.Positions[0].UnrealizedPnLPct, 1e-9)
}

// --- Market ---

func TestMarketEndpoints(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPrice(t, ms, "MSFT", "410.0000")
	seedPrice(t, ms, "AAPL", "185.0000")
	seedPrice(t, ms, "AAPL", "185.1234")
	seedPrice(t, ms, "AAPL", "186.5")

	w := do(t, router, http.MethodGet, "/api/v1/market/symbols", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"AAPL", "MSFT"}, decode[[]string](t, w))

	w = do(t, router, http.MethodGet, "/api/v1/market/quote/aapl", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	q := decode[trade.QuoteResponse](t, w)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, "186.5000", q.Price)

	w = do(t, router, http.MethodGet, "/api/v1/market/quote/ZZZ", 0, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/market/history/AAPL?limit=2", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[[]trade.HistoryPoint](t, w)
	require.Len(t, hist, 2)
	assert.Equal(t, "185.1234", hist[0].Price)
	assert.Equal(t, "186.5000", hist[1].Price)

	w = do(t, router, http.MethodGet, "/api/v1/market/history/AAPL", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]trade.HistoryPoint](t, w), 3)

	w = do(t, router, http.MethodGet, "/api/v1/market/history/AAPL?limit=abc", 0, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
