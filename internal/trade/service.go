// Package trade provides the HTTP handlers for placing orders and querying
// accounts, positions, portfolios and the synthetic market.
//
// All monetary values use shopspring/decimal, never float64.
// Portfolio valuations are the one display-only exception.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atmx/papertrade/internal/engine"
	"github.com/atmx/papertrade/internal/market"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/money"
	"github.com/atmx/papertrade/internal/portfolio"
	"github.com/atmx/papertrade/internal/store"
)

// UserHeader carries the authenticated user id, set by the upstream gateway.
const UserHeader = "X-User-ID"

// Service serves the order, reporting and market endpoints.
type Service struct {
	store    store.Store
	engine   *engine.Engine
	reporter *portfolio.Reporter
	logger   *zap.Logger
}

// NewService creates a new trade service.
func NewService(st store.Store, eng *engine.Engine, rep *portfolio.Reporter, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		engine:   eng,
		reporter: rep,
		logger:   logger,
	}
}

// Routes registers the API handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/orders", s.PlaceOrder)
		r.Get("/orders", s.ListOrders)
		r.Get("/positions", s.ListPositions)
		r.Get("/account", s.GetAccount)
		r.Get("/portfolio", s.GetPortfolio)
	})
	r.Route("/market", func(r chi.Router) {
		r.Get("/symbols", s.ListSymbols)
		r.Get("/quote/{symbol}", s.GetQuote)
		r.Get("/history/{symbol}", s.GetHistory)
	})
}

// --- Identity ---

type userKey struct{}

// RequireUser rejects requests without a positive integer X-User-ID.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
		if err != nil || uid <= 0 {
			writeError(w, "missing or invalid "+UserHeader, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, uid)))
	})
}

// UserID returns the id stored by RequireUser.
func UserID(ctx context.Context) (int64, bool) {
	uid, ok := ctx.Value(userKey{}).(int64)
	return uid, ok
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"` // "buy" or "sell"
	Qty    int64  `json:"qty"`  // whole shares, >= 1
}

// OrderResponse is an order as returned to clients.
type OrderResponse struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Qty         int64     `json:"qty"`
	Status      string    `json:"status"`
	FilledPrice *string   `json:"filled_price"` // null when rejected
	CreatedAt   time.Time `json:"created_at"`
}

func newOrderResponse(o model.Order) OrderResponse {
	resp := OrderResponse{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Qty:       o.Qty,
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt,
	}
	if o.FilledPrice.Valid {
		p := o.FilledPrice.Decimal.StringFixed(money.PriceScale)
		resp.FilledPrice = &p
	}
	return resp
}

// RejectionResponse is the 400 body of a fill-time rejection.
type RejectionResponse struct {
	Error string        `json:"error"`
	Order OrderResponse `json:"order"`
}

// PositionResponse is an open position.
type PositionResponse struct {
	Symbol   string `json:"symbol"`
	Qty      int64  `json:"qty"`
	AvgPrice string `json:"avg_price"`
}

// AccountResponse is the account balance.
type AccountResponse struct {
	UserID      int64  `json:"user_id"`
	CashBalance string `json:"cash_balance"`
}

// QuoteResponse is the latest price of a symbol.
type QuoteResponse struct {
	Symbol    string    `json:"symbol"`
	Price     string    `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryPoint is one tick of a price history.
type HistoryPoint struct {
	Price string    `json:"price"`
	TS    time.Time `json:"ts"`
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/orders
// 201 with the filled order; 400 with the rejected order when the fill was
// refused for lack of cash or shares.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.engine.PlaceOrder(r.Context(), uid, req.Symbol, req.Side, req.Qty)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, newOrderResponse(*order))
	case engine.IsRejection(err) && order != nil:
		writeJSON(w, http.StatusBadRequest, RejectionResponse{
			Error: err.Error(),
			Order: newOrderResponse(*order),
		})
	default:
		s.fail(w, r, err)
	}
}

// ListOrders handles GET /api/v1/orders
// Newest first, rejected orders included.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())

	orders, err := s.store.ListOrders(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, newOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Ledger reads ---

// ListPositions handles GET /api/v1/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())

	positions, err := s.store.ListPositions(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		resp = append(resp, PositionResponse{
			Symbol:   p.Symbol,
			Qty:      p.Qty,
			AvgPrice: p.AvgPrice.StringFixed(money.PriceScale),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAccount handles GET /api/v1/account
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())

	acct, err := s.store.GetAccount(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{
		UserID:      acct.UserID,
		CashBalance: acct.CashBalance.StringFixed(money.CashScale),
	})
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserID(r.Context())

	summary, err := s.reporter.GetPortfolio(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Market ---

// ListSymbols handles GET /api/v1/market/symbols
func (s *Service) ListSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.store.ListSymbols(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, symbols)
}

// GetQuote handles GET /api/v1/market/quote/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := market.Normalize(chi.URLParam(r, "symbol"))

	q, err := s.store.GetQuote(r.Context(), symbol)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "unknown symbol: "+symbol, http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		Symbol:    q.Symbol,
		Price:     q.Price.StringFixed(money.PriceScale),
		UpdatedAt: q.UpdatedAt,
	})
}

// GetHistory handles GET /api/v1/market/history/{symbol}?limit=N
// Returns the most recent N ticks, oldest first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := market.Normalize(chi.URLParam(r, "symbol"))

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ticks, err := s.store.GetHistory(r.Context(), symbol, store.ClampHistoryLimit(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := make([]HistoryPoint, 0, len(ticks))
	for _, t := range ticks {
		resp = append(resp, HistoryPoint{Price: t.Price.StringFixed(money.PriceScale), TS: t.TS})
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Errors ---

// fail maps an error to a status code. Unexpected errors are logged and
// hidden behind a generic message.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidOrder), errors.Is(err, engine.ErrMarketUnavailable), engine.IsRejection(err):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrAccountNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, "account not found", http.StatusNotFound)
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
