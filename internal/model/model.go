// Package model defines the core domain types shared across the ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// OrderStatus is the outcome of an execution attempt.
type OrderStatus string

const (
	Filled   OrderStatus = "filled"
	Rejected OrderStatus = "rejected"
)

// Account holds a user's cash balance (scale 2).
type Account struct {
	UserID      int64           `json:"user_id" db:"user_id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's holding in one symbol. Qty is always > 0 while the
// row exists; AvgPrice is the weighted-average cost (scale 4).
type Position struct {
	UserID    int64           `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Qty       int64           `json:"qty" db:"qty"`
	AvgPrice  decimal.Decimal `json:"avg_price" db:"avg_price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is an immutable record of one execution attempt.
// Once created, these are never modified or deleted.
// FilledPrice is null iff Status is Rejected.
type Order struct {
	ID          string              `json:"id" db:"id"`
	UserID      int64               `json:"user_id" db:"user_id"`
	Symbol      string              `json:"symbol" db:"symbol"`
	Side        Side                `json:"side" db:"side"`
	Qty         int64               `json:"qty" db:"qty"`
	Status      OrderStatus         `json:"status" db:"status"`
	FilledPrice decimal.NullDecimal `json:"filled_price" db:"filled_price"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
}

// MarketPrice is the latest synthetic price of a symbol (scale 4).
type MarketPrice struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Price     decimal.Decimal `json:"price" db:"price"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// MarketTick is one append-only history point of a symbol's price.
type MarketTick struct {
	Symbol string          `json:"symbol" db:"symbol"`
	Price  decimal.Decimal `json:"price" db:"price"`
	TS     time.Time       `json:"ts" db:"ts"`
}

// PositionValuation is a position marked against the last price.
// Float fields are display-only.
type PositionValuation struct {
	Symbol           string   `json:"symbol"`
	Qty              int64    `json:"qty"`
	AvgPrice         float64  `json:"avg_price"`
	LastPrice        float64  `json:"last_price"`
	MarketValue      float64  `json:"market_value"`
	CostBasis        float64  `json:"cost_basis"`
	UnrealizedPnL    float64  `json:"unrealized_pnl"`
	UnrealizedPnLPct *float64 `json:"unrealized_pnl_pct"` // nil when cost basis is 0
}

// PortfolioSummary aggregates cash and all valued positions for a user.
type PortfolioSummary struct {
	UserID         int64               `json:"user_id"`
	Cash           float64             `json:"cash"`
	Equity         float64             `json:"equity"`          // cash + positions value
	PositionsValue float64             `json:"positions_value"` // Σ market value
	UnrealizedPnL  float64             `json:"unrealized_pnl"`  // Σ unrealized
	Positions      []PositionValuation `json:"positions"`
}
