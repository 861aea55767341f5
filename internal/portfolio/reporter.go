// Package portfolio values a user's holdings against the latest prices.
// It only reads: no call here mutates the ledger.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/store"
)

// Source is the read side of the store used by the reporter.
type Source interface {
	GetAccount(ctx context.Context, userID int64) (*model.Account, error)
	ListPositions(ctx context.Context, userID int64) ([]model.Position, error)
	GetQuote(ctx context.Context, symbol string) (*model.MarketPrice, error)
}

// Reporter builds portfolio summaries.
type Reporter struct {
	src Source
}

// NewReporter creates a reporter reading from src.
func NewReporter(src Source) *Reporter {
	return &Reporter{src: src}
}

// GetPortfolio returns cash, every position marked to its last price, and
// the totals. A held symbol without a price is valued at 0. A missing
// account is store.ErrNotFound.
func (r *Reporter) GetPortfolio(ctx context.Context, userID int64) (*model.PortfolioSummary, error) {
	acct, err := r.src.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := r.src.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	positionsValue := decimal.Zero
	unrealized := decimal.Zero
	out := make([]model.PositionValuation, 0, len(positions))

	for _, p := range positions {
		last, err := r.lastPrice(ctx, p.Symbol)
		if err != nil {
			return nil, err
		}
		v := Value(p, last)
		positionsValue = positionsValue.Add(v.marketValue)
		unrealized = unrealized.Add(v.pnl)
		out = append(out, v.display(p, last))
	}

	return &model.PortfolioSummary{
		UserID:         userID,
		Cash:           acct.CashBalance.InexactFloat64(),
		Equity:         acct.CashBalance.Add(positionsValue).InexactFloat64(),
		PositionsValue: positionsValue.InexactFloat64(),
		UnrealizedPnL:  unrealized.InexactFloat64(),
		Positions:      out,
	}, nil
}

func (r *Reporter) lastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q, err := r.src.GetQuote(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", symbol, err)
	}
	return q.Price, nil
}

// Valuation is the exact valuation of one position.
type Valuation struct {
	costBasis   decimal.Decimal
	marketValue decimal.Decimal
	pnl         decimal.Decimal
}

// Value marks p at last.
func Value(p model.Position, last decimal.Decimal) Valuation {
	qty := decimal.NewFromInt(p.Qty)
	return Valuation{
		costBasis:   p.AvgPrice.Mul(qty),
		marketValue: last.Mul(qty),
		pnl:         last.Sub(p.AvgPrice).Mul(qty),
	}
}

// PnLPct is pnl / cost basis, nil when the cost basis is 0.
func (v Valuation) PnLPct() *decimal.Decimal {
	if v.costBasis.IsZero() {
		return nil
	}
	pct := v.pnl.Div(v.costBasis)
	return &pct
}

func (v Valuation) display(p model.Position, last decimal.Decimal) model.PositionValuation {
	pv := model.PositionValuation{
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		AvgPrice:      p.AvgPrice.InexactFloat64(),
		LastPrice:     last.InexactFloat64(),
		MarketValue:   v.marketValue.InexactFloat64(),
		CostBasis:     v.costBasis.InexactFloat64(),
		UnrealizedPnL: v.pnl.InexactFloat64(),
	}
	if pct := v.PnLPct(); pct != nil {
		f := pct.InexactFloat64()
		pv.UnrealizedPnLPct = &f
	}
	return pv
}
