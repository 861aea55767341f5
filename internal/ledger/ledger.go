// Package ledger applies fills to an account and a position.
//
// The functions here are pure: they take the rows as read inside a
// transaction and return the rows to write. Nothing is mutated in place, so
// a caller that decides not to commit has nothing to undo.
//
//   - Buy debits the notional and folds it into the weighted-average cost.
//   - Sell credits the notional and decrements quantity; the average cost of
//     what remains is unchanged, and a position that reaches zero is closed.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/money"
)

var (
	// ErrInsufficientFunds is returned when a buy's notional exceeds cash.
	ErrInsufficientFunds = errors.New("insufficient cash")

	// ErrInsufficientShares is returned when a sell exceeds the held quantity.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrInvalidQuantity is returned for a quantity below 1.
	ErrInvalidQuantity = errors.New("ledger: quantity must be >= 1")
)

// Fill describes one execution at a snapshot price.
type Fill struct {
	Symbol   string
	Qty      int64
	Price    decimal.Decimal // scale 4
	Notional decimal.Decimal // scale 2, money.Notional(Price, Qty)
	At       time.Time
}

// NewFill builds a fill, rounding price and deriving the notional.
func NewFill(symbol string, qty int64, price decimal.Decimal, at time.Time) Fill {
	p := money.Round4(price)
	return Fill{
		Symbol:   symbol,
		Qty:      qty,
		Price:    p,
		Notional: money.Notional(p, qty),
		At:       at,
	}
}

// Buy returns the account and position after buying f. pos is nil when the
// user holds no shares of f.Symbol. The returned position is never nil on
// success.
func Buy(acct model.Account, pos *model.Position, f Fill) (model.Account, *model.Position, error) {
	if f.Qty < 1 {
		return acct, pos, ErrInvalidQuantity
	}
	if acct.CashBalance.LessThan(f.Notional) {
		return acct, pos, ErrInsufficientFunds
	}

	acct.CashBalance = money.Round2(acct.CashBalance.Sub(f.Notional))

	if pos == nil {
		return acct, &model.Position{
			UserID:    acct.UserID,
			Symbol:    f.Symbol,
			Qty:       f.Qty,
			AvgPrice:  f.Price,
			UpdatedAt: f.At,
		}, nil
	}

	next := *pos
	next.Qty = pos.Qty + f.Qty
	next.AvgPrice = WeightedAverage(pos.AvgPrice, pos.Qty, f.Notional, next.Qty)
	next.UpdatedAt = f.At
	return acct, &next, nil
}

// Sell returns the account and position after selling f. The returned
// position is nil when the holding is closed.
func Sell(acct model.Account, pos *model.Position, f Fill) (model.Account, *model.Position, error) {
	if f.Qty < 1 {
		return acct, pos, ErrInvalidQuantity
	}
	held := Held(pos)
	if held < f.Qty {
		return acct, pos, fmt.Errorf("%w (have %d, tried %d)", ErrInsufficientShares, held, f.Qty)
	}

	acct.CashBalance = money.Round2(acct.CashBalance.Add(f.Notional))

	if held == f.Qty {
		return acct, nil, nil
	}
	next := *pos
	next.Qty = held - f.Qty
	next.UpdatedAt = f.At
	return acct, &next, nil
}

// Held is the quantity held by pos, 0 for no position.
func Held(pos *model.Position) int64 {
	if pos == nil {
		return 0
	}
	return pos.Qty
}

// WeightedAverage folds a buy into a running average cost using the
// notional actually charged, so the cost basis tracks the cash debited.
//
//	round4((oldAvg × oldQty + notional) / newQty)
func WeightedAverage(oldAvg decimal.Decimal, oldQty int64, notional decimal.Decimal, newQty int64) decimal.Decimal {
	cost := oldAvg.Mul(decimal.NewFromInt(oldQty)).Add(notional)
	// DivRound is exact half-away-from-zero at the requested scale.
	return cost.DivRound(decimal.NewFromInt(newQty), money.PriceScale)
}

// CostBasis is qty × avg for pos, 0 for no position.
func CostBasis(pos *model.Position) decimal.Decimal {
	if pos == nil {
		return decimal.Zero
	}
	return pos.AvgPrice.Mul(decimal.NewFromInt(pos.Qty))
}
