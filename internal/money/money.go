// Package money holds the fixed-point rules shared by the ledger and the
// price feed. Cash and notionals carry 2 decimal places, prices and average
// costs carry 4. Rounding is half-up (ties away from zero).
//
// All monetary values use shopspring/decimal, never float64.
package money

import (
	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const (
	// CashScale is the number of decimal places kept for cash and notionals.
	CashScale int32 = 2

	// PriceScale is the number of decimal places kept for prices and average costs.
	PriceScale int32 = 4
)

// Round2 rounds d half-up to cash precision.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(CashScale)
}

// Round4 rounds d half-up to price precision.
func Round4(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceScale)
}

// Notional is the cash value of qty shares at price, computed from a price
// already rounded to 4 places and rounded to cash precision.
func Notional(price decimal.Decimal, qty int64) decimal.Decimal {
	return Round2(Round4(price).Mul(decimal.NewFromInt(qty)))
}

// Format renders d in the given ISO currency, e.g. "$1,850.00" for USD.
func Format(d decimal.Decimal, currency string) string {
	// to get a never nil currency I need to call the Money constructor
	cur := gomoney.New(0, currency).Currency()
	minor := d.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction))
	return cur.Formatter().Format(minor.IntPart())
}
