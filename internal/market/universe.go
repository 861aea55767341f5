// Package market implements the synthetic price feed: the closed symbol
// universe every other component trades against, and a multiplicative
// random walk that advances each symbol's price on a fixed interval.
//
// The walk for one step is
//
//	price' = round4(price × (1 + drift + volatility × Z)),  Z ~ N(0, 1)
//
// with a floor of 1.00 whenever the rounded result is not positive. Prices
// are rounded after every step, so the walk never compounds unrounded values.
//
// All monetary values use shopspring/decimal, never float64.
package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmptyUniverse is returned when a universe would contain no symbols.
	ErrEmptyUniverse = errors.New("market: universe must contain at least one symbol")

	// ErrInvalidInstrument is returned for a blank symbol, a duplicate
	// symbol, a non-positive seed price or a negative volatility.
	ErrInvalidInstrument = errors.New("market: invalid instrument")

	// DefaultDrift is the per-step drift applied to every symbol.
	DefaultDrift = decimal.RequireFromString("0.00005")

	// DefaultVolatility is used for an instrument configured without one.
	DefaultVolatility = decimal.RequireFromString("0.0020")

	// PriceFloor replaces any step result that is not strictly positive.
	PriceFloor = decimal.RequireFromString("1.00")
)

// Instrument is one tradable symbol with its random-walk parameters.
type Instrument struct {
	Symbol     string
	SeedPrice  decimal.Decimal
	Volatility decimal.Decimal
}

// Universe is the fixed, closed set of tradable symbols. It is immutable
// once built and safe to share between the engine and the generator.
type Universe struct {
	drift       decimal.Decimal
	symbols     []string
	instruments map[string]Instrument
}

// NewUniverse validates instruments and builds an immutable universe.
// Symbols are normalised to upper case.
func NewUniverse(drift decimal.Decimal, instruments ...Instrument) (*Universe, error) {
	if len(instruments) == 0 {
		return nil, ErrEmptyUniverse
	}
	u := &Universe{
		drift:       drift,
		instruments: make(map[string]Instrument, len(instruments)),
	}
	for _, inst := range instruments {
		inst.Symbol = Normalize(inst.Symbol)
		if inst.Symbol == "" {
			return nil, fmt.Errorf("%w: blank symbol", ErrInvalidInstrument)
		}
		if _, dup := u.instruments[inst.Symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrInvalidInstrument, inst.Symbol)
		}
		if !inst.SeedPrice.IsPositive() {
			return nil, fmt.Errorf("%w: %s seed price must be positive", ErrInvalidInstrument, inst.Symbol)
		}
		if inst.Volatility.IsNegative() {
			return nil, fmt.Errorf("%w: %s volatility must not be negative", ErrInvalidInstrument, inst.Symbol)
		}
		if inst.Volatility.IsZero() {
			inst.Volatility = DefaultVolatility
		}
		u.instruments[inst.Symbol] = inst
		u.symbols = append(u.symbols, inst.Symbol)
	}
	sort.Strings(u.symbols)
	return u, nil
}

// DefaultInstruments is the stock table the service ships with.
func DefaultInstruments() []Instrument {
	row := func(sym, seed, vol string) Instrument {
		return Instrument{
			Symbol:     sym,
			SeedPrice:  decimal.RequireFromString(seed),
			Volatility: decimal.RequireFromString(vol),
		}
	}
	return []Instrument{
		row("AAPL", "185.00", "0.0020"),
		row("MSFT", "410.00", "0.0018"),
		row("TSLA", "240.00", "0.0060"),
		row("AMZN", "170.00", "0.0025"),
		row("GOOGL", "145.00", "0.0022"),
		row("NVDA", "600.00", "0.0050"),
	}
}

// DefaultUniverse returns the default table with the default drift,
// optionally narrowed to the given symbols.
func DefaultUniverse(only ...string) (*Universe, error) {
	all := DefaultInstruments()
	if len(only) == 0 {
		return NewUniverse(DefaultDrift, all...)
	}
	bySymbol := make(map[string]Instrument, len(all))
	for _, inst := range all {
		bySymbol[inst.Symbol] = inst
	}
	picked := make([]Instrument, 0, len(only))
	for _, sym := range only {
		inst, ok := bySymbol[Normalize(sym)]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not in the default table", ErrInvalidInstrument, sym)
		}
		picked = append(picked, inst)
	}
	return NewUniverse(DefaultDrift, picked...)
}

// Normalize trims and upper-cases a client-supplied symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Contains reports whether symbol (already normalised) is tradable.
func (u *Universe) Contains(symbol string) bool {
	_, ok := u.instruments[symbol]
	return ok
}

// Symbols returns the sorted symbol list. The slice is a copy.
func (u *Universe) Symbols() []string {
	out := make([]string, len(u.symbols))
	copy(out, u.symbols)
	return out
}

// Instrument returns the parameters of symbol.
func (u *Universe) Instrument(symbol string) (Instrument, bool) {
	inst, ok := u.instruments[symbol]
	return inst, ok
}

// Drift returns the per-step drift.
func (u *Universe) Drift() decimal.Decimal {
	return u.drift
}
