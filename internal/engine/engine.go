// Package engine executes market orders against the latest synthetic price.
//
// Every call of PlaceOrder that passes validation runs in exactly one store
// transaction. The account row is locked before the position row, so orders
// of the same user serialise while orders of different users proceed in
// parallel. A fill-time rejection (insufficient cash or shares) is recorded
// as an Order row and committed; any other failure rolls back everything.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/papertrade/internal/ledger"
	"github.com/atmx/papertrade/internal/market"
	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/money"
	"github.com/atmx/papertrade/internal/store"
)

var (
	// ErrInvalidOrder is returned for a bad symbol, side or quantity. No
	// Order row is written.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrMarketUnavailable is returned when a valid symbol has no price yet.
	// No Order row is written.
	ErrMarketUnavailable = errors.New("market unavailable")

	// ErrAccountNotFound is returned when the user has no account. It also
	// matches store.ErrNotFound.
	ErrAccountNotFound = errors.New("account not found")

	// Fill-time rejections. The rejected Order is returned with them.
	ErrInsufficientFunds  = ledger.ErrInsufficientFunds
	ErrInsufficientShares = ledger.ErrInsufficientShares
)

// IsRejection reports whether err is a fill-time rejection, i.e. an Order
// row with status rejected was committed.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInsufficientShares)
}

// Engine places orders. It is safe for concurrent use.
type Engine struct {
	store    store.Store
	universe *market.Universe
	logger   *zap.Logger
	currency string
	now      func() time.Time
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithCurrency sets the ISO currency used in rejection messages.
func WithCurrency(code string) Option {
	return func(e *Engine) {
		if code != "" {
			e.currency = code
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine trading the symbols of u against st.
func New(st store.Store, u *market.Universe, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		universe: u,
		logger:   logger,
		currency: "USD",
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is a validated order.
type Request struct {
	UserID int64
	Symbol string
	Side   model.Side
	Qty    int64
}

// Validate normalises the symbol and checks, in order: symbol present,
// symbol in the universe, side, quantity. The first failure wins.
func (e *Engine) Validate(userID int64, symbol, side string, qty int64) (Request, error) {
	sym := market.Normalize(symbol)
	if sym == "" {
		return Request{}, fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if !e.universe.Contains(sym) {
		return Request{}, fmt.Errorf("%w: unsupported symbol %q, allowed: %s",
			ErrInvalidOrder, sym, strings.Join(e.universe.Symbols(), ", "))
	}
	sd := model.Side(strings.ToLower(strings.TrimSpace(side)))
	if !sd.Valid() {
		return Request{}, fmt.Errorf("%w: side must be %q or %q", ErrInvalidOrder, model.Buy, model.Sell)
	}
	if qty < 1 {
		return Request{}, fmt.Errorf("%w: quantity must be >= 1", ErrInvalidOrder)
	}
	return Request{UserID: userID, Symbol: sym, Side: sd, Qty: qty}, nil
}

// PlaceOrder validates and executes one market order for userID.
//
// On a fill it returns the filled order and a nil error. On a fill-time
// rejection it returns the committed rejected order together with
// ErrInsufficientFunds or ErrInsufficientShares. Every other error comes
// with a nil order and no persisted state.
func (e *Engine) PlaceOrder(ctx context.Context, userID int64, symbol, side string, qty int64) (*model.Order, error) {
	req, err := e.Validate(userID, symbol, side, qty)
	if err != nil {
		metrics.OrdersInvalid.WithLabelValues("validation").Inc()
		return nil, err
	}
	return e.Execute(ctx, req)
}

// Execute runs an already validated order.
func (e *Engine) Execute(ctx context.Context, req Request) (*model.Order, error) {
	start := time.Now()

	var (
		order     *model.Order
		rejection error
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		order, rejection = nil, nil

		q, err := tx.GetQuote(ctx, req.Symbol)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no price for %s yet", ErrMarketUnavailable, req.Symbol)
		}
		if err != nil {
			return fmt.Errorf("read quote %s: %w", req.Symbol, err)
		}
		fill := ledger.NewFill(req.Symbol, req.Qty, q.Price, e.now())

		acct, err := tx.LockAccount(ctx, req.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: user %d: %w", ErrAccountNotFound, req.UserID, err)
		}
		if err != nil {
			return fmt.Errorf("lock account %d: %w", req.UserID, err)
		}
		pos, err := tx.LockPosition(ctx, req.UserID, req.Symbol)
		if err != nil {
			return fmt.Errorf("lock position %d/%s: %w", req.UserID, req.Symbol, err)
		}

		var (
			nextAcct model.Account
			nextPos  *model.Position
			lerr     error
		)
		if req.Side == model.Buy {
			nextAcct, nextPos, lerr = ledger.Buy(*acct, pos, fill)
		} else {
			nextAcct, nextPos, lerr = ledger.Sell(*acct, pos, fill)
		}

		o := &model.Order{
			ID:        e.newID(),
			UserID:    req.UserID,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Qty:       req.Qty,
			CreatedAt: fill.At,
		}

		if lerr != nil {
			if !IsRejection(lerr) {
				return lerr
			}
			o.Status = model.Rejected
			if err := tx.InsertOrder(ctx, o); err != nil {
				return fmt.Errorf("insert rejected order: %w", err)
			}
			order = o
			rejection = e.describe(lerr, fill, *acct)
			return nil
		}

		if err := tx.UpdateCash(ctx, req.UserID, nextAcct.CashBalance); err != nil {
			return fmt.Errorf("update cash: %w", err)
		}
		switch {
		case nextPos != nil:
			if err := tx.UpsertPosition(ctx, nextPos); err != nil {
				return fmt.Errorf("upsert position: %w", err)
			}
		case pos != nil:
			if err := tx.DeletePosition(ctx, req.UserID, req.Symbol); err != nil {
				return fmt.Errorf("delete position: %w", err)
			}
		}

		o.Status = model.Filled
		o.FilledPrice = decimal.NewNullDecimal(fill.Price)
		if err := tx.InsertOrder(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		order = o

		metrics.NotionalTotal.WithLabelValues(req.Symbol, string(req.Side)).Add(fill.Notional.InexactFloat64())
		return nil
	})

	latency := time.Since(start).Seconds()
	metrics.OrderLatency.WithLabelValues(string(req.Side)).Observe(latency)

	if err != nil {
		switch {
		case errors.Is(err, ErrMarketUnavailable):
			metrics.OrdersInvalid.WithLabelValues("market_unavailable").Inc()
		case errors.Is(err, ErrAccountNotFound):
			metrics.OrdersInvalid.WithLabelValues("no_account").Inc()
		default:
			e.logger.Error("order transaction failed",
				zap.Int64("user_id", req.UserID),
				zap.String("symbol", req.Symbol),
				zap.String("side", string(req.Side)),
				zap.Int64("qty", req.Qty),
				zap.Error(err),
			)
		}
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(req.Side), string(order.Status)).Inc()

	if rejection != nil {
		e.logger.Info("order rejected",
			zap.String("order_id", order.ID),
			zap.Int64("user_id", req.UserID),
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.Int64("qty", req.Qty),
			zap.String("reason", rejection.Error()),
		)
		return order, rejection
	}

	e.logger.Info("order filled",
		zap.String("order_id", order.ID),
		zap.Int64("user_id", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("qty", req.Qty),
		zap.String("price", order.FilledPrice.Decimal.StringFixed(money.PriceScale)),
	)
	return order, nil
}

// describe adds the amounts a client needs to render a rejection.
func (e *Engine) describe(err error, f ledger.Fill, acct model.Account) error {
	if errors.Is(err, ErrInsufficientFunds) {
		return fmt.Errorf("%w (need %s, have %s)", ErrInsufficientFunds,
			money.Format(f.Notional, e.currency), money.Format(acct.CashBalance, e.currency))
	}
	return err
}
