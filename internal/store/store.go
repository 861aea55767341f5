// Package store defines the persistence interface for the ledger and the
// quote feed. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache) and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
)

var (
	// ErrNotFound is returned when an account or market price row is missing.
	ErrNotFound = errors.New("store: not found")

	// ErrAccountExists is returned by CreateAccount for a duplicate user.
	ErrAccountExists = errors.New("store: account already exists")
)

const (
	// DefaultHistoryLimit is used when GetHistory is called with limit <= 0.
	DefaultHistoryLimit = 60

	// MaxHistoryLimit caps GetHistory.
	MaxHistoryLimit = 1000
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Transactions ---

	// InTx runs fn inside one atomic unit of work. If fn returns an error
	// every write made through tx is discarded; otherwise all of them are
	// committed together.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Accounts & positions ---

	// CreateAccount opens an account with the given starting cash.
	CreateAccount(ctx context.Context, userID int64, cash decimal.Decimal) (*model.Account, error)

	// GetAccount returns the account of userID or ErrNotFound.
	GetAccount(ctx context.Context, userID int64) (*model.Account, error)

	// ListPositions returns the user's open positions ordered by symbol.
	ListPositions(ctx context.Context, userID int64) ([]model.Position, error)

	// --- Immutable order log ---

	// ListOrders returns the user's orders, newest first.
	ListOrders(ctx context.Context, userID int64) ([]model.Order, error)

	// --- Quotes ---

	// GetQuote returns the latest price of symbol or ErrNotFound.
	GetQuote(ctx context.Context, symbol string) (*model.MarketPrice, error)

	// ListQuotes returns every latest price ordered by symbol.
	ListQuotes(ctx context.Context) ([]model.MarketPrice, error)

	// ListSymbols returns the symbols that have a latest price, sorted.
	ListSymbols(ctx context.Context) ([]string, error)

	// GetHistory returns the most recent limit ticks of symbol, oldest first.
	GetHistory(ctx context.Context, symbol string, limit int) ([]model.MarketTick, error)

	// RecordTicks upserts the latest price and appends a history row for
	// each tick, in order, atomically.
	RecordTicks(ctx context.Context, ticks []model.MarketTick) error
}

// Tx is the write set of one order. Callers lock the account before the
// position; that lock serialises all orders of one user.
type Tx interface {
	// GetQuote reads the latest price of symbol or ErrNotFound.
	GetQuote(ctx context.Context, symbol string) (*model.MarketPrice, error)

	// LockAccount reads and locks the account row of userID for the rest of
	// the transaction, or returns ErrNotFound.
	LockAccount(ctx context.Context, userID int64) (*model.Account, error)

	// LockPosition reads and locks the (userID, symbol) position. It
	// returns nil, nil when no position exists.
	LockPosition(ctx context.Context, userID int64, symbol string) (*model.Position, error)

	// UpdateCash sets the cash balance of userID.
	UpdateCash(ctx context.Context, userID int64, cash decimal.Decimal) error

	// UpsertPosition creates or replaces the (UserID, Symbol) position.
	UpsertPosition(ctx context.Context, pos *model.Position) error

	// DeletePosition removes the (userID, symbol) position.
	DeletePosition(ctx context.Context, userID int64, symbol string) error

	// InsertOrder appends an immutable order record.
	InsertOrder(ctx context.Context, order *model.Order) error
}

// ClampHistoryLimit applies DefaultHistoryLimit and MaxHistoryLimit.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
