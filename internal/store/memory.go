package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/money"
)

type posKey struct {
	userID int64
	symbol string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take a per-user mutex on LockAccount/LockPosition and buffer
// their writes; the write set is applied under the store lock on commit and
// the user locks are released afterwards. Orders of different users never
// contend.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[int64]model.Account
	positions map[posKey]model.Position
	orders    []model.Order
	prices    map[string]model.MarketPrice
	ticks     map[string][]model.MarketTick

	locksMu   sync.Mutex
	userLocks map[int64]*sync.Mutex

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[int64]model.Account),
		positions: make(map[posKey]model.Position),
		prices:    make(map[string]model.MarketPrice),
		ticks:     make(map[string][]model.MarketTick),
		userLocks: make(map[int64]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) userLock(userID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// --- Transactions ---

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:       s,
		locked:  make(map[int64]*sync.Mutex),
		cash:    make(map[int64]decimal.Decimal),
		upserts: make(map[posKey]model.Position),
		deletes: make(map[posKey]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID := range tx.cash {
		if _, ok := s.accounts[userID]; !ok {
			return fmt.Errorf("update cash for user %d: %w", userID, ErrNotFound)
		}
	}
	for userID, cash := range tx.cash {
		acct := s.accounts[userID]
		acct.CashBalance = cash
		s.accounts[userID] = acct
	}
	for k := range tx.deletes {
		delete(s.positions, k)
	}
	for k, p := range tx.upserts {
		s.positions[k] = p
	}
	s.orders = append(s.orders, tx.orders...)
	return nil
}

type memTx struct {
	s       *MemoryStore
	locked  map[int64]*sync.Mutex
	cash    map[int64]decimal.Decimal
	upserts map[posKey]model.Position
	deletes map[posKey]bool
	orders  []model.Order
}

func (tx *memTx) lock(userID int64) {
	if _, ok := tx.locked[userID]; ok {
		return
	}
	l := tx.s.userLock(userID)
	l.Lock()
	tx.locked[userID] = l
}

func (tx *memTx) release() {
	for _, l := range tx.locked {
		l.Unlock()
	}
}

func (tx *memTx) GetQuote(ctx context.Context, symbol string) (*model.MarketPrice, error) {
	return tx.s.GetQuote(ctx, symbol)
}

func (tx *memTx) LockAccount(_ context.Context, userID int64) (*model.Account, error) {
	tx.lock(userID)

	tx.s.mu.RLock()
	acct, ok := tx.s.accounts[userID]
	tx.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %d: %w", userID, ErrNotFound)
	}
	if cash, staged := tx.cash[userID]; staged {
		acct.CashBalance = cash
	}
	return &acct, nil
}

func (tx *memTx) LockPosition(_ context.Context, userID int64, symbol string) (*model.Position, error) {
	tx.lock(userID)

	k := posKey{userID, symbol}
	if p, ok := tx.upserts[k]; ok {
		return &p, nil
	}
	if tx.deletes[k] {
		return nil, nil
	}

	tx.s.mu.RLock()
	p, ok := tx.s.positions[k]
	tx.s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (tx *memTx) UpdateCash(_ context.Context, userID int64, cash decimal.Decimal) error {
	tx.cash[userID] = cash
	return nil
}

func (tx *memTx) UpsertPosition(_ context.Context, pos *model.Position) error {
	k := posKey{pos.UserID, pos.Symbol}
	delete(tx.deletes, k)
	tx.upserts[k] = *pos
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, userID int64, symbol string) error {
	k := posKey{userID, symbol}
	delete(tx.upserts, k)
	tx.deletes[k] = true
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, order *model.Order) error {
	tx.orders = append(tx.orders, *order)
	return nil
}

// --- Accounts & positions ---

func (s *MemoryStore) CreateAccount(_ context.Context, userID int64, cash decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return nil, fmt.Errorf("user %d: %w", userID, ErrAccountExists)
	}
	acct := model.Account{
		UserID:      userID,
		CashBalance: money.Round2(cash),
		CreatedAt:   s.now(),
	}
	s.accounts[userID] = acct
	return &acct, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID int64) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", userID, ErrNotFound)
	}
	return &acct, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID int64) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, userID int64) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for i := len(s.orders) - 1; i >= 0; i-- {
		if s.orders[i].UserID == userID {
			result = append(result, s.orders[i])
		}
	}
	return result, nil
}

// --- Quotes ---

func (s *MemoryStore) GetQuote(_ context.Context, symbol string) (*model.MarketPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mp, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("quote %s: %w", symbol, ErrNotFound)
	}
	return &mp, nil
}

func (s *MemoryStore) ListQuotes(_ context.Context) ([]model.MarketPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quotes := make([]model.MarketPrice, 0, len(s.prices))
	for _, mp := range s.prices {
		quotes = append(quotes, mp)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Symbol < quotes[j].Symbol })
	return quotes, nil
}

func (s *MemoryStore) ListSymbols(ctx context.Context) ([]string, error) {
	quotes, err := s.ListQuotes(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, len(quotes))
	for i, q := range quotes {
		symbols[i] = q.Symbol
	}
	return symbols, nil
}

func (s *MemoryStore) GetHistory(_ context.Context, symbol string, limit int) ([]model.MarketTick, error) {
	limit = ClampHistoryLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.ticks[symbol]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]model.MarketTick, len(all))
	copy(out, all)
	return out, nil
}

func (s *MemoryStore) RecordTicks(_ context.Context, ticks []model.MarketTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range ticks {
		s.prices[t.Symbol] = model.MarketPrice{Symbol: t.Symbol, Price: t.Price, UpdatedAt: t.TS}
		s.ticks[t.Symbol] = append(s.ticks[t.Symbol], t)
	}
	return nil
}
