package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/papertrade/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
//
// Order transactions always read the primary: the cache only serves the
// reporting and market endpoints.
//
// Per-user rows are versioned by a generation counter that every committed
// transaction bumps. A read-through fill only lands if the generation it
// observed before reading the primary is still current.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched map[int64]struct{}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		rec := &touchTx{Tx: tx, users: make(map[int64]struct{})}
		touched = rec.users
		return fn(rec)
	})
	if err != nil {
		return err
	}
	for userID := range touched {
		s.invalidateUser(ctx, userID)
	}
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, userID int64, cash decimal.Decimal) (*model.Account, error) {
	gen := s.generation(ctx, userID)
	acct, err := s.primary.CreateAccount(ctx, userID, cash)
	if err != nil {
		return nil, err
	}
	s.setUser(ctx, userID, gen, accountKey(userID), acct)
	return acct, nil
}

func (s *CachedStore) RecordTicks(ctx context.Context, ticks []model.MarketTick) error {
	if err := s.primary.RecordTicks(ctx, ticks); err != nil {
		return err
	}
	// Later ticks of a symbol overwrite earlier ones, matching the primary.
	pipe := s.rdb.Pipeline()
	for _, t := range ticks {
		mp := model.MarketPrice{Symbol: t.Symbol, Price: t.Price, UpdatedAt: t.TS}
		if data, err := json.Marshal(mp); err == nil {
			pipe.Set(ctx, quoteKey(t.Symbol), data, s.ttl)
		}
	}
	pipe.Del(ctx, symbolsKey())
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("quote cache refresh failed",
			zap.Int("ticks", len(ticks)),
			zap.Error(err),
		)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	var acct model.Account
	if s.get(ctx, accountKey(userID), &acct) {
		return &acct, nil
	}

	gen := s.generation(ctx, userID)
	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setUser(ctx, userID, gen, accountKey(userID), a)
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID int64) ([]model.Position, error) {
	var positions []model.Position
	if s.get(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	gen := s.generation(ctx, userID)
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setUser(ctx, userID, gen, positionsKey(userID), positions)
	return positions, nil
}

func (s *CachedStore) GetQuote(ctx context.Context, symbol string) (*model.MarketPrice, error) {
	var mp model.MarketPrice
	if s.get(ctx, quoteKey(symbol), &mp) {
		return &mp, nil
	}

	q, err := s.primary.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.set(ctx, quoteKey(symbol), q)
	return q, nil
}

func (s *CachedStore) ListSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	if s.get(ctx, symbolsKey(), &symbols) {
		return symbols, nil
	}

	symbols, err := s.primary.ListSymbols(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, symbolsKey(), symbols)
	return symbols, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, userID)
}

func (s *CachedStore) ListQuotes(ctx context.Context) ([]model.MarketPrice, error) {
	return s.primary.ListQuotes(ctx)
}

func (s *CachedStore) GetHistory(ctx context.Context, symbol string, limit int) ([]model.MarketTick, error) {
	return s.primary.GetHistory(ctx, symbol, limit)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// generation returns the user's cache generation, -1 when Redis is unreachable.
func (s *CachedStore) generation(ctx context.Context, userID int64) int64 {
	gen, err := s.rdb.Get(ctx, generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		return -1
	}
	return gen
}

// setUser caches v under key unless a transaction committed for userID
// since gen was read.
func (s *CachedStore) setUser(ctx context.Context, userID, gen int64, key string, v any) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	genKey := generationKey(userID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		s.logger.Debug("ledger cache fill skipped", zap.String("key", key), zap.Error(err))
	}
}

// invalidateUser bumps the user's generation and drops the cached rows.
func (s *CachedStore) invalidateUser(ctx context.Context, userID int64) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		pipe.Del(ctx, accountKey(userID), positionsKey(userID))
		return nil
	})
	if err != nil {
		s.logger.Warn("ledger cache invalidation failed",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
}

func generationKey(uid int64) string { return fmt.Sprintf("gen:%d", uid) }
func accountKey(uid int64) string    { return fmt.Sprintf("account:%d", uid) }
func positionsKey(uid int64) string  { return fmt.Sprintf("positions:%d", uid) }
func quoteKey(sym string) string     { return fmt.Sprintf("quote:%s", sym) }
func symbolsKey() string             { return "symbols" }

// touchTx records the users whose ledger rows a transaction may change.
type touchTx struct {
	Tx
	users map[int64]struct{}
}

func (t *touchTx) LockAccount(ctx context.Context, userID int64) (*model.Account, error) {
	t.users[userID] = struct{}{}
	return t.Tx.LockAccount(ctx, userID)
}

func (t *touchTx) LockPosition(ctx context.Context, userID int64, symbol string) (*model.Position, error) {
	t.users[userID] = struct{}{}
	return t.Tx.LockPosition(ctx, userID, symbol)
}

func (t *touchTx) UpdateCash(ctx context.Context, userID int64, cash decimal.Decimal) error {
	t.users[userID] = struct{}{}
	return t.Tx.UpdateCash(ctx, userID, cash)
}

func (t *touchTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.users[p.UserID] = struct{}{}
	return t.Tx.UpsertPosition(ctx, p)
}

func (t *touchTx) DeletePosition(ctx context.Context, userID int64, symbol string) error {
	t.users[userID] = struct{}{}
	return t.Tx.DeletePosition(ctx, userID, symbol)
}
