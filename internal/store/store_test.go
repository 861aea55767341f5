package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fixture hands out user ids and symbols unique to one test run so the
// suite can also run against a shared PostgreSQL database.
type fixture struct {
	base int64
	n    int64
}

func newFixture() *fixture {
	return &fixture{base: time.Now().UnixNano() % 1_000_000_000_000}
}

func (f *fixture) user() int64 {
	f.n++
	return f.base*100 + f.n
}

func (f *fixture) symbol() string {
	f.n++
	return fmt.Sprintf("T%d", (f.base+f.n)%1_000_000_000)
}

func runSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore(t), newFixture()) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newStore(t), newFixture()) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t), newFixture()) })
	t.Run("Orders", func(t *testing.T) { testOrders(t, newStore(t), newFixture()) })
	t.Run("Quotes", func(t *testing.T) { testQuotes(t, newStore(t), newFixture()) })
}

func testAccounts(t *testing.T, st store.Store, f *fixture) {
	ctx := context.Background()
	uid := f.user()

	acct, err := st.CreateAccount(ctx, uid, d("10000"))
	require.NoError(t, err)
	assert.Equal(t, uid, acct.UserID)
	assert.True(t, acct.CashBalance.Equal(d("10000.00")))

	_, err = st.CreateAccount(ctx, uid, d("1"))
	assert.ErrorIs(t, err, store.ErrAccountExists)

	got, err := st.GetAccount(ctx, uid)
	require.NoError(t, err)
	assert.True(t, got.CashBalance.Equal(d("10000.00")))

	_, err = st.GetAccount(ctx, f.user())
	assert.ErrorIs(t, err, store.ErrNotFound)

	positions, err := st.ListPositions(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func testTxCommit(t *testing.T, st store.Store, f *fixture) {
	ctx := context.Background()
	uid := f.user()
	sym1, sym2 := f.symbol(), f.symbol()
	_, err := st.CreateAccount(ctx, uid, d("500.00"))
	require.NoError(t, err)

	// Warm any cache before the write.
	_, err = st.GetAccount(ctx, uid)
	require.NoError(t, err)
	_, err = st.ListPositions(ctx, uid)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	err = st.InTx(ctx, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, uid)
		if err != nil {
			return err
		}
		if !acct.CashBalance.Equal(d("500.00")) {
			return fmt.Errorf("unexpected cash %s", acct.CashBalance)
		}
		pos, err := tx.LockPosition(ctx, uid, sym1)
		if err != nil {
			return err
		}
		if pos != nil {
			return errors.New("expected no position")
		}
		if err := tx.UpdateCash(ctx, uid, d("120.50")); err != nil {
			return err
		}
		for _, sym := range []string{sym1, sym2} {
			if err := tx.UpsertPosition(ctx, &model.Position{
				UserID: uid, Symbol: sym, Qty: 3, AvgPrice: d("126.5000"), UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return tx.DeletePosition(ctx, uid, sym2)
	})
	require.NoError(t, err)

	acct, err := st.GetAccount(ctx, uid)
	require.NoError(t, err)
	assert.True(t, acct.CashBalance.Equal(d("120.50")), "cash %s", acct.CashBalance)

	positions, err := st.ListPositions(ctx, uid)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, sym1, positions[0].Symbol)
	assert.Equal(t, int64(3), positions[0].Qty)
	assert.True(t, positions[0].AvgPrice.Equal(d("126.5000")))

	// An upsert replaces quantity and average.
	err = st.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, uid); err != nil {
			return err
		}
		pos, err := tx.LockPosition(ctx, uid, sym1)
		if err != nil {
			return err
		}
		pos.Qty = 5
		pos.AvgPrice = d("130.1234")
		return tx.UpsertPosition(ctx, pos)
	})
	require.NoError(t, err)

	positions, err = st.ListPositions(ctx, uid)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(5), positions[0].Qty)
	assert.True(t, positions[0].AvgPrice.Equal(d("130.1234")))
}

func testTxRollback(t *testing.T, st store.Store, f *fixture) {
	ctx := context.Background()
	uid := f.user()
	sym := f.symbol()
	_, err := st.CreateAccount(ctx, uid, d("500.00"))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = st.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, uid); err != nil {
			return err
		}
		if err := tx.UpdateCash(ctx, uid, d("1.00")); err != nil {
			return err
		}
		if err := tx.UpsertPosition(ctx, &model.Position{UserID: uid, Symbol: sym, Qty: 1, AvgPrice: d("1"), UpdatedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, &model.Order{
			ID: fmt.Sprintf("rollback-%d", uid), UserID: uid, Symbol: sym, Side: model.Buy, Qty: 1,
			Status: model.Filled, FilledPrice: decimal.NewNullDecimal(d("1")), CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, err := st.GetAccount(ctx, uid)
	require.NoError(t, err)
	assert.True(t, acct.CashBalance.Equal(d("500.00")))

	positions, err := st.ListPositions(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, positions)

	orders, err := st.ListOrders(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, orders)

	// A missing account surfaces as ErrNotFound from inside the tx.
	err = st.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockAccount(ctx, f.user())
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testOrders(t *testing.T, st store.Store, f *fixture) {
	ctx := context.Background()
	uid := f.user()
	sym := f.symbol()
	_, err := st.CreateAccount(ctx, uid, d("500.00"))
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Millisecond)
	insert := func(id string, status model.OrderStatus, price *decimal.Decimal, at time.Time) {
		t.Helper()
		o := &model.Order{ID: id, UserID: uid, Symbol: sym, Side: model.Sell, Qty: 2, Status: status, CreatedAt: at}
		if price != nil {
			o.FilledPrice = decimal.NewNullDecimal(*price)
		}
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.InsertOrder(ctx, o) }))
	}
	price := d("12.3400")
	insert(fmt.Sprintf("first-%d", uid), model.Filled, &price, base)
	insert(fmt.Sprintf("second-%d", uid), model.Rejected, nil, base.Add(time.Second))

	orders, err := st.ListOrders(ctx, uid)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, fmt.Sprintf("second-%d", uid), orders[0].ID)
	assert.Equal(t, model.Rejected, orders[0].Status)
	assert.False(t, orders[0].FilledPrice.Valid)

	assert.Equal(t, fmt.Sprintf("first-%d", uid), orders[1].ID)
	assert.Equal(t, model.Filled, orders[1].Status)
	assert.Equal(t, model.Sell, orders[1].Side)
	assert.Equal(t, int64(2), orders[1].Qty)
	require.True(t, orders[1].FilledPrice.Valid)
	assert.True(t, orders[1].FilledPrice.Decimal.Equal(price))
}

func testQuotes(t *testing.T, st store.Store, f *fixture) {
	ctx := context.Background()
	sym := f.symbol()

	_, err := st.GetQuote(ctx, sym)
	assert.ErrorIs(t, err, store.ErrNotFound)

	base := time.Now().UTC().Truncate(time.Millisecond)
	var ticks []model.MarketTick
	for i := 0; i < 5; i++ {
		ticks = append(ticks, model.MarketTick{
			Symbol: sym,
			Price:  d("100.0000").Add(decimal.NewFromInt(int64(i))),
			TS:     base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, st.RecordTicks(ctx, ticks[:2]))
	// Warm the quote cache, then move the price again.
	q, err := st.GetQuote(ctx, sym)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("101.0000")))
	require.NoError(t, st.RecordTicks(ctx, ticks[2:]))

	q, err = st.GetQuote(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, sym, q.Symbol)
	assert.True(t, q.Price.Equal(d("104.0000")), "price %s", q.Price)

	symbols, err := st.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Contains(t, symbols, sym)

	quotes, err := st.ListQuotes(ctx)
	require.NoError(t, err)
	var found bool
	for _, mp := range quotes {
		if mp.Symbol == sym {
			found = true
			assert.True(t, mp.Price.Equal(d("104.0000")))
		}
	}
	assert.True(t, found)

	hist, err := st.GetHistory(ctx, sym, 3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.True(t, hist[0].Price.Equal(d("102.0000")))
	assert.True(t, hist[2].Price.Equal(d("104.0000")))

	hist, err = st.GetHistory(ctx, sym, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 5)
}

// --- Backends ---

func TestMemoryStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestCachedStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute, zaptest.NewLogger(t))
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PAPERTRADE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PAPERTRADE_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	pg := store.NewPostgresStore(pool)
	require.NoError(t, pg.EnsureSchema(context.Background()))
	runSuite(t, func(t *testing.T) store.Store { return pg })
}

func TestClampHistoryLimit(t *testing.T) {
	assert.Equal(t, store.DefaultHistoryLimit, store.ClampHistoryLimit(0))
	assert.Equal(t, store.DefaultHistoryLimit, store.ClampHistoryLimit(-3))
	assert.Equal(t, 7, store.ClampHistoryLimit(7))
	assert.Equal(t, store.MaxHistoryLimit, store.ClampHistoryLimit(5000))
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := store.NewMemoryStore()
	cached := store.NewCachedStore(primary, rdb, time.Minute, zaptest.NewLogger(t))

	require.NoError(t, cached.RecordTicks(ctx, []model.MarketTick{{Symbol: "AAPL", Price: d("185.0000"), TS: time.Now()}}))
	assert.True(t, mr.Exists("quote:AAPL"))

	// Writes that bypass the wrapper are not seen until the entry expires.
	require.NoError(t, primary.RecordTicks(ctx, []model.MarketTick{{Symbol: "AAPL", Price: d("190.0000"), TS: time.Now()}}))
	q, err := cached.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("185.0000")))

	mr.FastForward(2 * time.Minute)
	q, err = cached.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("190.0000")))
}

// pausingStore holds the first GetAccount after the primary read until
// release is closed.
type pausingStore struct {
	store.Store
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *pausingStore) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	acct, err := p.Store.GetAccount(ctx, userID)
	p.once.Do(func() {
		close(p.read)
		<-p.release
	})
	return acct, err
}

func TestCachedStore_CommitDuringReadThrough(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	mem := store.NewMemoryStore()
	_, err := mem.CreateAccount(ctx, 1, d("10000.00"))
	require.NoError(t, err)

	primary := &pausingStore{Store: mem, read: make(chan struct{}), release: make(chan struct{})}
	cached := store.NewCachedStore(primary, rdb, time.Minute, zaptest.NewLogger(t))

	type result struct {
		acct *model.Account
		err  error
	}
	done := make(chan result, 1)
	go func() {
		acct, err := cached.GetAccount(ctx, 1)
		done <- result{acct, err}
	}()

	<-primary.read
	err = cached.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, 1); err != nil {
			return err
		}
		return tx.UpdateCash(ctx, 1, d("8150.00"))
	})
	require.NoError(t, err)
	close(primary.release)

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.acct.CashBalance.Equal(d("10000.00")))

	acct, err := cached.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, acct.CashBalance.Equal(d("8150.00")), "cached cash %s", acct.CashBalance)

	// The next fill is current and is served from Redis.
	assert.True(t, mr.Exists("account:1"))
}

func TestCachedStore_RedisDownKeepsPrimary(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	core, logs := observer.New(zap.WarnLevel)
	primary := store.NewMemoryStore()
	cached := store.NewCachedStore(primary, rdb, time.Minute, zap.New(core))

	mr.Close()
	require.NoError(t, cached.RecordTicks(ctx, []model.MarketTick{{Symbol: "AAPL", Price: d("185.0000"), TS: time.Now()}}))
	assert.Equal(t, 1, logs.FilterMessage("quote cache refresh failed").Len())

	q, err := cached.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d("185.0000")))

	_, err = cached.CreateAccount(ctx, 1, d("100.00"))
	require.NoError(t, err)
	acct, err := cached.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, acct.CashBalance.Equal(d("100.00")))
}
