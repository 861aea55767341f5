package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/money"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Order transactions run at READ COMMITTED and take row locks with
// SELECT ... FOR UPDATE, account first, so two orders of the same user
// cannot both observe the same balance or quantity.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetQuote(ctx context.Context, symbol string) (*model.MarketPrice, error) {
	return getQuote(ctx, t.tx, symbol)
}

func (t *pgTx) LockAccount(ctx context.Context, userID int64) (*model.Account, error) {
	var a model.Account
	var cash string

	err := t.tx.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, created_at
		 FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&a.UserID, &cash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock account %d: %w", userID, err)
	}

	a.CashBalance, _ = decimal.NewFromString(cash)
	return &a, nil
}

func (t *pgTx) LockPosition(ctx context.Context, userID int64, symbol string) (*model.Position, error) {
	var p model.Position
	var avg string

	err := t.tx.QueryRow(ctx,
		`SELECT user_id, symbol, qty, avg_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND symbol = $2 FOR UPDATE`, userID, symbol).
		Scan(&p.UserID, &p.Symbol, &p.Qty, &avg, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock position %d/%s: %w", userID, symbol, err)
	}

	p.AvgPrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (t *pgTx) UpdateCash(ctx context.Context, userID int64, cash decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET cash_balance = $2::NUMERIC WHERE user_id = $1`,
		userID, money.Round2(cash).String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update cash for user %d: %w", userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, qty, avg_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (user_id, symbol)
		 DO UPDATE SET qty = EXCLUDED.qty, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Symbol, p.Qty, p.AvgPrice.String(), p.UpdatedAt,
	)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, userID int64, symbol string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND symbol = $2`, userID, symbol)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	var filled *string
	if o.FilledPrice.Valid {
		s := o.FilledPrice.Decimal.String()
		filled = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, symbol, side, qty, status, filled_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		o.ID, o.UserID, o.Symbol, string(o.Side), o.Qty, string(o.Status), filled, o.CreatedAt,
	)
	return err
}

// --- Accounts & positions ---

func (s *PostgresStore) CreateAccount(ctx context.Context, userID int64, cash decimal.Decimal) (*model.Account, error) {
	var a model.Account
	var cashS string

	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (user_id, cash_balance)
		 VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING user_id, cash_balance::TEXT, created_at`,
		userID, money.Round2(cash).String()).
		Scan(&a.UserID, &cashS, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrAccountExists)
	}
	if err != nil {
		return nil, fmt.Errorf("create account %d: %w", userID, err)
	}

	a.CashBalance, _ = decimal.NewFromString(cashS)
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	var a model.Account
	var cash string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, created_at FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &cash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", userID, err)
	}

	a.CashBalance, _ = decimal.NewFromString(cash)
	return &a, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID int64) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, qty, avg_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.UserID, &p.Symbol, &p.Qty, &avg, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AvgPrice, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, side, qty, status, filled_price::TEXT, created_at
		 FROM orders WHERE user_id = $1 ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, status string
		var filled *string
		if err := rows.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &o.Qty, &status, &filled, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Status = model.OrderStatus(status)
		if filled != nil {
			o.FilledPrice.Decimal, _ = decimal.NewFromString(*filled)
			o.FilledPrice.Valid = true
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// --- Quotes ---

func (s *PostgresStore) GetQuote(ctx context.Context, symbol string) (*model.MarketPrice, error) {
	return getQuote(ctx, s.pool, symbol)
}

func getQuote(ctx context.Context, q querier, symbol string) (*model.MarketPrice, error) {
	var mp model.MarketPrice
	var price string

	err := q.QueryRow(ctx,
		`SELECT symbol, price::TEXT, updated_at FROM market_prices WHERE symbol = $1`, symbol).
		Scan(&mp.Symbol, &price, &mp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("quote %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get quote %s: %w", symbol, err)
	}

	mp.Price, _ = decimal.NewFromString(price)
	return &mp, nil
}

func (s *PostgresStore) ListQuotes(ctx context.Context) ([]model.MarketPrice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, price::TEXT, updated_at FROM market_prices ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quotes []model.MarketPrice
	for rows.Next() {
		var mp model.MarketPrice
		var price string
		if err := rows.Scan(&mp.Symbol, &price, &mp.UpdatedAt); err != nil {
			return nil, err
		}
		mp.Price, _ = decimal.NewFromString(price)
		quotes = append(quotes, mp)
	}
	return quotes, rows.Err()
}

func (s *PostgresStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol FROM market_prices ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

func (s *PostgresStore) GetHistory(ctx context.Context, symbol string, limit int) ([]model.MarketTick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, price::TEXT, ts FROM (
		     SELECT id, symbol, price, ts FROM market_ticks
		     WHERE symbol = $1 ORDER BY id DESC LIMIT $2
		 ) recent ORDER BY id ASC`, symbol, ClampHistoryLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []model.MarketTick
	for rows.Next() {
		var t model.MarketTick
		var price string
		if err := rows.Scan(&t.Symbol, &price, &t.TS); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

func (s *PostgresStore) RecordTicks(ctx context.Context, ticks []model.MarketTick) error {
	if len(ticks) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range ticks {
			price := t.Price.String()
			batch.Queue(
				`INSERT INTO market_prices (symbol, price, updated_at)
				 VALUES ($1, $2::NUMERIC, $3)
				 ON CONFLICT (symbol) DO UPDATE SET price = EXCLUDED.price, updated_at = EXCLUDED.updated_at`,
				t.Symbol, price, t.TS)
			batch.Queue(
				`INSERT INTO market_ticks (symbol, price, ts) VALUES ($1, $2::NUMERIC, $3)`,
				t.Symbol, price, t.TS)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
