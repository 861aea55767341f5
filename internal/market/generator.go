package market

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/money"
)

// DefaultInterval is the wall-clock delay between two ticks.
const DefaultInterval = 2 * time.Second

// QuoteRecorder is the slice of the store the generator needs.
type QuoteRecorder interface {
	ListQuotes(ctx context.Context) ([]model.MarketPrice, error)
	// RecordTicks upserts the latest price and appends a history row for
	// every tick, in order, as one atomic write.
	RecordTicks(ctx context.Context, ticks []model.MarketTick) error
}

// Publisher receives every batch of ticks after it has been persisted.
type Publisher interface {
	PublishTicks(ticks []model.MarketTick)
}

// Step advances price by one random-walk step for the standard normal
// draw z. The result is rounded to 4 places and never below PriceFloor
// when the rounded value is not positive.
func Step(price, drift, volatility decimal.Decimal, z float64) decimal.Decimal {
	change := drift.Add(volatility.Mul(decimal.NewFromFloat(z)))
	next := money.Round4(price.Mul(decimal.NewFromInt(1).Add(change)))
	if !next.IsPositive() {
		return money.Round4(PriceFloor)
	}
	return next
}

// Generator owns the periodic price-stepping task.
type Generator struct {
	store     QuoteRecorder
	universe  *Universe
	interval  time.Duration
	rng       *rand.Rand
	logger    *zap.Logger
	publisher Publisher
	now       func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithInterval overrides DefaultInterval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithRand sets the random source used for the normal draws.
func WithRand(rng *rand.Rand) Option {
	return func(g *Generator) { g.rng = rng }
}

// WithPublisher registers a subscriber for persisted ticks.
func WithPublisher(p Publisher) Option {
	return func(g *Generator) { g.publisher = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a generator for u writing through st.
func NewGenerator(st QuoteRecorder, u *Universe, logger *zap.Logger, opts ...Option) *Generator {
	g := &Generator{
		store:    st,
		universe: u,
		interval: DefaultInterval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Tick seeds any universe symbol that has no price yet, then steps every
// universe symbol once. Everything is persisted in one RecordTicks call;
// on error nothing from this tick is visible.
func (g *Generator) Tick(ctx context.Context) ([]model.MarketTick, error) {
	quotes, err := g.store.ListQuotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	latest := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		latest[q.Symbol] = q.Price
	}

	now := g.now()
	symbols := g.universe.Symbols()
	ticks := make([]model.MarketTick, 0, 2*len(symbols))

	for _, sym := range symbols {
		inst, _ := g.universe.Instrument(sym)
		price, ok := latest[sym]
		if !ok {
			price = money.Round4(inst.SeedPrice)
			ticks = append(ticks, model.MarketTick{Symbol: sym, Price: price, TS: now})
			g.logger.Info("seeding market price", zap.String("symbol", sym), zap.String("price", price.StringFixed(4)))
		}
		next := Step(price, g.universe.Drift(), inst.Volatility, g.rng.NormFloat64())
		ticks = append(ticks, model.MarketTick{Symbol: sym, Price: next, TS: now})
	}

	if err := g.store.RecordTicks(ctx, ticks); err != nil {
		return nil, fmt.Errorf("record ticks: %w", err)
	}
	metrics.TicksTotal.Add(float64(len(ticks)))

	if g.publisher != nil {
		g.publisher.PublishTicks(ticks)
	}
	return ticks, nil
}

// Run ticks until ctx is cancelled, waiting the fixed interval after each
// attempt. A failed tick is logged and the next interval is a fresh try.
func (g *Generator) Run(ctx context.Context) {
	g.logger.Info("market generator starting",
		zap.Duration("interval", g.interval),
		zap.Strings("symbols", g.universe.Symbols()),
	)
	for {
		g.runOnce(ctx)

		select {
		case <-ctx.Done():
			g.logger.Info("market generator stopped")
			return
		case <-time.After(g.interval):
		}
	}
}

func (g *Generator) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TickFailures.Inc()
			g.logger.Error("market tick panicked", zap.Any("panic", r))
		}
	}()
	if _, err := g.Tick(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.TickFailures.Inc()
		g.logger.Warn("market tick failed", zap.Error(err))
	}
}
