// Package cli implements the ledgerctl administration commands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/engine"
	"github.com/atmx/papertrade/internal/market"
	"github.com/atmx/papertrade/internal/money"
	"github.com/atmx/papertrade/internal/portfolio"
	"github.com/atmx/papertrade/internal/store"
)

// App is what every command operates on.
type App struct {
	Store     store.Store
	Engine    *engine.Engine
	Reporter  *portfolio.Reporter
	Generator *market.Generator
	// Schema applies the database schema; nil without a database.
	Schema func(ctx context.Context) error

	StartingCash decimal.Decimal
	Currency     string

	Out io.Writer
	Err io.Writer
	// Plain prints raw markdown instead of rendering it for the terminal.
	Plain bool
}

// Register the subcommands.
func Register(c *subcommands.Commander, app *App) {
	c.Register(&initSchemaCmd{app: app}, "admin")
	c.Register(&openAccountCmd{app: app}, "admin")

	c.Register(&accountCmd{app: app}, "reports")
	c.Register(&portfolioCmd{app: app}, "reports")
	c.Register(&ordersCmd{app: app}, "reports")

	c.Register(&orderCmd{app: app}, "trading")

	c.Register(&quoteCmd{app: app}, "market")
	c.Register(&historyCmd{app: app}, "market")
	c.Register(&tickCmd{app: app}, "market")
}

func (a *App) printMarkdown(md string) {
	if a.Plain {
		fmt.Fprint(a.Out, md)
		return
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err != nil {
		fmt.Fprint(a.Out, md)
		return
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Fprint(a.Out, md)
		return
	}
	fmt.Fprint(a.Out, out)
}

func (a *App) fail(err error) subcommands.ExitStatus {
	fmt.Fprintf(a.Err, "Error: %v\n", err)
	return subcommands.ExitFailure
}

func (a *App) usage(msg string) subcommands.ExitStatus {
	fmt.Fprintf(a.Err, "Error: %s\n", msg)
	return subcommands.ExitUsageError
}

// --- admin ---

type initSchemaCmd struct {
	app *App
}

func (*initSchemaCmd) Name() string     { return "init-schema" }
func (*initSchemaCmd) Synopsis() string { return "create the database tables if they do not exist" }
func (*initSchemaCmd) Usage() string {
	return `init-schema

  Applies the reference schema to DATABASE_URL. Safe to run repeatedly.
`
}
func (*initSchemaCmd) SetFlags(*flag.FlagSet) {}

func (c *initSchemaCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.app.Schema == nil {
		return c.app.fail(errors.New("DATABASE_URL is not set"))
	}
	if err := c.app.Schema(ctx); err != nil {
		return c.app.fail(err)
	}
	fmt.Fprintln(c.app.Out, "schema ready")
	return subcommands.ExitSuccess
}

type openAccountCmd struct {
	app  *App
	user int64
	cash string
}

func (*openAccountCmd) Name() string     { return "open-account" }
func (*openAccountCmd) Synopsis() string { return "open a trading account for a user" }
func (*openAccountCmd) Usage() string {
	return `open-account -user <id> [-cash <amount>]

  Opens the account of a user with the given starting cash, STARTING_CASH
  when -cash is omitted.
`
}

func (c *openAccountCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.user, "user", 0, "user id (required)")
	f.StringVar(&c.cash, "cash", "", "starting cash, e.g. 10000.00")
}

func (c *openAccountCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user <= 0 {
		return c.app.usage("-user is required")
	}
	cash := c.app.StartingCash
	if c.cash != "" {
		d, err := decimal.NewFromString(c.cash)
		if err != nil || d.IsNegative() {
			return c.app.usage(fmt.Sprintf("invalid -cash %q", c.cash))
		}
		cash = d
	}
	acct, err := c.app.Store.CreateAccount(ctx, c.user, cash)
	if err != nil {
		return c.app.fail(err)
	}
	fmt.Fprintf(c.app.Out, "opened account %d with %s\n", acct.UserID, money.Format(acct.CashBalance, c.app.Currency))
	return subcommands.ExitSuccess
}

// --- reports ---

type accountCmd struct {
	app  *App
	user int64
}

func (*accountCmd) Name() string     { return "account" }
func (*accountCmd) Synopsis() string { return "show a user's cash balance" }
func (*accountCmd) Usage() string    { return "account -user <id>\n" }
func (c *accountCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.user, "user", 0, "user id (required)")
}

func (c *accountCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user <= 0 {
		return c.app.usage("-user is required")
	}
	acct, err := c.app.Store.GetAccount(ctx, c.user)
	if err != nil {
		return c.app.fail(err)
	}
	c.app.printMarkdown(AccountMarkdown(acct, c.app.Currency))
	return subcommands.ExitSuccess
}

type portfolioCmd struct {
	app  *App
	user int64
}

func (*portfolioCmd) Name() string     { return "portfolio" }
func (*portfolioCmd) Synopsis() string { return "value a user's positions at the latest prices" }
func (*portfolioCmd) Usage() string    { return "portfolio -user <id>\n" }
func (c *portfolioCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.user, "user", 0, "user id (required)")
}

func (c *portfolioCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user <= 0 {
		return c.app.usage("-user is required")
	}
	summary, err := c.app.Reporter.GetPortfolio(ctx, c.user)
	if err != nil {
		return c.app.fail(err)
	}
	c.app.printMarkdown(PortfolioMarkdown(summary, c.app.Currency))
	return subcommands.ExitSuccess
}

type ordersCmd struct {
	app  *App
	user int64
}

func (*ordersCmd) Name() string     { return "orders" }
func (*ordersCmd) Synopsis() string { return "list a user's orders, newest first" }
func (*ordersCmd) Usage() string    { return "orders -user <id>\n" }
func (c *ordersCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.user, "user", 0, "user id (required)")
}

func (c *ordersCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user <= 0 {
		return c.app.usage("-user is required")
	}
	orders, err := c.app.Store.ListOrders(ctx, c.user)
	if err != nil {
		return c.app.fail(err)
	}
	c.app.printMarkdown(OrdersMarkdown(c.user, orders))
	return subcommands.ExitSuccess
}

// --- trading ---

type orderCmd struct {
	app    *App
	user   int64
	symbol string
	side   string
	qty    int64
}

func (*orderCmd) Name() string     { return "order" }
func (*orderCmd) Synopsis() string { return "place a market order at the latest price" }
func (*orderCmd) Usage() string {
	return `order -user <id> -symbol <symbol> -side buy|sell -qty <shares>

  Places a market order exactly as the HTTP API does. A rejected order is
  still recorded and the command exits with a failure status.
`
}

func (c *orderCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.user, "user", 0, "user id (required)")
	f.StringVar(&c.symbol, "symbol", "", "ticker symbol, e.g. AAPL")
	f.StringVar(&c.side, "side", "", "buy or sell")
	f.Int64Var(&c.qty, "qty", 0, "whole number of shares")
}

func (c *orderCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user <= 0 {
		return c.app.usage("-user is required")
	}
	order, err := c.app.Engine.PlaceOrder(ctx, c.user, c.symbol, c.side, c.qty)
	if errors.Is(err, engine.ErrInvalidOrder) {
		return c.app.usage(err.Error())
	}
	if err != nil {
		if order != nil {
			fmt.Fprintf(c.app.Out, "order %s %s\n", order.ID, order.Status)
		}
		return c.app.fail(err)
	}
	fmt.Fprintf(c.app.Out, "order %s %s: %s %d %s @ %s\n",
		order.ID, order.Status, order.Side, order.Qty, order.Symbol, OrderPrice(*order))
	return subcommands.ExitSuccess
}

// --- market ---

type quoteCmd struct {
	app *App
}

func (*quoteCmd) Name() string     { return "quote" }
func (*quoteCmd) Synopsis() string { return "show the latest price of symbols" }
func (*quoteCmd) Usage() string {
	return `quote [<symbol>...]

  Shows the latest price of the given symbols, or of every priced symbol.
`
}
func (*quoteCmd) SetFlags(*flag.FlagSet) {}

func (c *quoteCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	quotes, err := c.app.Store.ListQuotes(ctx)
	if err != nil {
		return c.app.fail(err)
	}
	if f.NArg() > 0 {
		wanted := make(map[string]bool, f.NArg())
		for _, s := range f.Args() {
			wanted[market.Normalize(s)] = true
		}
		filtered := quotes[:0]
		for _, q := range quotes {
			if wanted[q.Symbol] {
				filtered = append(filtered, q)
				delete(wanted, q.Symbol)
			}
		}
		if len(wanted) > 0 {
			missing := make([]string, 0, len(wanted))
			for s := range wanted {
				missing = append(missing, s)
			}
			return c.app.fail(fmt.Errorf("unknown symbol: %s", strings.Join(missing, ", ")))
		}
		quotes = filtered
	}
	c.app.printMarkdown(QuotesMarkdown(quotes))
	return subcommands.ExitSuccess
}

type historyCmd struct {
	app *App
	n   int
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "show the recent ticks of a symbol" }
func (*historyCmd) Usage() string    { return "history [-n <ticks>] <symbol>\n" }
func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.n, "n", store.DefaultHistoryLimit, "number of ticks")
}

func (c *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return c.app.usage("exactly one symbol is required")
	}
	symbol := market.Normalize(f.Arg(0))
	ticks, err := c.app.Store.GetHistory(ctx, symbol, store.ClampHistoryLimit(c.n))
	if err != nil {
		return c.app.fail(err)
	}
	c.app.printMarkdown(HistoryMarkdown(symbol, ticks))
	return subcommands.ExitSuccess
}

type tickCmd struct {
	app *App
	n   int
}

func (*tickCmd) Name() string     { return "tick" }
func (*tickCmd) Synopsis() string { return "advance the synthetic market" }
func (*tickCmd) Usage() string {
	return `tick [-n <steps>]

  Runs the price generator the given number of times without waiting,
  seeding symbols that have no price yet.
`
}
func (c *tickCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.n, "n", 1, "number of steps")
}

func (c *tickCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.n < 1 {
		return c.app.usage("-n must be >= 1")
	}
	for i := 0; i < c.n; i++ {
		if _, err := c.app.Generator.Tick(ctx); err != nil {
			return c.app.fail(err)
		}
	}
	quotes, err := c.app.Store.ListQuotes(ctx)
	if err != nil {
		return c.app.fail(err)
	}
	c.app.printMarkdown(QuotesMarkdown(quotes))
	return subcommands.ExitSuccess
}
