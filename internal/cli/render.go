package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/money"
)

// AccountMarkdown renders an account balance.
func AccountMarkdown(acct *model.Account, currency string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Account %d\n\n", acct.UserID)
	fmt.Fprintln(&b, "| Cash | Opened |")
	fmt.Fprintln(&b, "|---:|:---|")
	fmt.Fprintf(&b, "| %s | %s |\n", money.Format(acct.CashBalance, currency), acct.CreatedAt.Format("2006-01-02 15:04:05"))
	return b.String()
}

// PortfolioMarkdown renders a valued portfolio.
func PortfolioMarkdown(s *model.PortfolioSummary, currency string) string {
	f := func(v float64) string { return money.Format(decimal.NewFromFloat(v), currency) }

	var b strings.Builder
	fmt.Fprintf(&b, "# Portfolio of user %d\n\n", s.UserID)
	fmt.Fprintln(&b, "| Cash | Positions | Equity | Unrealized P&L |")
	fmt.Fprintln(&b, "|---:|---:|---:|---:|")
	fmt.Fprintf(&b, "| %s | %s | %s | %s |\n\n", f(s.Cash), f(s.PositionsValue), f(s.Equity), f(s.UnrealizedPnL))

	if len(s.Positions) == 0 {
		fmt.Fprintln(&b, "_No open positions._")
		return b.String()
	}
	fmt.Fprintln(&b, "## Positions")
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "| Symbol | Qty | Avg Price | Last | Market Value | Cost Basis | P&L | P&L % |")
	fmt.Fprintln(&b, "|:---|---:|---:|---:|---:|---:|---:|---:|")
	for _, p := range s.Positions {
		pct := "n/a"
		if p.UnrealizedPnLPct != nil {
			pct = fmt.Sprintf("%+.2f%%", *p.UnrealizedPnLPct*100)
		}
		fmt.Fprintf(&b, "| %s | %d | %s | %s | %s | %s | %s | %s |\n",
			p.Symbol,
			p.Qty,
			decimal.NewFromFloat(p.AvgPrice).StringFixed(money.PriceScale),
			decimal.NewFromFloat(p.LastPrice).StringFixed(money.PriceScale),
			f(p.MarketValue),
			f(p.CostBasis),
			f(p.UnrealizedPnL),
			pct,
		)
	}
	return b.String()
}

// OrdersMarkdown renders an order log, newest first.
func OrdersMarkdown(userID int64, orders []model.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Orders of user %d\n\n", userID)
	if len(orders) == 0 {
		fmt.Fprintln(&b, "_No orders._")
		return b.String()
	}
	fmt.Fprintln(&b, "| Time | ID | Side | Symbol | Qty | Status | Price |")
	fmt.Fprintln(&b, "|:---|:---|:---|:---|---:|:---|---:|")
	for _, o := range orders {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %s | %s |\n",
			o.CreatedAt.Format("2006-01-02 15:04:05"),
			o.ID,
			o.Side,
			o.Symbol,
			o.Qty,
			o.Status,
			OrderPrice(o),
		)
	}
	return b.String()
}

// OrderPrice is the fill price at scale 4, or "-" for a rejected order.
func OrderPrice(o model.Order) string {
	if !o.FilledPrice.Valid {
		return "-"
	}
	return o.FilledPrice.Decimal.StringFixed(money.PriceScale)
}

// QuotesMarkdown renders the latest prices.
func QuotesMarkdown(quotes []model.MarketPrice) string {
	var b strings.Builder
	fmt.Fprintln(&b, "| Symbol | Price | Updated |")
	fmt.Fprintln(&b, "|:---|---:|:---|")
	for _, q := range quotes {
		fmt.Fprintf(&b, "| %s | %s | %s |\n", q.Symbol, q.Price.StringFixed(money.PriceScale), q.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// HistoryMarkdown renders a tick history with the change over the window.
func HistoryMarkdown(symbol string, ticks []model.MarketTick) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s history\n\n", symbol)
	if len(ticks) == 0 {
		fmt.Fprintln(&b, "_No ticks._")
		return b.String()
	}
	first, last := ticks[0].Price, ticks[len(ticks)-1].Price
	if first.IsPositive() {
		change := last.Sub(first).Div(first).Mul(decimal.NewFromInt(100))
		fmt.Fprintf(&b, "%d ticks, %s → %s (%s%%)\n\n", len(ticks),
			first.StringFixed(money.PriceScale), last.StringFixed(money.PriceScale), signed(change.Round(2)))
	}
	fmt.Fprintln(&b, "| Time | Price |")
	fmt.Fprintln(&b, "|:---|---:|")
	for _, t := range ticks {
		fmt.Fprintf(&b, "| %s | %s |\n", t.TS.Format("15:04:05"), t.Price.StringFixed(money.PriceScale))
	}
	return b.String()
}

func signed(d decimal.Decimal) string {
	if d.IsNegative() {
		return d.StringFixed(2)
	}
	return "+" + d.StringFixed(2)
}
