// Package sim drives the full routing stack in memory through scripted
// market episodes and renders the outcomes as tables. Quotes, fills,
// spreads, fees, and rebalancing all exercise the same code paths the
// server runs; only the ledger faucet and the scripted clock are
// simulation artifacts. Operators use it as a dry run when tuning
// pricing and fee parameters.
package sim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/fixedpoint"
)

// Runner executes the scenario suite against disposable in-memory stacks.
type Runner struct {
	out    io.Writer
	logger *slog.Logger
}

func New(out io.Writer, logger *slog.Logger) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{out: out, logger: logger.With(slog.String("component", "sim"))}
}

// Run executes every scenario in order. Each scenario builds its own
// stack, so no state leaks between them and the output is reproducible.
func (r *Runner) Run(ctx context.Context) error {
	scenarios := []struct {
		title string
		fn    func(context.Context) error
	}{
		{"Venue split by trade size", r.venueSplit},
		{"Pool capacity under the price-impact cap", r.poolCapacity},
		{"OTC spread by inventory and time to close", r.spreadSurface},
		{"Dynamic fee curve", r.feeCurve},
		{"Rebalance recovery after one-sided flow", r.rebalanceRecovery},
	}
	for i, sc := range scenarios {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.section(i+1, sc.title)
		if err := sc.fn(ctx); err != nil {
			return fmt.Errorf("sim: scenario %q: %w", sc.title, err)
		}
	}
	fmt.Fprintln(r.out)
	return nil
}

func (r *Runner) section(n int, title string) {
	rule := strings.Repeat("=", 72)
	fmt.Fprintf(r.out, "\n%s\n %d. %s\n%s\n", rule, n, title, rule)
}

func (r *Runner) note(format string, args ...any) {
	fmt.Fprintf(r.out, " "+format+"\n", args...)
}

// Collateral and shares carry six decimals on the ledger.
const unitScale = 1_000_000

func usd(n uint64) uint64 { return n * unitScale }

func money(v uint64) string {
	return "$" + decimal.New(int64(v), -6).StringFixed(2)
}

func qty(v uint64) string {
	return decimal.New(int64(v), -6).StringFixed(1)
}

func bpsLabel(v uint64) string {
	return fmt.Sprintf("%d bps", v)
}

// pctLabel renders a basis-point quantity as a percentage, so prices read
// as probabilities.
func pctLabel(v uint64) string {
	return decimal.New(int64(v), -2).StringFixed(2) + "%"
}

func hoursLabel(h uint64) string {
	return fmt.Sprintf("%dh", h)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// avgPriceLabel derives the blended per-share price actually paid across
// all legs of a fill.
func avgPriceLabel(q domain.BuyQuote) string {
	if q.Shares == 0 {
		return "-"
	}
	spent := q.Collateral - q.Refund
	p, err := fixedpoint.MulDiv(spent, domain.PriceScale, q.Shares)
	if err != nil {
		return "-"
	}
	return pctLabel(p)
}
