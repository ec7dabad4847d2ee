package sim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"

	"github.com/calweber/pmrouter/internal/domain"
	"github.com/calweber/pmrouter/internal/feehook"
	"github.com/calweber/pmrouter/internal/fixedpoint"
	"github.com/calweber/pmrouter/internal/pricing"
)

// venueSplit quotes one YES buy per trade size against a fixed stack and
// breaks the fill down by venue. Quotes run on scratch state, so every
// row sees the same market.
func (r *Runner) venueSplit(ctx context.Context) error {
	w, err := newWorld(ctx, r.logger)
	if err != nil {
		return err
	}
	if err := w.bootstrap(ctx, usd(500)); err != nil {
		return err
	}
	if err := w.seedVault(ctx, usd(500), usd(500)); err != nil {
		return err
	}
	if err := w.primeOracle(ctx); err != nil {
		return err
	}

	st, err := w.state(ctx)
	if err != nil {
		return err
	}
	r.note("pool %s/%s, vault %s YES / %s NO, fee %s",
		qty(st.Pool.ReserveYes), qty(st.Pool.ReserveNo),
		qty(st.Vault.Yes.Inventory), qty(st.Vault.No.Inventory),
		bpsLabel(st.FeeBps))

	table := tablewriter.NewWriter(r.out)
	table.Header("Trade", "OTC", "Pool", "Mint", "Shares", "Avg price", "Refund", "Venues")
	for _, size := range []uint64{50, 100, 150, 200, 300, 500} {
		q, err := w.eng.QuoteBuy(ctx, simMarket, domain.SideYes, usd(size))
		if err != nil {
			return err
		}
		legs := map[domain.Venue]string{}
		var venues []string
		for _, leg := range q.Legs {
			legs[leg.Venue] = fmt.Sprintf("%s (%s)", qty(leg.Shares), money(leg.Collateral))
			venues = append(venues, string(leg.Venue))
		}
		table.Append(
			money(usd(size)),
			orDash(legs[domain.VenueOTC]),
			orDash(legs[domain.VenuePool]),
			orDash(legs[domain.VenueMint]),
			qty(q.Shares),
			avgPriceLabel(q),
			money(q.Refund),
			strings.Join(venues, "+"),
		)
	}
	table.Render()
	r.note("desk fills cap at 30%% of inventory, the pool leg at the hook's impact cap")
	r.note("mint declines once the deposited side would exceed twice the bought side; the remainder refunds")
	return nil
}

// poolCapacity reports the pool leg's price impact by trade size, then the
// largest single fill each pool depth accepts under the hook's impact cap.
func (r *Runner) poolCapacity(_ context.Context) error {
	cfg := feehook.Defaults()
	feeBps := cfg.MinFeeBps
	impactCap := cfg.MaxPriceImpactBps
	r.note("steady-state fee %s, impact cap %s", bpsLabel(feeBps), bpsLabel(impactCap))

	reserve := usd(500)
	r.note("price impact buying YES against %s/%s reserves", qty(reserve), qty(reserve))
	impacts := tablewriter.NewWriter(r.out)
	impacts.Header("Trade", "Impact", "Shares out", "Status")
	for _, size := range []uint64{10, 25, 50, 100, 150, 200, 300, 500} {
		impact, ok := pricing.PriceImpactBps(reserve, reserve, domain.SideYes, usd(size), feeBps)
		if !ok {
			impacts.Append(money(usd(size)), "-", "-", "drains pool")
			continue
		}
		out, _ := pricing.PoolBuyQuote(reserve, reserve, domain.SideYes, usd(size), feeBps)
		status := "ok"
		if impact > impactCap {
			status = "over cap"
		}
		impacts.Append(money(usd(size)), bpsLabel(impact), qty(out), status)
	}
	impacts.Render()

	fmt.Fprintln(r.out)
	r.note("largest fill the impact cap admits, by pool depth")
	depths := tablewriter.NewWriter(r.out)
	depths.Header("Reserves/side", "Max fill", "Share of reserves", "Impact at max")
	for _, side := range []uint64{50, 250, 500, 2500, 5000} {
		res := usd(side)
		maxFill := pricing.MaxCollateralUnderImpact(res, res, domain.SideYes, 3*res, feeBps, impactCap)
		impact, _ := pricing.PriceImpactBps(res, res, domain.SideYes, maxFill, feeBps)
		share, err := fixedpoint.MulDiv(maxFill, domain.PriceScale, res)
		if err != nil {
			return err
		}
		depths.Append(money(res), money(maxFill), pctLabel(share), bpsLabel(impact))
	}
	depths.Render()
	return nil
}

// spreadSurface evaluates the desk's spread policy against synthetic vault
// snapshots: first by inventory imbalance while the scarce side is being
// bought, then by time to close on a balanced book.
func (r *Runner) spreadSurface(_ context.Context) error {
	model := pricing.New(pricing.Defaults())
	now := simStart
	const fairBps = domain.PriceScale / 2

	r.note("buying YES at a %s fair price", pctLabel(fairBps))
	byInventory := tablewriter.NewWriter(r.out)
	byInventory.Header("YES:NO inventory", "Imbalance", "Spread", "Buy price")
	for _, inv := range [][2]uint64{{500, 500}, {400, 600}, {300, 700}, {200, 800}, {100, 900}} {
		snap := domain.VaultSnapshot{
			Yes: domain.SideTotals{Inventory: usd(inv[0])},
			No:  domain.SideTotals{Inventory: usd(inv[1])},
		}
		spread := model.SpreadBps(snap, domain.SideYes, now, now.Add(168*time.Hour))
		byInventory.Append(
			fmt.Sprintf("%d:%d", inv[0], inv[1]),
			bpsLabel(snap.Imbalance()),
			bpsLabel(spread),
			pctLabel(model.BuyPrice(fairBps, spread)),
		)
	}
	byInventory.Render()

	fmt.Fprintln(r.out)
	r.note("balanced book, spread widening toward close")
	balanced := domain.VaultSnapshot{
		Yes: domain.SideTotals{Inventory: usd(500)},
		No:  domain.SideTotals{Inventory: usd(500)},
	}
	byClock := tablewriter.NewWriter(r.out)
	byClock.Header("To close", "Spread", "Buy price")
	for _, h := range []uint64{168, 48, 24, 12, 6, 1} {
		spread := model.SpreadBps(balanced, domain.SideYes, now, now.Add(time.Duration(h)*time.Hour))
		byClock.Append(hoursLabel(h), bpsLabel(spread), pctLabel(model.BuyPrice(fairBps, spread)))
	}
	byClock.Render()
	return nil
}

// feeCurve samples the hook fee on an untouched pool through the bootstrap
// decay, then skews the same pool with one-sided buys and watches the skew
// and flow components stack back on top of the floor.
func (r *Runner) feeCurve(ctx context.Context) error {
	w, err := newWorld(ctx, r.logger)
	if err != nil {
		return err
	}
	if err := w.bootstrap(ctx, usd(500)); err != nil {
		return err
	}

	r.note("balanced pool, fee decaying from launch")
	decay := tablewriter.NewWriter(r.out)
	decay.Header("Elapsed", "Fee", "Rate")
	var elapsed time.Duration
	for _, target := range []time.Duration{
		0, time.Hour, 12 * time.Hour, 24 * time.Hour, 36 * time.Hour, 48 * time.Hour, 72 * time.Hour,
	} {
		w.advance(target - elapsed)
		elapsed = target
		st, err := w.state(ctx)
		if err != nil {
			return err
		}
		decay.Append(hoursLabel(uint64(target.Hours())), bpsLabel(st.FeeBps), pctLabel(st.FeeBps))
	}
	decay.Render()

	fmt.Fprintln(r.out)
	r.note("one-sided YES buys of %s against the decayed pool", money(usd(120)))
	skew := tablewriter.NewWriter(r.out)
	skew.Header("Buy", "Spot", "Fee")
	for i := 1; i <= 4; i++ {
		if _, err := w.eng.Buy(ctx, trader, simMarket, domain.SideYes, usd(120), 0, common.Address{}, time.Time{}); err != nil {
			return err
		}
		st, err := w.state(ctx)
		if err != nil {
			return err
		}
		skew.Append(fmt.Sprintf("#%d", i), pctLabel(st.SpotBps), bpsLabel(st.FeeBps))
	}
	skew.Render()
	return nil
}

// rebalanceRecovery walks one market through a one-sided episode: buys
// drain the vault's YES side and skew the pool, the deviation gate closes
// the desk, oracle refreshes bring the TWAP back in line, and a rebalance
// merges matched inventory and spends budget buying the deficit back.
func (r *Runner) rebalanceRecovery(ctx context.Context) error {
	w, err := newWorld(ctx, r.logger)
	if err != nil {
		return err
	}
	if err := w.bootstrap(ctx, usd(1000)); err != nil {
		return err
	}
	if err := w.seedVault(ctx, usd(600), usd(600)); err != nil {
		return err
	}
	if err := w.primeOracle(ctx); err != nil {
		return err
	}
	if err := w.seedBudget(ctx, usd(25)); err != nil {
		return err
	}

	timeline := tablewriter.NewWriter(r.out)
	timeline.Header("Step", "Spot", "TWAP", "Fee", "Vault YES", "Vault NO", "Budget")
	record := func(step string) error {
		st, err := w.state(ctx)
		if err != nil {
			return err
		}
		timeline.Append(step, pctLabel(st.SpotBps), pctLabel(st.OraclePriceBps), bpsLabel(st.FeeBps),
			qty(st.Vault.Yes.Inventory), qty(st.Vault.No.Inventory), money(st.Vault.RebalanceBudget))
		return nil
	}
	if err := record("seeded"); err != nil {
		return err
	}

	for i := 1; i <= 3; i++ {
		q, err := w.eng.Buy(ctx, trader, simMarket, domain.SideYes, usd(300), 0, common.Address{}, time.Time{})
		if err != nil {
			return err
		}
		var venues []string
		for _, leg := range q.Legs {
			venues = append(venues, string(leg.Venue))
		}
		step := fmt.Sprintf("buy #%d %s YES via %s", i, money(q.Collateral-q.Refund), strings.Join(venues, "+"))
		if err := record(step); err != nil {
			return err
		}
	}

	for i := 1; i <= 2; i++ {
		w.advance(oracleStep)
		if _, err := w.eng.UpdateOracle(ctx, simMarket); err != nil {
			return err
		}
		if err := record(fmt.Sprintf("oracle refresh #%d", i)); err != nil {
			return err
		}
	}

	rep, err := w.eng.Rebalance(ctx, keeper, simMarket)
	if err != nil {
		return err
	}
	if err := record("rebalance"); err != nil {
		return err
	}
	timeline.Render()

	r.note("rebalance merged %s pairs, spent %s buying back %s %s shares, bounty %s to the caller",
		qty(rep.Merged), money(rep.BudgetUsed), qty(rep.BoughtShares), rep.BoughtSide, money(rep.Bounty))
	return nil
}
