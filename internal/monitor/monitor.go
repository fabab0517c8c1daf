// Package monitor sweeps AVAILABLE contracts against live market prices and
// drives the transitions the market triggers: claim when the price crosses
// the claim threshold, liquidate when it crosses the liquidation threshold,
// and refund-or-expire when the covered period elapses.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakifi/insurance-engine/internal/engine"
	"github.com/hakifi/insurance-engine/internal/model"
	"github.com/hakifi/insurance-engine/internal/oracle"
	"github.com/hakifi/insurance-engine/internal/store"
)

// DefaultInterval is the sweep period.
const DefaultInterval = 5 * time.Second

// Monitor periodically evaluates every AVAILABLE contract.
type Monitor struct {
	store    store.Store
	engine   *engine.Engine
	oracle   oracle.Oracle
	interval time.Duration

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// New creates a monitor; interval <= 0 uses DefaultInterval.
func New(st store.Store, eng *engine.Engine, orc oracle.Oracle, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		store:    st,
		engine:   eng,
		oracle:   orc,
		interval: interval,
		now:      time.Now,
	}
}

// SetClock overrides the monitor's clock. Test hook.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Run sweeps until ctx is cancelled. Call once at startup.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	slog.Info("price monitor started", "interval", m.interval.String())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every AVAILABLE contract once. Exported so tests and
// operational tooling can trigger an immediate pass.
func (m *Monitor) Sweep(ctx context.Context) {
	contracts, err := m.store.ListByState(ctx, model.StateAvailable)
	if err != nil {
		slog.Error("monitor: list available", "err", err)
		return
	}

	// One price fetch per symbol per sweep.
	prices := make(map[string]decimal.Decimal)
	for i := range contracts {
		ins := &contracts[i]
		price, ok := prices[ins.Symbol()]
		if !ok {
			price, err = m.oracle.Price(ctx, ins.Symbol())
			if err != nil {
				slog.Error("monitor: fetch price", "symbol", ins.Symbol(), "err", err)
				continue
			}
			prices[ins.Symbol()] = price
		}
		m.evaluate(ctx, ins, price)
	}
}

// evaluate applies the trigger rules to one contract. Claim wins over
// liquidation when both thresholds were crossed (the bands cannot overlap, so
// this only orders the checks); expiry is checked last so a threshold hit in
// the final tick still settles at its proper price.
func (m *Monitor) evaluate(ctx context.Context, ins *model.Insurance, price decimal.Decimal) {
	var err error
	switch {
	case crossed(ins.Side, price, ins.PClaim, true):
		slog.Info("monitor: claim threshold crossed", "insurance", ins.ID, "price", price.String())
		_, err = m.engine.Claim(ctx, ins, price)

	case crossed(ins.Side, price, ins.PLiquidation, false):
		slog.Info("monitor: liquidation threshold crossed", "insurance", ins.ID, "price", price.String())
		_, err = m.engine.LiquidateOrExpire(ctx, ins, model.StateLiquidated, price)

	case !m.now().Before(ins.ExpiredAt):
		// Period elapsed. If the market still moved beyond the refund
		// threshold toward the claim price, the user gets the margin back;
		// otherwise the contract settles as expired.
		if crossed(ins.Side, price, ins.PRefund, true) {
			slog.Info("monitor: expired beyond refund threshold", "insurance", ins.ID, "price", price.String())
			_, err = m.engine.Refund(ctx, ins, price)
		} else {
			slog.Info("monitor: expired", "insurance", ins.ID, "price", price.String())
			_, err = m.engine.LiquidateOrExpire(ctx, ins, model.StateExpired, price)
		}

	default:
		return
	}

	if err != nil {
		slog.Error("monitor: transition failed", "insurance", ins.ID, "err", err)
	}
}

// crossed reports whether price reached the threshold in the direction the
// side implies. towardClaim selects the claim-side direction (beyond the
// threshold toward the claim price); otherwise the liquidation-side direction.
func crossed(side model.Side, price, threshold decimal.Decimal, towardClaim bool) bool {
	up := side == model.SideBull
	if !towardClaim {
		up = !up
	}
	if up {
		return price.GreaterThanOrEqual(threshold)
	}
	return price.LessThanOrEqual(threshold)
}
