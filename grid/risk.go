package grid

import (
	"context"
	"math"
	"sort"

	"gridbot/logger"
)

// Monitor evaluates per-grid risk rules once per tick: drawdown stop,
// aggregate take-profit, trailing stop, and partial take-profit.
type Monitor struct {
	tracker  *Tracker
	events   *Bus
	moduleID string
}

// NewMonitor creates a position risk monitor.
func NewMonitor(tracker *Tracker, events *Bus, moduleID string) *Monitor {
	return &Monitor{tracker: tracker, events: events, moduleID: moduleID}
}

// Evaluate runs the risk checks for one grid against the latest price.
// It returns a non-empty completion reason when the grid should be torn
// down this tick; partial liquidations happen as a side effect.
func (m *Monitor) Evaluate(ctx context.Context, g *Grid, price float64) CompletionReason {
	if reason := m.checkDrawdown(ctx, g, price); reason != "" {
		return reason
	}
	if reason := m.checkAggregateTakeProfit(ctx, g, price); reason != "" {
		return reason
	}
	if reason := m.checkTrailingStop(ctx, g, price); reason != "" {
		return reason
	}
	m.checkPartialTakeProfit(ctx, g, price)
	return ""
}

// ============================================================================
// Drawdown stop
// ============================================================================

// checkDrawdown computes unrealized P/L across open positions relative
// to invested capital. Breaching the configured limit liquidates the
// grid with reason STOP_LOSS.
func (m *Monitor) checkDrawdown(ctx context.Context, g *Grid, price float64) CompletionReason {
	open := g.OpenPositions()
	invested := Invested(open)
	if invested <= 0 {
		return ""
	}

	var unrealized float64
	for _, p := range open {
		unrealized += p.UnrealizedProfit(price)
	}
	ddPct := unrealized / invested * 100

	if ddPct < g.MaxDrawdownPct {
		g.MaxDrawdownPct = ddPct
	}

	if ddPct > -g.Config.MaxDrawdownPercent {
		return ""
	}

	logger.Warnf("[Grid %s] 🛑 Drawdown %.2f%% breached limit %.2f%%, liquidating",
		g.ID, ddPct, g.Config.MaxDrawdownPercent)
	if !m.closeAll(ctx, g, open, price, CloseReasonDrawdown) {
		return "" // some closes failed; retry next tick
	}
	return ReasonStopLoss
}

// ============================================================================
// Aggregate take-profit
// ============================================================================

// checkAggregateTakeProfit completes the grid once realized profit hits
// the target percentage of invested capital, or when every position has
// been closed.
func (m *Monitor) checkAggregateTakeProfit(ctx context.Context, g *Grid, price float64) CompletionReason {
	if len(g.Positions) == 0 {
		return ""
	}

	invested := Invested(g.Positions)
	if invested > 0 && g.RealizedProfit/invested*100 >= g.Config.TargetProfitPercent {
		logger.Infof("[Grid %s] 🎯 Target profit reached (%.4f on %.4f invested)", g.ID, g.RealizedProfit, invested)
		if !m.closeAll(ctx, g, g.OpenPositions(), price, CloseReasonTargetTP) {
			return ""
		}
		return ReasonTakeProfit
	}

	if len(g.OpenPositions()) == 0 {
		return ReasonAllPositionsClosed
	}
	return ""
}

// ============================================================================
// Trailing stop
// ============================================================================

// checkTrailingStop activates once price reaches the activation level
// and then ratchets the stop favorably by one grid step at a time. The
// stop never retreats. Crossing it closes the whole grid.
func (m *Monitor) checkTrailingStop(ctx context.Context, g *Grid, price float64) CompletionReason {
	if !g.Config.TrailingStopEnabled {
		return ""
	}

	activation := favorable(g.AnchorPrice, g.Config.TrailingActivationPct*g.TakeProfitDistance, g.Direction)

	if g.TrailingStop == nil {
		if !reachedFavorable(price, activation, g.Direction) {
			return ""
		}
		stop := unfavorable(price, g.GridStep, g.Direction)
		g.TrailingStop = &stop
		logger.Infof("[Grid %s] Trailing stop activated at %.4f (price %.4f)", g.ID, stop, price)
		m.publish(EventTrailingActivated, g, map[string]interface{}{"stop": stop, "price": price})
		return ""
	}

	// Ratchet favorably, never retreat
	candidate := unfavorable(price, g.GridStep, g.Direction)
	if moreFavorable(candidate, *g.TrailingStop, g.Direction) {
		g.TrailingStop = &candidate
		logger.Debugf("[Grid %s] Trailing stop moved to %.4f", g.ID, candidate)
		m.publish(EventTrailingUpdated, g, map[string]interface{}{"stop": candidate, "price": price})
	}

	if !crossed(price, *g.TrailingStop, g.Direction, false) {
		return ""
	}

	logger.Infof("[Grid %s] Trailing stop hit at %.4f (stop %.4f)", g.ID, price, *g.TrailingStop)
	if !m.closeAll(ctx, g, g.OpenPositions(), price, CloseReasonTrailing) {
		return ""
	}
	return ReasonTrailingStop
}

// ============================================================================
// Partial take-profit
// ============================================================================

// checkPartialTakeProfit fires each configured fraction level at most
// once per grid: when unrealized profit (vs the size-weighted average
// entry) crosses level*tpDistance/avgEntry, the least favorable
// fraction of open positions is closed at market.
func (m *Monitor) checkPartialTakeProfit(ctx context.Context, g *Grid, price float64) {
	open := g.OpenPositions()
	if len(open) == 0 {
		return
	}

	avgEntry := AvgEntryPrice(open)
	if avgEntry <= 0 {
		return
	}

	profitPct := profitPercent(price, avgEntry, g.Direction)

	for i, level := range g.Config.PartialTPLevels {
		if g.PartialTPFired[i] {
			continue
		}
		thresholdPct := level * g.TakeProfitDistance / avgEntry * 100
		if profitPct < thresholdPct {
			continue
		}

		count := int(math.Floor(level * float64(len(open))))
		if count < 1 {
			count = 1
		}
		victims := leastFavorable(open, g.Direction, count)

		closed := 0
		for _, p := range victims {
			if m.tracker.ClosePositionMarket(ctx, g, p, price, CloseReasonPartialTP) == nil {
				closed++
			}
		}
		if closed == 0 {
			continue // all venue calls failed; level stays armed
		}

		g.PartialTPFired[i] = true
		logger.Infof("[Grid %s] Partial take-profit %.0f%% fired: closed %d/%d positions at %.4f",
			g.ID, level*100, closed, len(open), price)
		m.publish(EventPartialTakeProfit, g, map[string]interface{}{
			"level":      level,
			"closed":     closed,
			"price":      price,
			"profit_pct": profitPct,
		})

		// Re-base the next tier on what is still open: closing the
		// worst entries moves both the average entry and the profit
		// measured against it.
		open = g.OpenPositions()
		if len(open) == 0 {
			return
		}
		avgEntry = AvgEntryPrice(open)
		if avgEntry <= 0 {
			return
		}
		profitPct = profitPercent(price, avgEntry, g.Direction)
	}
}

// profitPercent is the unrealized move from the average entry to price,
// positive when favorable for the direction.
func profitPercent(price, avgEntry float64, dir Direction) float64 {
	if dir == DirectionShort {
		return (avgEntry - price) / avgEntry * 100
	}
	return (price - avgEntry) / avgEntry * 100
}

// leastFavorable picks the n open positions with the worst entries:
// highest entry price for LONG, lowest for SHORT.
func leastFavorable(open []*Position, dir Direction, n int) []*Position {
	sorted := make([]*Position, len(open))
	copy(sorted, open)
	sort.Slice(sorted, func(i, j int) bool {
		if dir == DirectionShort {
			return sorted[i].EntryPrice < sorted[j].EntryPrice
		}
		return sorted[i].EntryPrice > sorted[j].EntryPrice
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// ============================================================================
// Helpers
// ============================================================================

// closeAll market-closes the given positions and reports whether every
// one of them is now closed.
func (m *Monitor) closeAll(ctx context.Context, g *Grid, positions []*Position, price float64, reason string) bool {
	ok := true
	for _, p := range positions {
		if err := m.tracker.ClosePositionMarket(ctx, g, p, price, reason); err != nil {
			ok = false
		}
	}
	return ok
}

// reachedFavorable reports whether price has moved at least to target
// on the profitable side.
func reachedFavorable(price, target float64, dir Direction) bool {
	if dir == DirectionShort {
		return price <= target
	}
	return price >= target
}

// moreFavorable reports whether a is a better (more protective) stop
// than b for the direction.
func moreFavorable(a, b float64, dir Direction) bool {
	if dir == DirectionShort {
		return a < b
	}
	return a > b
}

func (m *Monitor) publish(typ EventType, g *Grid, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	m.events.Publish(Event{
		Type:     typ,
		GridID:   g.ID,
		Pair:     g.Pair,
		ModuleID: m.moduleID,
		Payload:  payload,
	})
}
