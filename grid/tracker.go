package grid

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"gridbot/exchange"
	"gridbot/logger"
)

// Tracker drives the per-order state machines. Every venue side effect
// goes through the gateway; a failed call is logged and the local order
// keeps its prior status so the next tick retries naturally.
type Tracker struct {
	gateway  exchange.Gateway
	events   *Bus
	moduleID string
}

// NewTracker creates an order lifecycle tracker.
func NewTracker(gateway exchange.Gateway, events *Bus, moduleID string) *Tracker {
	return &Tracker{gateway: gateway, events: events, moduleID: moduleID}
}

// Reconcile performs one tick's worth of order bookkeeping for a grid:
// retries stuck venue calls, advances the entry ladder, and applies
// price-crossing fills.
func (t *Tracker) Reconcile(ctx context.Context, g *Grid, price float64) {
	t.retryExitActivation(ctx, g)
	t.retrySiblingCancels(ctx, g)
	t.ensureEntrySubmitted(ctx, g, price)
	t.checkEntryFills(ctx, g, price)
	t.checkExitFills(ctx, g, price)
}

// ============================================================================
// Entry ladder
// ============================================================================

// ensureEntrySubmitted keeps the sequential ladder going: at most one
// entry order is ACTIVE per grid. The next PENDING entry is submitted
// once no entry is ACTIVE, or immediately when price comes within the
// configured tolerance of its level.
func (t *Tracker) ensureEntrySubmitted(ctx context.Context, g *Grid, price float64) {
	next := nextPendingEntry(g)
	if next == nil {
		return
	}

	if hasActiveEntry(g) && !withinTolerance(price, next.Price, g.Config.PriceTolerancePct) {
		return
	}

	venueID, err := t.gateway.CreateOrder(ctx, &exchange.OrderRequest{
		Pair:  g.Pair,
		Side:  entrySide(g.Direction),
		Type:  exchange.TypeLimit,
		Size:  next.Size,
		Price: next.Price,
	})
	if err != nil {
		logger.Warnf("[Grid %s] Entry level %d submit failed, retrying next tick: %v", g.ID, next.Level, err)
		return
	}

	next.Status = OrderActive
	next.VenueOrderID = venueID
	logger.Infof("[Grid %s] Entry level %d active at %.4f size=%.6f", g.ID, next.Level, next.Price, next.Size)
}

func nextPendingEntry(g *Grid) *Order {
	for _, o := range g.EntryOrders {
		if o.Status == OrderPending {
			return o
		}
	}
	return nil
}

func hasActiveEntry(g *Grid) bool {
	for _, o := range g.EntryOrders {
		if o.Status == OrderActive {
			return true
		}
	}
	return false
}

func withinTolerance(price, target, tolerancePct float64) bool {
	if target == 0 {
		return false
	}
	return math.Abs(price-target)/target*100 <= tolerancePct
}

// checkEntryFills marks ACTIVE entries filled when price crosses their
// level: drops to it for LONG, rises to it for SHORT.
func (t *Tracker) checkEntryFills(ctx context.Context, g *Grid, price float64) {
	for _, o := range g.EntryOrders {
		if o.Status != OrderActive {
			continue
		}
		if !crossed(price, o.Price, g.Direction, false) {
			continue
		}
		t.onEntryFilled(ctx, g, o, o.Price)
	}
}

// onEntryFilled records the fill, derives the position, and activates
// the level's paired take-profit and stop-loss orders.
func (t *Tracker) onEntryFilled(ctx context.Context, g *Grid, o *Order, fillPrice float64) {
	now := time.Now().UTC()
	o.Status = OrderFilled
	o.FillPrice = fillPrice
	o.FillTime = &now

	pos := &Position{
		ID:           uuid.New().String(),
		EntryOrderID: o.ID,
		Level:        o.Level,
		EntryPrice:   fillPrice,
		Size:         o.Size,
		Direction:    g.Direction,
		Status:       PositionOpen,
		OpenedAt:     now,
	}
	g.Positions = append(g.Positions, pos)
	g.FilledCount++

	logger.Infof("[Grid %s] 📈 Entry level %d filled at %.4f, position %s opened", g.ID, o.Level, fillPrice, pos.ID)
	t.publish(EventPositionOpened, g, map[string]interface{}{
		"position_id": pos.ID,
		"level":       o.Level,
		"entry_price": fillPrice,
		"size":        o.Size,
	})

	t.activateExits(ctx, g, o.Level)
}

// activateExits submits the paired TP/SL orders for a filled level.
// Failures leave the order PENDING; retryExitActivation picks them up.
func (t *Tracker) activateExits(ctx context.Context, g *Grid, level int) {
	for _, o := range []*Order{g.TakeProfitOrders[level], g.StopLossOrders[level]} {
		if o.Status != OrderPending {
			continue
		}
		venueID, err := t.gateway.CreateOrder(ctx, &exchange.OrderRequest{
			Pair:  g.Pair,
			Side:  exitSide(g.Direction),
			Type:  exchange.TypeLimit,
			Size:  o.Size,
			Price: o.Price,
		})
		if err != nil {
			logger.Warnf("[Grid %s] %s level %d submit failed, retrying next tick: %v", g.ID, o.Kind, level, err)
			continue
		}
		o.Status = OrderActive
		o.VenueOrderID = venueID
	}
}

// retryExitActivation resubmits TP/SL orders that should be on the
// venue (their entry filled) but whose submission previously failed.
func (t *Tracker) retryExitActivation(ctx context.Context, g *Grid) {
	for level, entry := range g.EntryOrders {
		if entry.Status != OrderFilled || g.PositionForLevel(level) == nil {
			continue
		}
		if g.TakeProfitOrders[level].Status == OrderPending || g.StopLossOrders[level].Status == OrderPending {
			t.activateExits(ctx, g, level)
		}
	}
}

// ============================================================================
// Exits
// ============================================================================

// checkExitFills applies price-crossing fills to ACTIVE TP/SL orders,
// closing the associated position and canceling the sibling.
func (t *Tracker) checkExitFills(ctx context.Context, g *Grid, price float64) {
	for level := range g.EntryOrders {
		pos := g.PositionForLevel(level)
		if pos == nil {
			continue
		}

		tp := g.TakeProfitOrders[level]
		sl := g.StopLossOrders[level]

		if tp.Status == OrderActive && crossed(price, tp.Price, g.Direction, true) {
			t.onExitFilled(ctx, g, pos, tp, sl, CloseReasonTP)
			continue
		}
		if sl.Status == OrderActive && crossed(price, sl.Price, g.Direction, false) {
			t.onExitFilled(ctx, g, pos, sl, tp, CloseReasonSL)
		}
	}
}

// onExitFilled closes the position at the exit order's price and
// cancels the sibling order.
func (t *Tracker) onExitFilled(ctx context.Context, g *Grid, pos *Position, filled, sibling *Order, reason string) {
	now := time.Now().UTC()
	filled.Status = OrderFilled
	filled.FillPrice = filled.Price
	filled.FillTime = &now

	t.closePosition(g, pos, filled.Price, reason)
	t.cancelOrder(ctx, g, sibling)
}

// retrySiblingCancels sweeps for sibling orders left ACTIVE after their
// position closed because a cancel call failed.
func (t *Tracker) retrySiblingCancels(ctx context.Context, g *Grid) {
	for level := range g.EntryOrders {
		levelClosed := false
		for _, p := range g.Positions {
			if p.Level == level && p.Status == PositionClosed {
				levelClosed = true
				break
			}
		}
		if !levelClosed || g.PositionForLevel(level) != nil {
			continue
		}
		for _, o := range []*Order{g.TakeProfitOrders[level], g.StopLossOrders[level]} {
			if o.Status == OrderActive {
				t.cancelOrder(ctx, g, o)
			}
		}
	}
}

// CancelRemaining cancels every non-terminal order in the grid. Used on
// grid completion; venue failures are logged and the order stays put
// for a later sweep.
func (t *Tracker) CancelRemaining(ctx context.Context, g *Grid) {
	for _, list := range [][]*Order{g.EntryOrders, g.TakeProfitOrders, g.StopLossOrders} {
		for _, o := range list {
			if !o.Status.Terminal() {
				t.cancelOrder(ctx, g, o)
			}
		}
	}
}

// cancelOrder cancels one order. PENDING orders were never sent to the
// venue and cancel locally; ACTIVE orders require a gateway call and
// keep their status on failure for retry.
func (t *Tracker) cancelOrder(ctx context.Context, g *Grid, o *Order) {
	if o.Status.Terminal() {
		return
	}
	if o.Status == OrderActive && o.VenueOrderID != "" {
		if err := t.gateway.CancelOrder(ctx, g.Pair, o.VenueOrderID); err != nil {
			logger.Warnf("[Grid %s] Cancel %s level %d failed, retrying next tick: %v", g.ID, o.Kind, o.Level, err)
			return
		}
	}
	o.Status = OrderCanceled
}

// ============================================================================
// Position closing
// ============================================================================

// ClosePositionMarket closes an open position with a market order.
// Local state is only mutated after the venue accepts the order.
func (t *Tracker) ClosePositionMarket(ctx context.Context, g *Grid, pos *Position, price float64, reason string) error {
	_, err := t.gateway.CreateOrder(ctx, &exchange.OrderRequest{
		Pair: g.Pair,
		Side: exitSide(pos.Direction),
		Type: exchange.TypeMarket,
		Size: pos.Size,
	})
	if err != nil {
		logger.Warnf("[Grid %s] Market close of position %s failed, retrying next tick: %v", g.ID, pos.ID, err)
		return err
	}

	t.closePosition(g, pos, price, reason)
	t.cancelOrder(ctx, g, g.TakeProfitOrders[pos.Level])
	t.cancelOrder(ctx, g, g.StopLossOrders[pos.Level])
	return nil
}

// closePosition applies the local close bookkeeping.
func (t *Tracker) closePosition(g *Grid, pos *Position, price float64, reason string) {
	now := time.Now().UTC()
	pos.Status = PositionClosed
	pos.ClosePrice = price
	pos.CloseTime = &now
	pos.CloseReason = reason
	pos.RealizedProfit = pos.UnrealizedProfit(price)

	g.ClosedCount++
	g.RealizedProfit += pos.RealizedProfit

	logger.Infof("[Grid %s] Position %s closed (%s) at %.4f, pnl=%.4f", g.ID, pos.ID, reason, price, pos.RealizedProfit)
	t.publish(EventPositionClosed, g, map[string]interface{}{
		"position_id": pos.ID,
		"level":       pos.Level,
		"close_price": price,
		"reason":      reason,
		"profit":      pos.RealizedProfit,
	})
}

// ============================================================================
// Helpers
// ============================================================================

// crossed reports whether price has reached target in the relevant
// direction. favorable=true tests the profitable side of the grid
// direction (take-profit); favorable=false the losing side (entries,
// stop-losses).
func crossed(price, target float64, dir Direction, favorableSide bool) bool {
	long := dir == DirectionLong
	if favorableSide == long {
		return price >= target
	}
	return price <= target
}

func entrySide(dir Direction) string {
	if dir == DirectionShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func exitSide(dir Direction) string {
	if dir == DirectionShort {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func (t *Tracker) publish(typ EventType, g *Grid, payload map[string]interface{}) {
	if t.events == nil {
		return
	}
	t.events.Publish(Event{
		Type:     typ,
		GridID:   g.ID,
		Pair:     g.Pair,
		ModuleID: t.moduleID,
		Payload:  payload,
	})
}
