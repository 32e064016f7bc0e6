package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/exchange"
	"gridbot/logger"
)

// VolatilitySource supplies the current ATR for a pair. Satisfied by
// market.Volatility.
type VolatilitySource interface {
	ATR(ctx context.Context, pair, interval string, limit int) (float64, error)
}

// PriceCache serves recent prices without a venue round trip.
// Satisfied by market.PriceFeed; may be nil, in which case every tick
// falls back to the gateway ticker.
type PriceCache interface {
	LastPrice(symbol string) (float64, bool)
}

// PriceStream is a PriceCache whose symbol set the engine manages:
// pairs are subscribed when a grid is created or restored and dropped
// when the last grid on the pair completes. market.PriceFeed satisfies
// it.
type PriceStream interface {
	PriceCache
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

// Engine owns all grids and drives them through their lifecycle on a
// fixed tick. All mutation happens on the tick goroutine or under mu;
// external callers interact through CreateGrid / CloseGrid /
// EnqueueSignal and the read-only snapshot accessors.
type Engine struct {
	cfg     *config.Config
	gateway exchange.Gateway
	vol     VolatilitySource
	feed    PriceCache
	store   Persistence
	events  *Bus
	tracker *Tracker
	monitor *Monitor

	mu      sync.RWMutex
	grids   map[string]*Grid
	history []*Grid
	stats   *ModuleStats

	signals chan *Signal
	stopCh  chan struct{}
	done    chan struct{}
}

// NewEngine wires the coordinator. feed may be nil.
func NewEngine(cfg *config.Config, gateway exchange.Gateway, vol VolatilitySource, feed PriceCache, store Persistence, events *Bus) *Engine {
	moduleID := "grid-engine"
	tracker := NewTracker(gateway, events, moduleID)
	return &Engine{
		cfg:     cfg,
		gateway: gateway,
		vol:     vol,
		feed:    feed,
		store:   store,
		events:  events,
		tracker: tracker,
		monitor: NewMonitor(tracker, events, moduleID),
		grids:   make(map[string]*Grid),
		stats:   &ModuleStats{},
		signals: make(chan *Signal, 64),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start loads persisted state and launches the tick loop. Missing or
// corrupt documents degrade to empty state; the engine always starts.
func (e *Engine) Start() error {
	if e.store != nil {
		if grids, err := e.store.LoadGrids(); err != nil {
			logger.Warnf("Failed to load active grids, starting empty: %v", err)
		} else if len(grids) > 0 {
			e.grids = grids
			logger.Infof("Restored %d active grid(s)", len(grids))
			for _, g := range grids {
				e.subscribeFeed(g.Pair)
			}
		}
		if history, err := e.store.LoadHistory(); err != nil {
			logger.Warnf("Failed to load grid history, starting empty: %v", err)
		} else {
			e.history = history
		}
		if stats, err := e.store.LoadStats(); err != nil {
			logger.Warnf("Failed to load stats, starting empty: %v", err)
		} else if stats != nil {
			e.stats = stats
		}
	}

	interval := time.Duration(e.cfg.TickIntervalSec) * time.Second
	go e.run(interval)
	logger.Infof("🚀 Grid engine started (tick %s, max %d grids)", interval, e.cfg.MaxConcurrentGrids)
	return nil
}

// Stop shuts down the tick loop and waits for the in-flight tick.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.done
	e.persistAll()
	logger.Info("Grid engine stopped")
}

func (e *Engine) run(interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// ============================================================================
// Admission
// ============================================================================

// EnqueueSignal hands a signal to the tick loop. Signals that fail
// admission there are logged and dropped; callers that need the error
// use CreateGrid directly.
func (e *Engine) EnqueueSignal(sig *Signal) {
	select {
	case e.signals <- sig:
	default:
		logger.Warnf("Signal queue full, dropping signal for %s", sig.Pair)
	}
}

// CreateGrid admits a signal synchronously: validates it, enforces the
// per-pair and global limits, prices the ladder off current ATR and
// registers the grid. overrides, when non-nil, replaces the engine's
// per-grid defaults wholesale for this grid.
func (e *Engine) CreateGrid(ctx context.Context, sig *Signal, overrides *Config) (*Grid, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	gcfg := e.defaultGridConfig()
	if overrides != nil {
		gcfg = *overrides
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.grids) >= e.cfg.MaxConcurrentGrids {
		return nil, fmt.Errorf("grid limit reached (%d active)", len(e.grids))
	}
	for _, g := range e.grids {
		if g.Pair == sig.Pair {
			return nil, fmt.Errorf("pair %s already has an active grid (%s)", sig.Pair, g.ID)
		}
	}

	atr, err := e.vol.ATR(ctx, sig.Pair, gcfg.ATRInterval, gcfg.ATRCandleLimit)
	if err != nil {
		return nil, fmt.Errorf("cannot create grid for %s: %w", sig.Pair, err)
	}

	g, err := Build(sig, atr, gcfg, e.cfg.AccountBalance)
	if err != nil {
		return nil, err
	}

	e.grids[g.ID] = g
	e.stats.GridsCreated++
	e.subscribeFeed(g.Pair)
	e.persistGridsLocked()
	e.persistStatsLocked()

	logger.Infof("📈 Grid %s created: %s %s anchor=%.4f levels=%d step=%.4f",
		g.ID, g.Pair, g.Direction, g.AnchorPrice, gcfg.Levels, g.GridStep)
	e.publish(EventGridCreated, g, map[string]interface{}{
		"direction": g.Direction,
		"anchor":    g.AnchorPrice,
		"levels":    gcfg.Levels,
		"grid_step": g.GridStep,
	})
	return g, nil
}

// CloseGrid tears a grid down on request: liquidate, cancel, archive.
func (e *Engine) CloseGrid(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, ok := e.grids[id]
	if !ok {
		return fmt.Errorf("grid %s not found", id)
	}

	price, err := e.currentPrice(ctx, g.Pair)
	if err != nil {
		return fmt.Errorf("cannot close grid %s: %w", id, err)
	}
	for _, p := range g.OpenPositions() {
		if err := e.tracker.ClosePositionMarket(ctx, g, p, price, CloseReasonManual); err != nil {
			return fmt.Errorf("cannot close grid %s: %w", id, err)
		}
	}
	e.completeGridLocked(ctx, g, ReasonManual)
	return nil
}

// defaultGridConfig projects the process-wide defaults into a per-grid
// config.
func (e *Engine) defaultGridConfig() Config {
	c := e.cfg
	levels := make([]float64, len(c.PartialTPLevels))
	copy(levels, c.PartialTPLevels)
	return Config{
		Levels:                c.GridLevels,
		SpacingMultiplier:     c.SpacingMultiplier,
		TakeProfitFactor:      c.TakeProfitFactor,
		StopLossFactor:        c.StopLossFactor,
		MaxDrawdownPercent:    c.MaxDrawdownPercent,
		TargetProfitPercent:   c.TargetProfitPercent,
		PartialTPLevels:       levels,
		TrailingStopEnabled:   c.TrailingStopEnabled,
		TrailingActivationPct: c.TrailingActivationPct,
		FixedLotSize:          c.FixedLotSize,
		MinLotSize:            c.MinLotSize,
		MaxRiskPerTrade:       c.MaxRiskPerTrade,
		PriceTolerancePct:     c.PriceTolerancePct,
		ATRInterval:           c.ATRInterval,
		ATRCandleLimit:        c.ATRCandleLimit,
		ATRLowerBand:          c.ATRLowerBand,
		ATRUpperBand:          c.ATRUpperBand,
	}
}

// ============================================================================
// Tick loop
// ============================================================================

// tick drains queued signals, then advances every active grid: price,
// reconcile orders, re-adapt spacing, evaluate risk, complete.
func (e *Engine) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), exchange.CallTimeout*3)
	defer cancel()

	e.drainSignals(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, g := range e.grids {
		price, err := e.currentPrice(ctx, g.Pair)
		if err != nil {
			logger.Warnf("[Grid %s] No price for %s this tick: %v", g.ID, g.Pair, err)
			continue
		}

		e.tracker.Reconcile(ctx, g, price)
		e.adaptSpacing(ctx, g)

		if reason := e.monitor.Evaluate(ctx, g, price); reason != "" {
			e.completeGridLocked(ctx, g, reason)
		}
	}

	e.persistGridsLocked()
}

func (e *Engine) drainSignals(ctx context.Context) {
	for {
		select {
		case sig := <-e.signals:
			if _, err := e.CreateGrid(ctx, sig, nil); err != nil {
				logger.Warnf("Signal for %s rejected: %v", sig.Pair, err)
			}
		default:
			return
		}
	}
}

// subscribeFeed adds a pair to the streaming cache when the feed
// supports subscriptions. Failures degrade to the REST ticker.
func (e *Engine) subscribeFeed(pair string) {
	stream, ok := e.feed.(PriceStream)
	if !ok {
		return
	}
	if err := stream.Subscribe([]string{pair}); err != nil {
		logger.Warnf("Failed to subscribe price stream for %s: %v", pair, err)
	}
}

// unsubscribeFeedLocked drops a pair from the streaming cache unless
// another active grid still trades it. Caller holds mu.
func (e *Engine) unsubscribeFeedLocked(pair string) {
	stream, ok := e.feed.(PriceStream)
	if !ok {
		return
	}
	for _, g := range e.grids {
		if g.Pair == pair {
			return
		}
	}
	if err := stream.Unsubscribe([]string{pair}); err != nil {
		logger.Debugf("Failed to unsubscribe price stream for %s: %v", pair, err)
	}
}

// currentPrice prefers the streaming cache and falls back to a ticker
// call.
func (e *Engine) currentPrice(ctx context.Context, pair string) (float64, error) {
	if e.feed != nil {
		if price, ok := e.feed.LastPrice(pair); ok {
			return price, nil
		}
	}
	return e.gateway.GetTicker(ctx, pair)
}

// adaptSpacing re-prices the unsubmitted part of the ladder when
// current volatility leaves the band around the ATR the grid was built
// with. Orders already at the venue and filled levels keep their prices.
func (e *Engine) adaptSpacing(ctx context.Context, g *Grid) {
	atr, err := e.vol.ATR(ctx, g.Pair, g.Config.ATRInterval, g.Config.ATRCandleLimit)
	if err != nil {
		logger.Debugf("[Grid %s] ATR refresh failed: %v", g.ID, err)
		return
	}
	if atr >= g.ATR*g.Config.ATRLowerBand && atr <= g.ATR*g.Config.ATRUpperBand {
		return
	}

	oldATR, oldStep := g.ATR, g.GridStep
	g.ATR = atr
	g.GridStep = atr * g.Config.SpacingMultiplier
	g.TakeProfitDistance = g.GridStep * g.Config.TakeProfitFactor
	g.StopLossDistance = g.GridStep * g.Config.StopLossFactor

	repriced := 0
	for _, o := range g.EntryOrders {
		if o.Status != OrderPending {
			continue
		}
		o.Price = levelPrice(g.AnchorPrice, g.GridStep, o.Level, g.Direction)
		if tp := g.TakeProfitOrders[o.Level]; tp.Status == OrderPending {
			tp.Price = favorable(o.Price, g.TakeProfitDistance, g.Direction)
		}
		if sl := g.StopLossOrders[o.Level]; sl.Status == OrderPending {
			sl.Price = unfavorable(o.Price, g.StopLossDistance, g.Direction)
		}
		repriced++
	}

	logger.Infof("[Grid %s] Volatility shift %.4f -> %.4f, step %.4f -> %.4f, %d level(s) re-priced",
		g.ID, oldATR, atr, oldStep, g.GridStep, repriced)
	e.publish(EventGridAdjusted, g, map[string]interface{}{
		"old_atr":  oldATR,
		"new_atr":  atr,
		"new_step": g.GridStep,
		"repriced": repriced,
	})
}

// completeGridLocked finalizes a grid: cancel what remains at the
// venue, archive it and fold it into the aggregate stats. Caller holds
// mu.
func (e *Engine) completeGridLocked(ctx context.Context, g *Grid, reason CompletionReason) {
	e.tracker.CancelRemaining(ctx, g)

	now := time.Now().UTC()
	g.Status = GridCompleted
	g.CompletionReason = reason
	g.CompletedAt = &now

	delete(e.grids, g.ID)
	e.unsubscribeFeedLocked(g.Pair)
	e.history = append(e.history, g)
	if max := e.cfg.HistoryMaxSize; max > 0 && len(e.history) > max {
		e.history = e.history[len(e.history)-max:]
	}

	e.stats.GridsCompleted++
	e.stats.CumulativeProfit += g.RealizedProfit
	if g.RealizedProfit > 0 {
		e.stats.WinCount++
	}
	e.stats.TotalCompletionSeconds += now.Sub(g.CreatedAt).Seconds()

	e.persistGridsLocked()
	e.persistHistoryLocked()
	e.persistStatsLocked()

	logger.Infof("✅ Grid %s completed (%s): pnl=%.4f filled=%d closed=%d maxDD=%.2f%%",
		g.ID, reason, g.RealizedProfit, g.FilledCount, g.ClosedCount, g.MaxDrawdownPct)
	e.publish(EventGridCompleted, g, map[string]interface{}{
		"reason":          reason,
		"realized_profit": g.RealizedProfit,
		"filled_count":    g.FilledCount,
		"closed_count":    g.ClosedCount,
	})
}

// ============================================================================
// Snapshots
// ============================================================================

// ActiveGrids returns deep copies of the active grids.
func (e *Engine) ActiveGrids() []*Grid {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Grid, 0, len(e.grids))
	for _, g := range e.grids {
		out = append(out, copyGrid(g))
	}
	return out
}

// GetGrid returns a deep copy of one grid, checking the archive when it
// is no longer active.
func (e *Engine) GetGrid(id string) (*Grid, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if g, ok := e.grids[id]; ok {
		return copyGrid(g), true
	}
	for _, g := range e.history {
		if g.ID == id {
			return copyGrid(g), true
		}
	}
	return nil, false
}

// History returns deep copies of completed grids, newest last.
func (e *Engine) History() []*Grid {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Grid, 0, len(e.history))
	for _, g := range e.history {
		out = append(out, copyGrid(g))
	}
	return out
}

// Stats returns a copy of the aggregate counters.
func (e *Engine) Stats() ModuleStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *e.stats
}

// copyGrid deep-copies through JSON; grids are small and this keeps the
// copy in lockstep with the persisted shape.
func copyGrid(g *Grid) *Grid {
	data, err := json.Marshal(g)
	if err != nil {
		logger.Errorf("Failed to snapshot grid %s: %v", g.ID, err)
		return g
	}
	var out Grid
	if err := json.Unmarshal(data, &out); err != nil {
		logger.Errorf("Failed to snapshot grid %s: %v", g.ID, err)
		return g
	}
	return &out
}

// ============================================================================
// Persistence
// ============================================================================

func (e *Engine) persistAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persistGridsLocked()
	e.persistHistoryLocked()
	e.persistStatsLocked()
}

func (e *Engine) persistGridsLocked() {
	if e.store == nil {
		return
	}
	if err := e.store.SaveGrids(e.grids); err != nil {
		logger.Errorf("Failed to persist active grids: %v", err)
	}
}

func (e *Engine) persistHistoryLocked() {
	if e.store == nil {
		return
	}
	if err := e.store.SaveHistory(e.history); err != nil {
		logger.Errorf("Failed to persist grid history: %v", err)
	}
}

func (e *Engine) persistStatsLocked() {
	if e.store == nil {
		return
	}
	if err := e.store.SaveStats(e.stats); err != nil {
		logger.Errorf("Failed to persist stats: %v", err)
	}
}

func (e *Engine) publish(typ EventType, g *Grid, payload map[string]interface{}) {
	if e.events == nil {
		return
	}
	e.events.Publish(Event{
		Type:     typ,
		GridID:   g.ID,
		Pair:     g.Pair,
		ModuleID: "grid-engine",
		Payload:  payload,
	})
}
