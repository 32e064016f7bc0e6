package grid

import (
	"context"
	"testing"
	"time"
)

func newTestMonitor(fake *fakeGateway) *Monitor {
	return NewMonitor(NewTracker(fake, nil, "test"), nil, "test")
}

// openPosition injects an open position at a level, as if the entry
// had filled there.
func openPosition(g *Grid, level int, entryPrice, size float64) *Position {
	p := &Position{
		ID:         "pos-" + string(rune('a'+level)),
		Level:      level,
		EntryPrice: entryPrice,
		Size:       size,
		Direction:  g.Direction,
		Status:     PositionOpen,
		OpenedAt:   time.Now().UTC(),
	}
	g.Positions = append(g.Positions, p)
	return p
}

func TestDrawdownStopLiquidatesGrid(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	g := mustBuild(t, testGridConfig())
	openPosition(g, 0, 50000, 1)

	// -12% unrealized against a 10% limit
	reason := monitor.Evaluate(context.Background(), g, 44000)

	if reason != ReasonStopLoss {
		t.Fatalf("Expected STOP_LOSS, got %q", reason)
	}
	pos := g.Positions[0]
	if pos.Status != PositionClosed || pos.CloseReason != CloseReasonDrawdown {
		t.Errorf("Position: expected CLOSED/DRAWDOWN, got %s/%s", pos.Status, pos.CloseReason)
	}
	if g.MaxDrawdownPct > -12+1e-6 {
		t.Errorf("MaxDrawdownPct: expected <= -12, got %.4f", g.MaxDrawdownPct)
	}
}

func TestDrawdownTrackedWithoutBreaching(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	g := mustBuild(t, testGridConfig())
	g.Config.PartialTPLevels = nil
	g.PartialTPFired = nil
	openPosition(g, 0, 50000, 1)

	// -4%: within the 10% limit
	reason := monitor.Evaluate(context.Background(), g, 48000)

	if reason != "" {
		t.Fatalf("Expected no completion, got %q", reason)
	}
	if !approx(g.MaxDrawdownPct, -4) {
		t.Errorf("MaxDrawdownPct: want -4, got %.4f", g.MaxDrawdownPct)
	}
	if g.Positions[0].Status != PositionOpen {
		t.Errorf("Position must stay OPEN, got %s", g.Positions[0].Status)
	}
}

func TestAggregateTakeProfitCompletesGrid(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	g := mustBuild(t, testGridConfig())

	// One closed position, realized 2.2% of the 50000 invested
	p := openPosition(g, 0, 50000, 1)
	p.Status = PositionClosed
	p.RealizedProfit = 1100
	g.RealizedProfit = 1100

	reason := monitor.Evaluate(context.Background(), g, 51100)
	if reason != ReasonTakeProfit {
		t.Fatalf("Expected TAKE_PROFIT, got %q", reason)
	}
}

func TestAggregateTakeProfitLiquidatesOpenPositions(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	g := mustBuild(t, testGridConfig())

	closed := openPosition(g, 0, 50000, 1)
	closed.Status = PositionClosed
	closed.RealizedProfit = 2200
	g.RealizedProfit = 2200
	open := openPosition(g, 1, 50000, 1)

	// 2.2% realized on 100000 invested: target reached, the remaining
	// position is liquidated as part of the target close
	reason := monitor.Evaluate(context.Background(), g, 50100)
	if reason != ReasonTakeProfit {
		t.Fatalf("Expected TAKE_PROFIT, got %q", reason)
	}
	if open.Status != PositionClosed || open.CloseReason != CloseReasonTargetTP {
		t.Errorf("Target liquidation: expected CLOSED/TARGET_TP, got %s/%s", open.Status, open.CloseReason)
	}
}

func TestAllPositionsClosedCompletesGrid(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	g := mustBuild(t, testGridConfig())

	p := openPosition(g, 0, 50000, 1)
	p.Status = PositionClosed
	p.RealizedProfit = 10
	g.RealizedProfit = 10

	reason := monitor.Evaluate(context.Background(), g, 50010)
	if reason != ReasonAllPositionsClosed {
		t.Fatalf("Expected ALL_POSITIONS_CLOSED, got %q", reason)
	}
}

func TestNoPositionsNoCompletion(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	g := mustBuild(t, testGridConfig())

	if reason := monitor.Evaluate(context.Background(), g, 50000); reason != "" {
		t.Fatalf("A grid with no positions must not complete, got %q", reason)
	}
}

func TestTrailingStopLifecycle(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	cfg := testGridConfig()
	cfg.PartialTPLevels = nil // isolate trailing behavior
	g := mustBuild(t, cfg)
	openPosition(g, 0, 50000, 0.01)
	ctx := context.Background()

	// Below activation (50000 + 0.5*150 = 50075): nothing armed
	monitor.Evaluate(ctx, g, 50050)
	if g.TrailingStop != nil {
		t.Fatal("Trailing stop armed below activation level")
	}

	// Crossing activation arms the stop one grid step behind price
	monitor.Evaluate(ctx, g, 50080)
	if g.TrailingStop == nil || !approx(*g.TrailingStop, 49980) {
		t.Fatalf("Expected stop at 49980, got %v", g.TrailingStop)
	}

	// Favorable move ratchets the stop up
	monitor.Evaluate(ctx, g, 50200)
	if !approx(*g.TrailingStop, 50100) {
		t.Fatalf("Expected stop at 50100, got %.2f", *g.TrailingStop)
	}

	// Pullback that stays above the stop must not move it back
	reason := monitor.Evaluate(ctx, g, 50150)
	if reason != "" || !approx(*g.TrailingStop, 50100) {
		t.Fatalf("Stop retreated or grid completed early: reason=%q stop=%.2f", reason, *g.TrailingStop)
	}

	// Crossing the stop closes everything
	reason = monitor.Evaluate(ctx, g, 50050)
	if reason != ReasonTrailingStop {
		t.Fatalf("Expected TRAILING_STOP, got %q", reason)
	}
	if g.Positions[0].Status != PositionClosed || g.Positions[0].CloseReason != CloseReasonTrailing {
		t.Errorf("Position: expected CLOSED/TRAILING_STOP, got %s/%s",
			g.Positions[0].Status, g.Positions[0].CloseReason)
	}
}

func TestTrailingStopDisabled(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	cfg := testGridConfig()
	cfg.TrailingStopEnabled = false
	cfg.PartialTPLevels = nil
	g := mustBuild(t, cfg)
	openPosition(g, 0, 50000, 0.01)

	monitor.Evaluate(context.Background(), g, 50200)
	if g.TrailingStop != nil {
		t.Error("Trailing stop must stay nil when disabled")
	}
}

func TestPartialTakeProfitFiresOncePerLevel(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	cfg := testGridConfig()
	cfg.PartialTPLevels = []float64{0.3}
	cfg.TrailingStopEnabled = false
	g := mustBuild(t, cfg)
	openPosition(g, 0, 50000, 1)
	openPosition(g, 1, 49800, 1)
	ctx := context.Background()

	// avg entry 49900, threshold 0.3*150/49900 = 0.0902%; price 49950
	// sits at +0.1002%: the level fires and closes max(1, int(0.3*2))=1
	// position, the least favorable (highest entry for LONG).
	monitor.Evaluate(ctx, g, 49950)

	if !g.PartialTPFired[0] {
		t.Fatal("Partial TP level 0.3 did not fire")
	}
	if g.Positions[0].Status != PositionClosed || g.Positions[0].CloseReason != CloseReasonPartialTP {
		t.Errorf("Worst entry (50000): expected CLOSED/PARTIAL_TP, got %s/%s",
			g.Positions[0].Status, g.Positions[0].CloseReason)
	}
	if g.Positions[1].Status != PositionOpen {
		t.Errorf("Better entry (49800) should stay OPEN, got %s", g.Positions[1].Status)
	}

	// Same conditions again: the level is spent
	closedBefore := g.ClosedCount
	monitor.Evaluate(ctx, g, 49950)
	if g.ClosedCount != closedBefore {
		t.Errorf("Partial TP fired twice: closed count %d -> %d", closedBefore, g.ClosedCount)
	}
}

func TestPartialTakeProfitHoldsBelowThreshold(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	cfg := testGridConfig()
	cfg.PartialTPLevels = []float64{0.3}
	cfg.TrailingStopEnabled = false
	g := mustBuild(t, cfg)
	openPosition(g, 0, 50000, 1)
	openPosition(g, 1, 49800, 1)
	ctx := context.Background()

	// avg entry 49900, trigger at 49900 + 0.3*150 = 49945; one tick
	// under it nothing may move
	monitor.Evaluate(ctx, g, 49944)

	if g.PartialTPFired[0] {
		t.Fatal("Level fired below its threshold")
	}
	if g.ClosedCount != 0 || fake.createdCount() != 0 {
		t.Fatalf("No position may close below the threshold: closed=%d orders=%d",
			g.ClosedCount, fake.createdCount())
	}

	// Exactly at the trigger the level fires
	monitor.Evaluate(ctx, g, 49945)
	if !g.PartialTPFired[0] {
		t.Error("Level must fire once profit reaches the threshold")
	}
}

func TestPartialTakeProfitTiersCascadeOnRebasedProfit(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	cfg := testGridConfig()
	cfg.PartialTPLevels = []float64{0.3, 0.5}
	cfg.TrailingStopEnabled = false
	g := mustBuild(t, cfg)
	openPosition(g, 0, 50000, 1)
	openPosition(g, 1, 49800, 1)
	ctx := context.Background()

	// The 0.3 tier fires against avg 49900 and closes the 50000 entry.
	// The survivor re-bases the 0.5 tier on avg 49800, where 49950 is
	// +0.301% against a 0.151% threshold: it fires in the same pass.
	monitor.Evaluate(ctx, g, 49950)

	if !g.PartialTPFired[0] || !g.PartialTPFired[1] {
		t.Fatalf("Both tiers must fire in one pass, got %v", g.PartialTPFired)
	}
	if g.ClosedCount != 2 {
		t.Fatalf("Expected both positions closed, got %d", g.ClosedCount)
	}
}

func TestPartialTakeProfitClosesFraction(t *testing.T) {
	fake := &fakeGateway{}
	monitor := newTestMonitor(fake)
	cfg := testGridConfig()
	cfg.Levels = 4
	cfg.PartialTPLevels = []float64{0.5}
	cfg.TrailingStopEnabled = false
	g := mustBuild(t, cfg)
	openPosition(g, 0, 50000, 1)
	openPosition(g, 1, 49900, 1)
	openPosition(g, 2, 49800, 1)
	openPosition(g, 3, 49700, 1)
	ctx := context.Background()

	// avg 49850, threshold 0.5*150/49850 = 0.1505%; price 49930 is
	// +0.1605%: closes int(0.5*4)=2 least favorable positions
	monitor.Evaluate(ctx, g, 49930)

	if g.ClosedCount != 2 {
		t.Fatalf("Expected 2 positions closed, got %d", g.ClosedCount)
	}
	if g.Positions[0].Status != PositionClosed || g.Positions[1].Status != PositionClosed {
		t.Error("The two highest entries should close for a LONG grid")
	}
	if g.Positions[2].Status != PositionOpen || g.Positions[3].Status != PositionOpen {
		t.Error("The two lowest entries should stay open")
	}
}

func TestPartialTakeProfitStaysArmedOnVenueFailure(t *testing.T) {
	fake := &fakeGateway{failCreate: true}
	monitor := newTestMonitor(fake)
	cfg := testGridConfig()
	cfg.PartialTPLevels = []float64{0.3}
	cfg.TrailingStopEnabled = false
	g := mustBuild(t, cfg)
	openPosition(g, 0, 50000, 1)
	openPosition(g, 1, 49800, 1)
	ctx := context.Background()

	monitor.Evaluate(ctx, g, 49950)
	if g.PartialTPFired[0] {
		t.Fatal("Level must stay armed when every close fails")
	}

	fake.failCreate = false
	monitor.Evaluate(ctx, g, 49950)
	if !g.PartialTPFired[0] {
		t.Error("Level should fire once the venue recovers")
	}
}
