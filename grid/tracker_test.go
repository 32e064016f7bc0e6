package grid

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"gridbot/exchange"
)

// fakeGateway records venue calls for assertions and can be told to
// fail them.
type fakeGateway struct {
	mu         sync.Mutex
	created    []exchange.OrderRequest
	canceled   []string
	failCreate bool
	failCancel bool
	ticker     float64
	candles    []exchange.Candle
	candleErr  error
	seq        int
}

func (f *fakeGateway) CreateOrder(_ context.Context, req *exchange.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", fmt.Errorf("venue unavailable")
	}
	f.seq++
	f.created = append(f.created, *req)
	return fmt.Sprintf("venue-%d", f.seq), nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCancel {
		return fmt.Errorf("venue unavailable")
	}
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeGateway) GetTicker(_ context.Context, _ string) (float64, error) {
	return f.ticker, nil
}

func (f *fakeGateway) GetCandles(_ context.Context, _, _ string, _ int) ([]exchange.Candle, error) {
	return f.candles, f.candleErr
}

func (f *fakeGateway) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func mustBuild(t *testing.T, cfg Config) *Grid {
	t.Helper()
	g, err := Build(testSignal(), 200, cfg, 10000)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return g
}

func TestSequentialLadderActivation(t *testing.T) {
	fake := &fakeGateway{}
	tracker := NewTracker(fake, nil, "test")
	g := mustBuild(t, testGridConfig())
	ctx := context.Background()

	// Price well above the anchor: submit level 0 only, nothing fills
	tracker.Reconcile(ctx, g, 50200)

	if g.EntryOrders[0].Status != OrderActive {
		t.Errorf("Entry 0: expected ACTIVE, got %s", g.EntryOrders[0].Status)
	}
	for i := 1; i < 3; i++ {
		if g.EntryOrders[i].Status != OrderPending {
			t.Errorf("Entry %d: expected PENDING, got %s", i, g.EntryOrders[i].Status)
		}
	}
	if fake.createdCount() != 1 {
		t.Errorf("Expected 1 venue order, got %d", fake.createdCount())
	}

	// Still no fill, no duplicate submits
	tracker.Reconcile(ctx, g, 50200)
	if fake.createdCount() != 1 {
		t.Errorf("Expected no duplicate submit, got %d orders", fake.createdCount())
	}
}

func TestEntryFillOpensPositionAndActivatesExits(t *testing.T) {
	fake := &fakeGateway{}
	tracker := NewTracker(fake, nil, "test")
	g := mustBuild(t, testGridConfig())
	ctx := context.Background()

	// Price at the anchor: level 0 submits and fills in the same pass
	tracker.Reconcile(ctx, g, 50000)

	if g.EntryOrders[0].Status != OrderFilled {
		t.Fatalf("Entry 0: expected FILLED, got %s", g.EntryOrders[0].Status)
	}
	if len(g.Positions) != 1 || g.Positions[0].Status != PositionOpen {
		t.Fatalf("Expected 1 open position, got %+v", g.Positions)
	}
	if g.Positions[0].EntryPrice != 50000 {
		t.Errorf("Position entry: want 50000, got %.2f", g.Positions[0].EntryPrice)
	}
	if g.TakeProfitOrders[0].Status != OrderActive || g.StopLossOrders[0].Status != OrderActive {
		t.Errorf("Level 0 exits should be ACTIVE, got tp=%s sl=%s",
			g.TakeProfitOrders[0].Status, g.StopLossOrders[0].Status)
	}
	if g.FilledCount != 1 {
		t.Errorf("FilledCount: want 1, got %d", g.FilledCount)
	}

	// Ladder advances: level 1 submits once no entry is ACTIVE
	tracker.Reconcile(ctx, g, 50000)
	if g.EntryOrders[1].Status != OrderActive {
		t.Errorf("Entry 1: expected ACTIVE, got %s", g.EntryOrders[1].Status)
	}
	if g.EntryOrders[2].Status != OrderPending {
		t.Errorf("Entry 2: expected PENDING, got %s", g.EntryOrders[2].Status)
	}
}

func TestTolerancePromotesNextEntryWhileOneActive(t *testing.T) {
	fake := &fakeGateway{}
	tracker := NewTracker(fake, nil, "test")
	g := mustBuild(t, testGridConfig())
	ctx := context.Background()

	tracker.Reconcile(ctx, g, 50200) // level 0 active

	// 49905 is within 0.05% of level 1 (49900): level 1 submits even
	// though level 0 is still on the book, and level 0 fills this pass.
	tracker.Reconcile(ctx, g, 49905)

	if g.EntryOrders[0].Status != OrderFilled {
		t.Errorf("Entry 0: expected FILLED, got %s", g.EntryOrders[0].Status)
	}
	if g.EntryOrders[1].Status != OrderActive {
		t.Errorf("Entry 1: expected ACTIVE via tolerance, got %s", g.EntryOrders[1].Status)
	}
}

func TestTakeProfitFillClosesPositionAndCancelsSibling(t *testing.T) {
	fake := &fakeGateway{}
	tracker := NewTracker(fake, nil, "test")
	g := mustBuild(t, testGridConfig())
	ctx := context.Background()

	tracker.Reconcile(ctx, g, 50000) // fill level 0

	tracker.Reconcile(ctx, g, 50150) // TP at 50150 crossed

	if g.TakeProfitOrders[0].Status != OrderFilled {
		t.Fatalf("TP 0: expected FILLED, got %s", g.TakeProfitOrders[0].Status)
	}
	if g.StopLossOrders[0].Status != OrderCanceled {
		t.Errorf("SL 0: expected CANCELED, got %s", g.StopLossOrders[0].Status)
	}

	pos := g.Positions[0]
	if pos.Status != PositionClosed || pos.CloseReason != CloseReasonTP {
		t.Errorf("Position: expected CLOSED/TP, got %s/%s", pos.Status, pos.CloseReason)
	}
	wantPnl := (50150.0 - 50000.0) * pos.Size
	if !approx(pos.RealizedProfit, wantPnl) {
		t.Errorf("Realized pnl: want %.4f, got %.4f", wantPnl, pos.RealizedProfit)
	}
	if !approx(g.RealizedProfit, wantPnl) || g.ClosedCount != 1 {
		t.Errorf("Grid aggregates wrong: pnl=%.4f closed=%d", g.RealizedProfit, g.ClosedCount)
	}
}

func TestStopLossFillClosesPosition(t *testing.T) {
	fake := &fakeGateway{}
	tracker := NewTracker(fake, nil, "test")
	g := mustBuild(t, testGridConfig())
	ctx := context.Background()

	tracker.Reconcile(ctx, g, 50000) // fill level 0

	// Drop through the level 0 stop at 49800. Level 1 (49900) fills on
	// the way down too; only level 0's position should close here.
	tracker.Reconcile(ctx, g, 49800)

	if g.StopLossOrders[0].Status != OrderFilled {
		t.Fatalf("SL 0: expected FILLED, got %s", g.StopLossOrders[0].Status)
	}
	pos := g.Positions[0]
	if pos.Status != PositionClosed || pos.CloseReason != CloseReasonSL {
		t.Errorf("Position: expected CLOSED/SL, got %s/%s", pos.Status, pos.CloseReason)
	}
	if pos.RealizedProfit >= 0 {
		t.Errorf("Stop-loss close should realize a loss, got %.4f", pos.RealizedProfit)
	}
}

func TestSiblingCancelFailureRetriedNextTick(t *testing.T) {
	fake := &fakeGateway{}
	tracker := NewTracker(fake, nil, "test")
	g := mustBuild(t, testGridConfig())
	ctx := context.Background()

	tracker.Reconcile(ctx, g, 50000)

	fake.failCancel = true
	tracker.Reconcile(ctx, g, 50150)

	if g.StopLossOrders[0].Status != OrderActive {
		t.Fatalf("SL 0 should stay ACTIVE while cancel fails, got %s", g.StopLossOrders[0].Status)
	}

	fake.failCancel = false
	tracker.Reconcile(ctx, g, 50150)

	if g.StopLossOrders[0].Status != OrderCanceled {
		t.Errorf("SL 0: expected CANCELED after retry, got %s", g.StopLossOrders[0].Status)
	}
}

func TestEntrySubmitFailureRetriedNextTick(t *testing.T) {
	fake := &fakeGateway{failCreate: true}
	tracker := NewTracker(fake, nil, "test")
	g := mustBuild(t, testGridConfig())
	ctx := context.Background()

	tracker.Reconcile(ctx, g, 50200)
	if g.EntryOrders[0].Status != OrderPending {
		t.Fatalf("Entry 0 should stay PENDING on venue failure, got %s", g.EntryOrders[0].Status)
	}

	fake.failCreate = false
	tracker.Reconcile(ctx, g, 50200)
	if g.EntryOrders[0].Status != OrderActive {
		t.Errorf("Entry 0: expected ACTIVE after retry, got %s", g.EntryOrders[0].Status)
	}
}

func TestCancelRemainingCancelsAllNonTerminal(t *testing.T) {
	fake := &fakeGateway{}
	tracker := NewTracker(fake, nil, "test")
	g := mustBuild(t, testGridConfig())
	ctx := context.Background()

	tracker.Reconcile(ctx, g, 50000) // level 0 filled, its exits active

	tracker.CancelRemaining(ctx, g)

	for _, list := range [][]*Order{g.EntryOrders, g.TakeProfitOrders, g.StopLossOrders} {
		for _, o := range list {
			if !o.Status.Terminal() {
				t.Errorf("%s level %d: expected terminal status, got %s", o.Kind, o.Level, o.Status)
			}
		}
	}
	// The filled entry must stay FILLED, not flip to CANCELED
	if g.EntryOrders[0].Status != OrderFilled {
		t.Errorf("Entry 0: expected FILLED preserved, got %s", g.EntryOrders[0].Status)
	}
}

func TestClosePositionMarketKeepsStateOnVenueFailure(t *testing.T) {
	fake := &fakeGateway{}
	tracker := NewTracker(fake, nil, "test")
	g := mustBuild(t, testGridConfig())
	ctx := context.Background()

	tracker.Reconcile(ctx, g, 50000)
	pos := g.Positions[0]

	fake.failCreate = true
	if err := tracker.ClosePositionMarket(ctx, g, pos, 50100, CloseReasonManual); err == nil {
		t.Fatal("Expected an error when the venue rejects the market order")
	}
	if pos.Status != PositionOpen {
		t.Errorf("Position must stay OPEN on venue failure, got %s", pos.Status)
	}

	fake.failCreate = false
	if err := tracker.ClosePositionMarket(ctx, g, pos, 50100, CloseReasonManual); err != nil {
		t.Fatalf("Market close failed: %v", err)
	}
	if pos.Status != PositionClosed || pos.CloseReason != CloseReasonManual {
		t.Errorf("Position: expected CLOSED/MANUAL, got %s/%s", pos.Status, pos.CloseReason)
	}
}
