package grid

import (
	"math"
	"testing"
)

func testSignal() *Signal {
	return &Signal{
		Pair:        "BTCUSDT",
		Direction:   DirectionLong,
		AnchorPrice: 50000,
		Confidence:  0.8,
	}
}

func testGridConfig() Config {
	return Config{
		Levels:                3,
		SpacingMultiplier:     0.5,
		TakeProfitFactor:      1.5,
		StopLossFactor:        2.0,
		MaxDrawdownPercent:    10,
		TargetProfitPercent:   2,
		PartialTPLevels:       []float64{0.3, 0.5, 0.7},
		TrailingStopEnabled:   true,
		TrailingActivationPct: 0.5,
		FixedLotSize:          0.01,
		MinLotSize:            0.001,
		MaxRiskPerTrade:       0.02,
		PriceTolerancePct:     0.05,
		ATRInterval:           "1h",
		ATRCandleLimit:        100,
		ATRLowerBand:          0.7,
		ATRUpperBand:          1.5,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestBuildLongLadderPrices(t *testing.T) {
	// ATR 200 with multiplier 0.5 gives a 100-point step
	g, err := Build(testSignal(), 200, testGridConfig(), 10000)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	wantEntries := []float64{50000, 49900, 49800}
	wantTPs := []float64{50150, 50050, 49950}
	wantSLs := []float64{49800, 49700, 49600}

	if len(g.EntryOrders) != 3 || len(g.TakeProfitOrders) != 3 || len(g.StopLossOrders) != 3 {
		t.Fatalf("Expected 3 orders per role, got %d/%d/%d",
			len(g.EntryOrders), len(g.TakeProfitOrders), len(g.StopLossOrders))
	}

	for i := 0; i < 3; i++ {
		if !approx(g.EntryOrders[i].Price, wantEntries[i]) {
			t.Errorf("Entry level %d: want %.2f, got %.2f", i, wantEntries[i], g.EntryOrders[i].Price)
		}
		if !approx(g.TakeProfitOrders[i].Price, wantTPs[i]) {
			t.Errorf("TP level %d: want %.2f, got %.2f", i, wantTPs[i], g.TakeProfitOrders[i].Price)
		}
		if !approx(g.StopLossOrders[i].Price, wantSLs[i]) {
			t.Errorf("SL level %d: want %.2f, got %.2f", i, wantSLs[i], g.StopLossOrders[i].Price)
		}
		if g.EntryOrders[i].Status != OrderPending {
			t.Errorf("Entry level %d: expected PENDING, got %s", i, g.EntryOrders[i].Status)
		}
	}

	if !approx(g.GridStep, 100) || !approx(g.TakeProfitDistance, 150) || !approx(g.StopLossDistance, 200) {
		t.Errorf("Distances wrong: step=%.2f tp=%.2f sl=%.2f", g.GridStep, g.TakeProfitDistance, g.StopLossDistance)
	}
	if len(g.PartialTPFired) != 3 {
		t.Errorf("Expected 3 partial-TP flags, got %d", len(g.PartialTPFired))
	}
}

func TestBuildShortLadderMonotonic(t *testing.T) {
	sig := testSignal()
	sig.Direction = DirectionShort

	g, err := Build(sig, 200, testGridConfig(), 10000)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for i := 1; i < len(g.EntryOrders); i++ {
		if g.EntryOrders[i].Price <= g.EntryOrders[i-1].Price {
			t.Errorf("SHORT entries must increase: level %d %.2f <= level %d %.2f",
				i, g.EntryOrders[i].Price, i-1, g.EntryOrders[i-1].Price)
		}
	}
	for i := range g.EntryOrders {
		entry := g.EntryOrders[i].Price
		if g.TakeProfitOrders[i].Price >= entry {
			t.Errorf("SHORT TP level %d must be below entry", i)
		}
		if g.StopLossOrders[i].Price <= entry {
			t.Errorf("SHORT SL level %d must be above entry", i)
		}
	}
}

func TestBuildRejectsBadInputs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(sig *Signal, cfg *Config) (atr float64)
	}{
		{
			name: "zero ATR",
			mutate: func(sig *Signal, cfg *Config) float64 { return 0 },
		},
		{
			name: "negative ATR",
			mutate: func(sig *Signal, cfg *Config) float64 { return -5 },
		},
		{
			name: "missing pair",
			mutate: func(sig *Signal, cfg *Config) float64 {
				sig.Pair = ""
				return 200
			},
		},
		{
			name: "bad direction",
			mutate: func(sig *Signal, cfg *Config) float64 {
				sig.Direction = "SIDEWAYS"
				return 200
			},
		},
		{
			name: "non-positive anchor",
			mutate: func(sig *Signal, cfg *Config) float64 {
				sig.AnchorPrice = 0
				return 200
			},
		},
		{
			name: "zero levels",
			mutate: func(sig *Signal, cfg *Config) float64 {
				cfg.Levels = 0
				return 200
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := testSignal()
			cfg := testGridConfig()
			atr := tt.mutate(sig, &cfg)
			if _, err := Build(sig, atr, cfg, 10000); err == nil {
				t.Error("Expected an error, got a grid")
			}
		})
	}
}

func TestBuildDynamicSizingFloorsAtMinLot(t *testing.T) {
	cfg := testGridConfig()
	cfg.FixedLotSize = 0

	// Tiny balance: raw size far below the minimum lot
	g, err := Build(testSignal(), 200, cfg, 10)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, o := range g.EntryOrders {
		if o.Size < cfg.MinLotSize {
			t.Errorf("Level %d size %.8f below minimum lot %.8f", o.Level, o.Size, cfg.MinLotSize)
		}
	}

	// Healthy balance: size scales with risk budget
	g, err = Build(testSignal(), 200, cfg, 1000000)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := 1000000 * cfg.MaxRiskPerTrade / 3 / 50000
	if !approx(g.EntryOrders[0].Size, want) {
		t.Errorf("Level 0 size: want %.6f, got %.6f", want, g.EntryOrders[0].Size)
	}
}
