package grid

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Build constructs a fully populated grid from a signal: N entry levels
// at volatility-scaled offsets from the anchor, each paired with a
// take-profit and stop-loss order. Nothing is submitted to the venue.
//
// balance is the available quote balance used for dynamic sizing; it is
// ignored when cfg.FixedLotSize is set.
func Build(signal *Signal, atr float64, cfg Config, balance float64) (*Grid, error) {
	if err := signal.Validate(); err != nil {
		return nil, err
	}
	if atr <= 0 {
		return nil, fmt.Errorf("cannot build grid for %s: ATR unavailable (%.8f)", signal.Pair, atr)
	}
	if cfg.Levels <= 0 {
		return nil, fmt.Errorf("cannot build grid for %s: invalid level count %d", signal.Pair, cfg.Levels)
	}

	spacing := atr * cfg.SpacingMultiplier
	if spacing <= 0 {
		return nil, fmt.Errorf("cannot build grid for %s: non-positive spacing (atr=%.8f mult=%.4f)",
			signal.Pair, atr, cfg.SpacingMultiplier)
	}

	g := &Grid{
		ID:                 uuid.New().String(),
		Pair:               signal.Pair,
		Direction:          signal.Direction,
		AnchorPrice:        signal.AnchorPrice,
		CreatedAt:          time.Now().UTC(),
		Status:             GridActive,
		Config:             cfg,
		ATR:                atr,
		GridStep:           spacing,
		TakeProfitDistance: spacing * cfg.TakeProfitFactor,
		StopLossDistance:   spacing * cfg.StopLossFactor,
		PartialTPFired:     make([]bool, len(cfg.PartialTPLevels)),
	}

	for i := 0; i < cfg.Levels; i++ {
		entryPrice := levelPrice(signal.AnchorPrice, spacing, i, signal.Direction)
		size := levelSize(cfg, balance, entryPrice)
		if size <= 0 {
			return nil, fmt.Errorf("cannot build grid for %s: level %d size is zero (balance=%.2f)",
				signal.Pair, i, balance)
		}

		g.EntryOrders = append(g.EntryOrders, &Order{
			ID:     uuid.New().String(),
			Kind:   KindEntry,
			Level:  i,
			Price:  entryPrice,
			Size:   size,
			Status: OrderPending,
		})
		g.TakeProfitOrders = append(g.TakeProfitOrders, &Order{
			ID:     uuid.New().String(),
			Kind:   KindTakeProfit,
			Level:  i,
			Price:  favorable(entryPrice, g.TakeProfitDistance, signal.Direction),
			Size:   size,
			Status: OrderPending,
		})
		g.StopLossOrders = append(g.StopLossOrders, &Order{
			ID:     uuid.New().String(),
			Kind:   KindStopLoss,
			Level:  i,
			Price:  unfavorable(entryPrice, g.StopLossDistance, signal.Direction),
			Size:   size,
			Status: OrderPending,
		})
	}

	return g, nil
}

// levelPrice places level i one spacing unit further from the anchor in
// the unfavorable direction: below for LONG, above for SHORT.
func levelPrice(anchor, spacing float64, level int, dir Direction) float64 {
	offset := spacing * float64(level)
	if dir == DirectionShort {
		return anchor + offset
	}
	return anchor - offset
}

// favorable offsets a price in the profitable direction for dir.
func favorable(price, distance float64, dir Direction) float64 {
	if dir == DirectionShort {
		return price - distance
	}
	return price + distance
}

// unfavorable offsets a price in the losing direction for dir.
func unfavorable(price, distance float64, dir Direction) float64 {
	if dir == DirectionShort {
		return price + distance
	}
	return price - distance
}

// levelSize returns the base-asset size for one level: the configured
// fixed lot when set, otherwise balance*maxRisk spread across levels at
// the level price, floored at the minimum lot.
func levelSize(cfg Config, balance, price float64) float64 {
	if cfg.FixedLotSize > 0 {
		return cfg.FixedLotSize
	}
	if balance <= 0 || price <= 0 || cfg.Levels <= 0 {
		return cfg.MinLotSize
	}
	size := balance * cfg.MaxRiskPerTrade / float64(cfg.Levels) / price
	return math.Max(size, cfg.MinLotSize)
}
