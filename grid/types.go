// Package grid implements the grid trading engine: ladder construction,
// the per-order and per-position state machines, volatility-driven
// re-spacing, trailing-stop and partial-take-profit logic, and the
// reconciliation loop that drives all of the above.
package grid

import (
	"fmt"
	"time"
)

// ============================================================================
// Enumerations
// ============================================================================

// Direction of a grid ladder.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// OrderStatus is the per-order state machine.
// Transitions are monotonic: PENDING -> ACTIVE -> FILLED, with CANCELED
// reachable from PENDING or ACTIVE. A terminal order never goes back.
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderActive   OrderStatus = "ACTIVE"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled
}

// OrderKind distinguishes the three order roles within a level.
type OrderKind string

const (
	KindEntry      OrderKind = "ENTRY"
	KindTakeProfit OrderKind = "TAKE_PROFIT"
	KindStopLoss   OrderKind = "STOP_LOSS"
)

// GridStatus is the grid-level state machine: ACTIVE -> COMPLETED, once.
type GridStatus string

const (
	GridActive    GridStatus = "ACTIVE"
	GridCompleted GridStatus = "COMPLETED"
)

// CompletionReason records why a grid was torn down.
type CompletionReason string

const (
	ReasonStopLoss           CompletionReason = "STOP_LOSS"
	ReasonTakeProfit         CompletionReason = "TAKE_PROFIT"
	ReasonAllPositionsClosed CompletionReason = "ALL_POSITIONS_CLOSED"
	ReasonTrailingStop       CompletionReason = "TRAILING_STOP"
	ReasonManual             CompletionReason = "MANUAL"
)

// PositionStatus is OPEN while exposure exists, CLOSED after.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position close reasons.
const (
	CloseReasonTP        = "TP"
	CloseReasonSL        = "SL"
	CloseReasonPartialTP = "PARTIAL_TP"
	CloseReasonTargetTP  = "TARGET_TP"
	CloseReasonDrawdown  = "DRAWDOWN"
	CloseReasonTrailing  = "TRAILING_STOP"
	CloseReasonManual    = "MANUAL"
)

// ============================================================================
// Entities
// ============================================================================

// Order is a single conditional instruction sent to the venue.
type Order struct {
	ID           string      `json:"id"`
	Kind         OrderKind   `json:"kind"`
	Level        int         `json:"level"`
	Price        float64     `json:"price"`
	Size         float64     `json:"size"`
	Status       OrderStatus `json:"status"`
	VenueOrderID string      `json:"venue_order_id,omitempty"`
	FillPrice    float64     `json:"fill_price,omitempty"`
	FillTime     *time.Time  `json:"fill_time,omitempty"`
}

// Position is the economic exposure created when an entry order fills.
type Position struct {
	ID             string         `json:"id"`
	EntryOrderID   string         `json:"entry_order_id"`
	Level          int            `json:"level"`
	EntryPrice     float64        `json:"entry_price"`
	Size           float64        `json:"size"`
	Direction      Direction      `json:"direction"`
	Status         PositionStatus `json:"status"`
	OpenedAt       time.Time      `json:"opened_at"`
	ClosePrice     float64        `json:"close_price,omitempty"`
	CloseTime      *time.Time     `json:"close_time,omitempty"`
	CloseReason    string         `json:"close_reason,omitempty"`
	RealizedProfit float64        `json:"realized_profit"`
}

// UnrealizedProfit is the direction-adjusted open P/L at the given price.
func (p *Position) UnrealizedProfit(price float64) float64 {
	if p.Direction == DirectionShort {
		return (p.EntryPrice - price) * p.Size
	}
	return (price - p.EntryPrice) * p.Size
}

// Config holds the per-grid parameters. Zero values are filled from the
// engine defaults at admission time.
type Config struct {
	Levels                int       `json:"levels"`
	SpacingMultiplier     float64   `json:"spacing_multiplier"`
	TakeProfitFactor      float64   `json:"take_profit_factor"`
	StopLossFactor        float64   `json:"stop_loss_factor"`
	MaxDrawdownPercent    float64   `json:"max_drawdown_percent"`
	TargetProfitPercent   float64   `json:"target_profit_percent"`
	PartialTPLevels       []float64 `json:"partial_tp_levels"`
	TrailingStopEnabled   bool      `json:"trailing_stop_enabled"`
	TrailingActivationPct float64   `json:"trailing_activation_pct"`
	FixedLotSize          float64   `json:"fixed_lot_size"`
	MinLotSize            float64   `json:"min_lot_size"`
	MaxRiskPerTrade       float64   `json:"max_risk_per_trade"`
	PriceTolerancePct     float64   `json:"price_tolerance_pct"`
	ATRInterval           string    `json:"atr_interval"`
	ATRCandleLimit        int       `json:"atr_candle_limit"`
	ATRLowerBand          float64   `json:"atr_lower_band"`
	ATRUpperBand          float64   `json:"atr_upper_band"`
}

// Grid is one directional ladder of conditional orders for a pair.
type Grid struct {
	ID               string           `json:"id"`
	Pair             string           `json:"pair"`
	Direction        Direction        `json:"direction"`
	AnchorPrice      float64          `json:"anchor_price"`
	CreatedAt        time.Time        `json:"created_at"`
	Status           GridStatus       `json:"status"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`

	Config Config `json:"config"`

	// Spacing parameters, recomputed when volatility re-adapts
	ATR                float64 `json:"atr"`
	GridStep           float64 `json:"grid_step"`
	TakeProfitDistance float64 `json:"take_profit_distance"`
	StopLossDistance   float64 `json:"stop_loss_distance"`

	// Trailing stop value; nil until activated
	TrailingStop *float64 `json:"trailing_stop,omitempty"`

	// Parallel to Config.PartialTPLevels: true once that level fired
	PartialTPFired []bool `json:"partial_tp_fired"`

	EntryOrders      []*Order    `json:"entry_orders"`
	TakeProfitOrders []*Order    `json:"take_profit_orders"`
	StopLossOrders   []*Order    `json:"stop_loss_orders"`
	Positions        []*Position `json:"positions"`

	// Aggregates
	FilledCount    int     `json:"filled_count"`
	ClosedCount    int     `json:"closed_count"`
	RealizedProfit float64 `json:"realized_profit"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
}

// OpenPositions returns the positions still carrying exposure.
func (g *Grid) OpenPositions() []*Position {
	var open []*Position
	for _, p := range g.Positions {
		if p.Status == PositionOpen {
			open = append(open, p)
		}
	}
	return open
}

// Invested is the entry notional across the given positions.
func Invested(positions []*Position) float64 {
	var total float64
	for _, p := range positions {
		total += p.EntryPrice * p.Size
	}
	return total
}

// AvgEntryPrice is the size-weighted average entry of the given positions.
func AvgEntryPrice(positions []*Position) float64 {
	var notional, size float64
	for _, p := range positions {
		notional += p.EntryPrice * p.Size
		size += p.Size
	}
	if size == 0 {
		return 0
	}
	return notional / size
}

// EntryOrder returns the entry order with the given id.
func (g *Grid) EntryOrder(id string) *Order {
	for _, o := range g.EntryOrders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// PositionForLevel returns the open position originated at a level.
func (g *Grid) PositionForLevel(level int) *Position {
	for _, p := range g.Positions {
		if p.Level == level && p.Status == PositionOpen {
			return p
		}
	}
	return nil
}

// Signal is a directional trading signal that originates a grid.
type Signal struct {
	Pair        string    `json:"pair"`
	Direction   Direction `json:"direction"`
	AnchorPrice float64   `json:"anchor_price"`
	Confidence  float64   `json:"confidence"`
}

// Validate checks the signal fields required for grid construction.
func (s *Signal) Validate() error {
	if s.Pair == "" {
		return fmt.Errorf("signal missing pair")
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("signal has invalid direction %q", s.Direction)
	}
	if s.AnchorPrice <= 0 {
		return fmt.Errorf("signal has non-positive anchor price %.8f", s.AnchorPrice)
	}
	return nil
}

// ModuleStats are process-wide aggregate counters, mutated only on grid
// completion and persisted alongside grid state.
type ModuleStats struct {
	GridsCreated           int     `json:"grids_created"`
	GridsCompleted         int     `json:"grids_completed"`
	CumulativeProfit       float64 `json:"cumulative_profit"`
	WinCount               int     `json:"win_count"`
	TotalCompletionSeconds float64 `json:"total_completion_seconds"`
}

// MeanCompletionSeconds is the mean grid lifetime across completions.
func (s *ModuleStats) MeanCompletionSeconds() float64 {
	if s.GridsCompleted == 0 {
		return 0
	}
	return s.TotalCompletionSeconds / float64(s.GridsCompleted)
}

// Persistence isolates the engine from the storage backend. Writes are
// full-snapshot overwrites; loads treat missing or corrupt documents as
// empty state.
type Persistence interface {
	SaveGrids(grids map[string]*Grid) error
	SaveHistory(history []*Grid) error
	SaveStats(stats *ModuleStats) error
	LoadGrids() (map[string]*Grid, error)
	LoadHistory() ([]*Grid, error)
	LoadStats() (*ModuleStats, error)
}
