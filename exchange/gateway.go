// Package exchange defines the venue gateway consumed by the grid engine
// and its concrete implementations. The engine never talks to a venue
// except through the Gateway interface.
package exchange

import (
	"context"
	"time"
)

// Order sides and types as sent to the venue.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeLimit  = "LIMIT"
	TypeMarket = "MARKET"
)

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// OrderRequest describes one conditional instruction for the venue.
// Price is ignored for market orders.
type OrderRequest struct {
	Pair  string
	Side  string
	Type  string
	Size  float64
	Price float64
}

// Gateway is the capability interface the engine depends on.
// All calls may fail; callers are expected to log and retry on the
// next reconciliation tick rather than propagate.
type Gateway interface {
	// CreateOrder places an order and returns the venue order id.
	CreateOrder(ctx context.Context, req *OrderRequest) (string, error)

	// CancelOrder cancels a previously placed order.
	CancelOrder(ctx context.Context, pair, orderID string) error

	// GetTicker returns the last traded price for a pair.
	GetTicker(ctx context.Context, pair string) (float64, error)

	// GetCandles returns up to limit most recent OHLCV bars, oldest first.
	GetCandles(ctx context.Context, pair, interval string, limit int) ([]Candle, error)
}

// CallTimeout is the fixed per-call deadline applied to venue requests.
const CallTimeout = 10 * time.Second
