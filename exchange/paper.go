package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"gridbot/logger"
)

// PriceSource supplies reference prices and candles for paper trading.
// A real market-data gateway (e.g. BinanceGateway) satisfies it.
type PriceSource interface {
	GetTicker(ctx context.Context, pair string) (float64, error)
	GetCandles(ctx context.Context, pair, interval string, limit int) ([]Candle, error)
}

// PaperGateway simulates order placement against live market data.
// Orders are accepted and tracked in memory; the engine's own
// price-crossing reconciliation decides when they fill, so the paper
// gateway only needs to remember which orders are still open.
type PaperGateway struct {
	source PriceSource

	mu     sync.Mutex
	orders map[string]*OrderRequest
}

// NewPaperGateway creates a dry-run gateway on top of a price source.
func NewPaperGateway(source PriceSource) *PaperGateway {
	return &PaperGateway{
		source: source,
		orders: make(map[string]*OrderRequest),
	}
}

// CreateOrder records the order and returns a synthetic id.
func (g *PaperGateway) CreateOrder(_ context.Context, req *OrderRequest) (string, error) {
	if req.Size <= 0 {
		return "", fmt.Errorf("paper order: non-positive size %.8f", req.Size)
	}

	id := "paper-" + uuid.New().String()[:8]
	cp := *req

	g.mu.Lock()
	g.orders[id] = &cp
	g.mu.Unlock()

	logger.Infof("[Paper] Accepted %s %s %s size=%.6f price=%.4f orderID=%s",
		req.Side, req.Type, req.Pair, req.Size, req.Price, id)
	return id, nil
}

// CancelOrder removes a tracked order. Unknown ids are an error so the
// engine sees the same surface a real venue would present.
func (g *PaperGateway) CancelOrder(_ context.Context, pair, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.orders[orderID]; !ok {
		return fmt.Errorf("paper cancel: unknown order %s for %s", orderID, pair)
	}
	delete(g.orders, orderID)
	return nil
}

// GetTicker proxies to the underlying price source.
func (g *PaperGateway) GetTicker(ctx context.Context, pair string) (float64, error) {
	return g.source.GetTicker(ctx, pair)
}

// GetCandles proxies to the underlying price source.
func (g *PaperGateway) GetCandles(ctx context.Context, pair, interval string, limit int) ([]Candle, error) {
	return g.source.GetCandles(ctx, pair, interval, limit)
}

// OpenOrderCount reports how many simulated orders are outstanding.
func (g *PaperGateway) OpenOrderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}
