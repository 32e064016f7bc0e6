// Package market provides market-data helpers for the grid engine:
// the ATR-based volatility adapter and a live websocket price feed.
package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridbot/exchange"
)

// ============================================================================
// ATR computation
// ============================================================================

// CalculateATR computes the Wilder-smoothed Average True Range over the
// given candles. The first `period` true ranges are seeded with their
// simple average, then ATR_t = (ATR_{t-1}*(period-1) + TR_t) / period.
// Returns an error when there is not enough history.
func CalculateATR(candles []exchange.Candle, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("atr: invalid period %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("atr: need at least %d candles, have %d", period+1, len(candles))
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1].Close))
	}

	// Seed with the simple average of the first `period` true ranges
	var sum float64
	for _, tr := range trs[:period] {
		sum += tr
	}
	atr := sum / float64(period)

	// Wilder smoothing over the remainder
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}

	return atr, nil
}

// trueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func trueRange(c exchange.Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if hc := abs(c.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := abs(c.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// ============================================================================
// Volatility adapter
// ============================================================================

// DefaultCacheTTL bounds how long a computed ATR is reused before the
// candle history is fetched again.
const DefaultCacheTTL = 30 * time.Second

type atrCacheKey struct {
	pair     string
	interval string
	limit    int
}

type atrCacheEntry struct {
	value     float64
	fetchedAt time.Time
}

// Volatility computes and caches ATR values from gateway candle history.
type Volatility struct {
	gateway exchange.Gateway
	period  int
	ttl     time.Duration

	mu    sync.Mutex
	cache map[atrCacheKey]atrCacheEntry

	now func() time.Time // overridable in tests
}

// NewVolatility creates a volatility adapter with the given ATR period.
func NewVolatility(gateway exchange.Gateway, period int) *Volatility {
	return &Volatility{
		gateway: gateway,
		period:  period,
		ttl:     DefaultCacheTTL,
		cache:   make(map[atrCacheKey]atrCacheEntry),
		now:     time.Now,
	}
}

// SetCacheTTL overrides the cache lifetime (mainly for tests).
func (v *Volatility) SetCacheTTL(ttl time.Duration) {
	v.mu.Lock()
	v.ttl = ttl
	v.mu.Unlock()
}

// ATR returns the current ATR for a pair, serving cached values within
// the TTL to avoid redundant history fetches.
func (v *Volatility) ATR(ctx context.Context, pair, interval string, limit int) (float64, error) {
	key := atrCacheKey{pair: pair, interval: interval, limit: limit}

	v.mu.Lock()
	entry, ok := v.cache[key]
	ttl := v.ttl
	v.mu.Unlock()

	if ok && v.now().Sub(entry.fetchedAt) < ttl {
		return entry.value, nil
	}

	candles, err := v.gateway.GetCandles(ctx, pair, interval, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch candles for %s: %w", pair, err)
	}

	atr, err := CalculateATR(candles, v.period)
	if err != nil {
		return 0, err
	}

	v.mu.Lock()
	v.cache[key] = atrCacheEntry{value: atr, fetchedAt: v.now()}
	v.mu.Unlock()

	return atr, nil
}

// SpacingUnit converts an ATR into a grid spacing unit.
func SpacingUnit(atr, multiplier float64) float64 {
	return atr * multiplier
}
