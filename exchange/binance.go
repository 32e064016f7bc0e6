package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"gridbot/logger"
)

// BinanceGateway implements Gateway on Binance USD-M futures.
type BinanceGateway struct {
	client *futures.Client
}

// NewBinanceGateway creates a gateway backed by the Binance futures API.
func NewBinanceGateway(apiKey, secretKey string) *BinanceGateway {
	return &BinanceGateway{
		client: binance.NewFuturesClient(apiKey, secretKey),
	}
}

// CreateOrder places a limit or market order and returns the venue order id.
func (g *BinanceGateway) CreateOrder(ctx context.Context, req *OrderRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	svc := g.client.NewCreateOrderService().
		Symbol(req.Pair).
		Side(futures.SideType(req.Side)).
		Quantity(formatFloat(req.Size))

	switch req.Type {
	case TypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	default:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatFloat(req.Price))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance create order: %w", err)
	}

	logger.Infof("[Binance] Placed %s %s %s size=%s price=%s orderID=%d",
		req.Side, req.Type, req.Pair, formatFloat(req.Size), formatFloat(req.Price), resp.OrderID)

	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder cancels an order by venue id.
func (g *BinanceGateway) CancelOrder(ctx context.Context, pair, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	if _, err := g.client.NewCancelOrderService().
		Symbol(pair).
		OrderID(id).
		Do(ctx); err != nil {
		return fmt.Errorf("binance cancel order %s: %w", orderID, err)
	}

	return nil
}

// GetTicker returns the last price for a pair.
func (g *BinanceGateway) GetTicker(ctx context.Context, pair string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	prices, err := g.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance ticker %s: %w", pair, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("binance ticker %s: empty response", pair)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance ticker %s: bad price %q", pair, prices[0].Price)
	}
	return price, nil
}

// GetCandles returns recent klines, oldest first.
func (g *BinanceGateway) GetCandles(ctx context.Context, pair, interval string, limit int) ([]Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	klines, err := g.client.NewKlinesService().
		Symbol(pair).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", pair, interval, err)
	}

	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		c, err := klineToCandle(k)
		if err != nil {
			logger.Warnf("[Binance] Skipping malformed kline for %s: %v", pair, err)
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func klineToCandle(k *futures.Kline) (Candle, error) {
	var (
		c   Candle
		err error
	)
	c.OpenTime = unixMillis(k.OpenTime)
	if c.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return c, err
	}
	if c.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return c, err
	}
	if c.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return c, err
	}
	if c.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return c, err
	}
	if c.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return c, err
	}
	return c, nil
}

func unixMillis(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
