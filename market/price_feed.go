package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridbot/logger"
)

// PriceFeed maintains a live last-price cache per symbol over the
// Binance combined-streams websocket. The engine treats it as a
// best-effort accelerator: when the feed has no fresh price it falls
// back to the gateway REST ticker.
type PriceFeed struct {
	endpoint string

	mu        sync.RWMutex
	conn      *websocket.Conn
	prices    map[string]feedPrice
	reconnect bool

	done chan struct{}
}

type feedPrice struct {
	value     float64
	updatedAt time.Time
}

// feedStaleAfter is how long a cached feed price stays usable.
const feedStaleAfter = 15 * time.Second

// NewPriceFeed creates a price feed client for the default futures endpoint.
func NewPriceFeed() *PriceFeed {
	return &PriceFeed{
		endpoint:  "wss://fstream.binance.com/stream",
		prices:    make(map[string]feedPrice),
		reconnect: true,
		done:      make(chan struct{}),
	}
}

// Connect dials the websocket and starts the read loop.
func (f *PriceFeed) Connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(f.endpoint, nil)
	if err != nil {
		return fmt.Errorf("price feed connect: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	logger.Info("Price feed websocket connected")
	go f.readMessages()

	return nil
}

// Subscribe adds mark-price streams for the given symbols.
func (f *PriceFeed) Subscribe(symbols []string) error {
	streams := make([]string, len(symbols))
	for i, symbol := range symbols {
		streams[i] = fmt.Sprintf("%s@markPrice@1s", strings.ToLower(symbol))
	}

	msg := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.conn == nil {
		return fmt.Errorf("price feed not connected")
	}

	logger.Infof("Price feed subscribing: %v", streams)
	return f.conn.WriteJSON(msg)
}

// Unsubscribe drops mark-price streams and the cached prices for the
// given symbols, so a reconnect does not resubscribe them.
func (f *PriceFeed) Unsubscribe(symbols []string) error {
	streams := make([]string, len(symbols))

	f.mu.Lock()
	for i, symbol := range symbols {
		streams[i] = fmt.Sprintf("%s@markPrice@1s", strings.ToLower(symbol))
		delete(f.prices, strings.ToUpper(symbol))
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("price feed not connected")
	}

	msg := map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	}

	logger.Infof("Price feed unsubscribing: %v", streams)
	return conn.WriteJSON(msg)
}

// LastPrice returns the cached price for a symbol if it is fresh.
func (f *PriceFeed) LastPrice(symbol string) (float64, bool) {
	f.mu.RLock()
	p, ok := f.prices[strings.ToUpper(symbol)]
	f.mu.RUnlock()

	if !ok || time.Since(p.updatedAt) > feedStaleAfter {
		return 0, false
	}
	return p.value, true
}

func (f *PriceFeed) readMessages() {
	for {
		select {
		case <-f.done:
			return
		default:
			f.mu.RLock()
			conn := f.conn
			f.mu.RUnlock()

			if conn == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				logger.Warnf("Price feed read failed: %v", err)
				f.handleReconnect()
				return
			}

			f.handleMessage(message)
		}
	}
}

func (f *PriceFeed) handleMessage(message []byte) {
	var combined struct {
		Stream string `json:"stream"`
		Data   struct {
			Symbol string `json:"s"`
			Price  string `json:"p"`
		} `json:"data"`
	}

	if err := json.Unmarshal(message, &combined); err != nil {
		logger.Debugf("Price feed: unparseable message: %v", err)
		return
	}
	if combined.Data.Symbol == "" || combined.Data.Price == "" {
		return // subscription ack or unknown frame
	}

	price, err := strconv.ParseFloat(combined.Data.Price, 64)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.prices[strings.ToUpper(combined.Data.Symbol)] = feedPrice{
		value:     price,
		updatedAt: time.Now(),
	}
	f.mu.Unlock()
}

func (f *PriceFeed) handleReconnect() {
	f.mu.RLock()
	active := f.reconnect
	f.mu.RUnlock()
	if !active {
		return
	}

	logger.Info("Price feed reconnecting...")
	time.Sleep(3 * time.Second)

	if err := f.Connect(); err != nil {
		logger.Warnf("Price feed reconnection failed: %v", err)
		go f.handleReconnect()
		return
	}

	// Resubscribe to known symbols on the fresh connection
	f.mu.RLock()
	symbols := make([]string, 0, len(f.prices))
	for s := range f.prices {
		symbols = append(symbols, s)
	}
	f.mu.RUnlock()

	if len(symbols) > 0 {
		if err := f.Subscribe(symbols); err != nil {
			logger.Warnf("Price feed resubscription failed: %v", err)
		}
	}
}

// Close stops the feed and drops the connection.
func (f *PriceFeed) Close() {
	close(f.done)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.reconnect = false
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}
