package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gridbot/api"
	"gridbot/config"
	"gridbot/exchange"
	"gridbot/grid"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/notifier"
	"gridbot/store"
)

func main() {
	// Load environment variables from .env file if present (for local/dev runs)
	// In Docker Compose, variables are injected by the runtime and this is harmless.
	_ = godotenv.Load()

	config.Init()
	cfg := config.Get()
	logger.Init(cfg.LogLevel)

	logger.Info("╔════════════════════════════════════════════╗")
	logger.Info("║    📐 ATR Grid Trading Engine              ║")
	logger.Info("╚════════════════════════════════════════════╝")

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("❌ Failed to initialize database: %v", err)
	}
	defer st.Close()

	// Binance always backs price and candle data; orders go to the
	// paper book unless live trading is enabled.
	binance := exchange.NewBinanceGateway(cfg.BinanceAPIKey, cfg.BinanceSecretKey)
	var gateway exchange.Gateway = binance
	if cfg.PaperTrading {
		logger.Info("📝 Paper trading mode: orders stay in the local book")
		gateway = exchange.NewPaperGateway(binance)
	}

	vol := market.NewVolatility(gateway, cfg.ATRPeriod)

	feed := market.NewPriceFeed()
	if err := feed.Connect(); err != nil {
		logger.Warnf("⚠️ Price stream unavailable, falling back to REST tickers: %v", err)
		feed = nil
	}
	defer func() {
		if feed != nil {
			feed.Close()
		}
	}()

	events := grid.NewBus()
	defer events.Close()

	tg := notifier.New(cfg.TelegramToken, cfg.TelegramChatID)
	go tg.Run(events.Subscribe(64))

	var priceCache grid.PriceCache
	if feed != nil {
		priceCache = feed
	}
	// The engine manages stream subscriptions itself: restored and
	// newly created grids are subscribed, completed pairs dropped.
	engine := grid.NewEngine(cfg, gateway, vol, priceCache, st, events)
	if err := engine.Start(); err != nil {
		logger.Fatalf("❌ Failed to start grid engine: %v", err)
	}

	server := api.NewServer(engine, cfg.APIServerPort)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Warnf("API server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("⏹  Shutting down...")
	if err := server.Shutdown(); err != nil {
		logger.Warnf("API server shutdown error: %v", err)
	}
	engine.Stop()
	logger.Info("👋 Bye")
}
