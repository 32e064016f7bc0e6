// Package config holds process-wide configuration loaded from the
// environment (.env is loaded by main before Init runs).
// Per-grid parameters live in grid.Config; only defaults are set here.
package config

import (
	"os"
	"strconv"
	"strings"
)

var global *Config

// Config global configuration
type Config struct {
	// Service
	APIServerPort int
	LogLevel      string
	DBPath        string

	// Exchange
	PaperTrading     bool
	BinanceAPIKey    string
	BinanceSecretKey string

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// Engine
	TickIntervalSec    int
	MaxConcurrentGrids int
	HistoryMaxSize     int

	// Grid defaults (overridable per signal via the API)
	GridLevels            int
	SpacingMultiplier     float64
	TakeProfitFactor      float64
	StopLossFactor        float64
	ATRPeriod             int
	ATRInterval           string
	ATRCandleLimit        int
	ATRLowerBand          float64
	ATRUpperBand          float64
	MaxDrawdownPercent    float64
	TargetProfitPercent   float64
	PartialTPLevels       []float64
	TrailingStopEnabled   bool
	TrailingActivationPct float64
	FixedLotSize          float64
	MinLotSize            float64
	MaxRiskPerTrade       float64
	PriceTolerancePct     float64

	// Quote balance assumed for dynamic sizing when no fixed lot is set
	AccountBalance float64
}

// Init loads global configuration from environment variables
func Init() {
	cfg := &Config{
		APIServerPort:      8080,
		LogLevel:           "info",
		DBPath:             "data/gridbot.db",
		PaperTrading:       true,
		TickIntervalSec:    10,
		MaxConcurrentGrids: 5,
		HistoryMaxSize:     200,

		GridLevels:            3,
		SpacingMultiplier:     0.5,
		TakeProfitFactor:      1.5,
		StopLossFactor:        2.0,
		ATRPeriod:             14,
		ATRInterval:           "1h",
		ATRCandleLimit:        100,
		ATRLowerBand:          0.7,
		ATRUpperBand:          1.5,
		MaxDrawdownPercent:    10.0,
		TargetProfitPercent:   2.0,
		PartialTPLevels:       []float64{0.3, 0.5, 0.7},
		TrailingStopEnabled:   true,
		TrailingActivationPct: 0.5,
		FixedLotSize:          0,
		MinLotSize:            0.001,
		MaxRiskPerTrade:       0.02,
		PriceTolerancePct:     0.05,
		AccountBalance:        10000,
	}

	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.APIServerPort = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PAPER_TRADING"); v != "" {
		cfg.PaperTrading = strings.ToLower(v) == "true"
	}

	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceSecretKey = os.Getenv("BINANCE_SECRET_KEY")

	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramChatID = id
		}
	}

	if v := os.Getenv("TICK_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.TickIntervalSec = sec
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_GRIDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentGrids = n
		}
	}
	if v := os.Getenv("HISTORY_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryMaxSize = n
		}
	}

	if v := os.Getenv("GRID_LEVELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GridLevels = n
		}
	}
	loadFloat(&cfg.SpacingMultiplier, "GRID_SPACING_MULTIPLIER")
	loadFloat(&cfg.TakeProfitFactor, "GRID_TP_FACTOR")
	loadFloat(&cfg.StopLossFactor, "GRID_SL_FACTOR")
	loadFloat(&cfg.MaxDrawdownPercent, "MAX_DRAWDOWN_PERCENT")
	loadFloat(&cfg.TargetProfitPercent, "TARGET_PROFIT_PERCENT")
	loadFloat(&cfg.TrailingActivationPct, "TRAILING_ACTIVATION_PCT")
	loadFloat(&cfg.FixedLotSize, "FIXED_LOT_SIZE")
	loadFloat(&cfg.MinLotSize, "MIN_LOT_SIZE")
	loadFloat(&cfg.MaxRiskPerTrade, "MAX_RISK_PER_TRADE")
	loadFloat(&cfg.PriceTolerancePct, "PRICE_TOLERANCE_PCT")
	loadFloat(&cfg.AccountBalance, "ACCOUNT_BALANCE")

	if v := os.Getenv("TRAILING_STOP_ENABLED"); v != "" {
		cfg.TrailingStopEnabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("ATR_PERIOD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			cfg.ATRPeriod = n
		}
	}
	if v := os.Getenv("ATR_INTERVAL"); v != "" {
		cfg.ATRInterval = v
	}
	if v := os.Getenv("PARTIAL_TP_LEVELS"); v != "" {
		if levels := parseLevels(v); len(levels) > 0 {
			cfg.PartialTPLevels = levels
		}
	}

	global = cfg
}

// Get returns the global configuration
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}

func loadFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// parseLevels parses a comma separated list like "0.3,0.5,0.7"
func parseLevels(s string) []float64 {
	var levels []float64
	for _, part := range strings.Split(s, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || f <= 0 || f >= 1 {
			continue
		}
		levels = append(levels, f)
	}
	return levels
}
