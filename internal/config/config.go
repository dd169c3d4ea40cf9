package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the copy trader.
type Config struct {
	// Source wallet to mirror
	ProfileAddress string

	// Mode
	Debug               bool
	AutoStart           bool
	ForceFreshRun       bool
	StartFromNow        bool
	EnableTradeFilters  bool
	SkipActivePositions bool

	// Paper account
	StartingBalance  float64
	DefaultTradeMode string
	TradePercentage  float64
	FixedAmountUSD   float64
	MinOrderShares   float64

	// Engine pacing
	PollInterval     time.Duration
	WSRefreshEvery   time.Duration
	MaxTickRecheck   time.Duration
	ExpectedEdge     float64
	DelayPenalty     float64
	SellLossGuardPct float64

	// Endpoints
	GammaAPIURL string
	DataAPIURL  string
	CLOBAPIURL  string
	WSURL       string

	// Dashboard
	DashboardAddr string

	// Data files
	LedgerPath    string
	BlacklistPath string
	SettingsPath  string
	AuditDir      string

	// Trade history mirror
	DatabasePath string
	DatabaseDSN  string

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ProfileAddress: os.Getenv("PROFILE_ADDRESS"),

		Debug:               getEnvBool("DEBUG_LOGS", false),
		AutoStart:           getEnvBool("AUTO_START", true),
		ForceFreshRun:       getEnvBool("FORCE_FRESH_RUN", false),
		StartFromNow:        getEnvBool("START_FROM_NOW", true),
		EnableTradeFilters:  getEnvBool("ENABLE_TRADE_FILTERS", true),
		SkipActivePositions: getEnvBool("SKIP_ACTIVE_POSITIONS", true),

		StartingBalance:  getEnvFloat("STARTING_BALANCE", 1000),
		DefaultTradeMode: getEnv("TRADE_MODE", "PERCENTAGE"),
		TradePercentage:  getEnvFloat("FIXED_COPY_PCT", 0.10),
		FixedAmountUSD:   getEnvFloat("FIXED_TRADE_USD", 10),
		MinOrderShares:   getEnvFloat("MIN_ORDER_SIZE_SHARES", 1),

		PollInterval:     time.Duration(getEnvInt("POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		WSRefreshEvery:   getEnvDuration("WS_REFRESH_INTERVAL", 60*time.Second),
		MaxTickRecheck:   getEnvDuration("MAX_TICK_RECHECK", 30*time.Second),
		ExpectedEdge:     getEnvFloat("EXPECTED_EDGE", 0.06),
		DelayPenalty:     getEnvFloat("SLIPPAGE_DELAY_PENALTY", 0.003),
		SellLossGuardPct: getEnvFloat("SELL_LOSS_GUARD_PCT", 0.10),

		GammaAPIURL: getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		DataAPIURL:  getEnv("DATA_API_URL", "https://data-api.polymarket.com"),
		CLOBAPIURL:  getEnv("CLOB_API_URL", "https://clob.polymarket.com"),
		WSURL:       getEnv("WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),

		DashboardAddr: ":" + getEnv("PORT", "8080"),

		LedgerPath:    getEnv("LEDGER_PATH", "data/ledger.json"),
		BlacklistPath: getEnv("BLACKLIST_PATH", "data/positions_log.json"),
		SettingsPath:  getEnv("SETTINGS_PATH", "trade_settings.json"),
		AuditDir:      getEnv("AUDIT_DIR", "logs"),

		DatabasePath: getEnv("DATABASE_PATH", "data/polycopy.db"),
		DatabaseDSN:  os.Getenv("DATABASE_DSN"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.ProfileAddress == "" {
		return nil, fmt.Errorf("PROFILE_ADDRESS is required")
	}
	if !common.IsHexAddress(cfg.ProfileAddress) {
		return nil, fmt.Errorf("PROFILE_ADDRESS is not a valid address: %s", cfg.ProfileAddress)
	}
	if cfg.StartingBalance <= 0 {
		return nil, fmt.Errorf("STARTING_BALANCE must be positive")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			f, _ := d.Float64()
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
