// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds configuration shared by all binaries. Each binary reads the
// subset it needs; unset values fall back to the documented defaults.
type Config struct {
	// Control store
	APIKey           string
	DatabaseURL      string // SQLite file path
	CryptoMasterKey  string // URL-safe base64, 32 bytes decoded
	CORSAllowOrigins string
	Port             int
	DockerNetwork    string

	// Safety limits
	PaperProtectHours    int
	DailyLossLimitPct    float64
	ConsecutiveLossLimit int

	// Notifier
	TelegramBotToken string
	TelegramChatID   string

	// Worker processes
	DashboardAPIBase       string
	TraderName             string
	TradingIntervalSec     int
	TraderStartupJitterSec int
	TrainerIntervalSec     int
	TrainerStrategyID      string
	RegimeIntervalSec      int
	RegimeMarket           string

	// Exchange gateway
	UpbitGroupRPS             int
	UpbitBatchChunkSize       int
	UpbitAPIMaxRetry          int
	UpbitOHLCVCallIntervalSec float64

	LogLevel string
	DevMode  bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		APIKey:           getEnv("API_KEY", ""),
		DatabaseURL:      getEnv("DATABASE_URL", "data/ats.db"),
		CryptoMasterKey:  getEnv("CRYPTO_MASTER_KEY", ""),
		CORSAllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
		Port:             getEnvAsInt("PORT", 8000),
		DockerNetwork:    getEnv("DOCKER_NETWORK", "ats-net"),

		PaperProtectHours:    getEnvAsInt("PAPER_PROTECT_HOURS", 24),
		DailyLossLimitPct:    getEnvAsFloat("DAILY_LOSS_LIMIT_PCT", 0.05),
		ConsecutiveLossLimit: getEnvAsInt("CONSECUTIVE_LOSS_LIMIT", 5),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		DashboardAPIBase:       getEnv("DASHBOARD_API_BASE", "http://dashboard-api:8000"),
		TraderName:             getEnv("TRADER_NAME", "trader"),
		TradingIntervalSec:     getEnvAsInt("TRADING_INTERVAL_SEC", 300),
		TraderStartupJitterSec: getEnvAsInt("TRADER_STARTUP_JITTER_SEC", 30),
		TrainerIntervalSec:     getEnvAsInt("TRAINER_INTERVAL_SEC", 3600),
		TrainerStrategyID:      getEnv("TRAINER_STRATEGY_ID", "standard"),
		RegimeIntervalSec:      getEnvAsInt("INTERVAL_SEC", 300),
		RegimeMarket:           getEnv("MARKET", "KRW-BTC"),

		UpbitGroupRPS:             getEnvAsInt("UPBIT_GROUP_RPS", 8),
		UpbitBatchChunkSize:       getEnvAsInt("UPBIT_BATCH_CHUNK_SIZE", 70),
		UpbitAPIMaxRetry:          getEnvAsInt("UPBIT_API_MAX_RETRY", 4),
		UpbitOHLCVCallIntervalSec: getEnvAsFloat("UPBIT_OHLCV_CALL_INTERVAL_SEC", 0.14),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
	}

	// Ensure the database directory exists
	if dir := filepath.Dir(cfg.DatabaseURL); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
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

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
