package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Database
	DBPath string

	// Logging
	LogLevel      string
	LogOutput     string // console, file, or both
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Engine timers
	SyncInterval       time.Duration // position sync tick
	MonitorInterval    time.Duration // stop-loss/take-profit monitor tick
	FlipSettleDelay    time.Duration // wait after closing an opposing position
	MinNotional        float64       // minimum order value in quote currency
	BreakEvenOffsetPct float64       // stop offset past entry on the first ratchet step
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string

	cfg.DBPath = getEnv("DB_PATH", "./data/trading_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogOutput = getEnv("LOG_OUTPUT", "console")
	cfg.LogFile = getEnv("LOG_FILE", "./logs/bot.log")
	cfg.LogMaxSizeMB = getEnvAsInt("LOG_MAX_SIZE_MB", 50)
	cfg.LogMaxBackups = getEnvAsInt("LOG_MAX_BACKUPS", 5)
	cfg.LogMaxAgeDays = getEnvAsInt("LOG_MAX_AGE_DAYS", 14)

	cfg.SyncInterval = getEnvAsDuration("SYNC_INTERVAL", 30*time.Second)
	if cfg.SyncInterval <= 0 {
		errs = append(errs, "SYNC_INTERVAL must be positive")
	}
	cfg.MonitorInterval = getEnvAsDuration("MONITOR_INTERVAL", 10*time.Second)
	if cfg.MonitorInterval <= 0 {
		errs = append(errs, "MONITOR_INTERVAL must be positive")
	}
	cfg.FlipSettleDelay = getEnvAsDuration("FLIP_SETTLE_DELAY", 2*time.Second)
	if cfg.FlipSettleDelay < 0 {
		errs = append(errs, "FLIP_SETTLE_DELAY cannot be negative")
	}

	cfg.MinNotional = getEnvAsFloat("MIN_NOTIONAL", 10.0)
	if cfg.MinNotional < 0 {
		errs = append(errs, "MIN_NOTIONAL cannot be negative")
	}
	cfg.BreakEvenOffsetPct = getEnvAsFloat("BREAK_EVEN_OFFSET_PCT", 0.001)
	if cfg.BreakEvenOffsetPct < 0 || cfg.BreakEvenOffsetPct >= 1 {
		errs = append(errs, "BREAK_EVEN_OFFSET_PCT must be between 0.0 and 1.0")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// --- Env helpers ---

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
