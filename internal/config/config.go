// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogJSON  bool

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	EscrowContract string
	ChainTokens    []string // token types settled through the escrow contract
	Keyring        string   // "account:privkeyhex,..." for the static key provider

	// Escrow settings
	EscrowTimelock time.Duration
	TradeExpiry    time.Duration
	FeePremium     int64         // gas price premium in percent of suggested (175 = 1.75x)
	ConfirmWait    time.Duration // per-transaction receipt wait

	// Reconciliation settings
	RefundAttempts int
	RetryDelay     time.Duration
	SweepInterval  time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; traces disabled when empty

	// Security
	AdminSecret string // Admin API secret
}

// Base Sepolia defaults
const (
	DefaultRPCURL   = "https://sepolia.base.org"
	DefaultChainID  = 84532 // Base Sepolia
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	// DefaultFeePremium pays 1.75x the suggested gas price.
	DefaultFeePremium = 175
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogJSON:        getEnv("LOG_FORMAT", "text") == "json",
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:         getEnv("RPC_URL", DefaultRPCURL),
		ChainID:        getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract: os.Getenv("ESCROW_CONTRACT"),
		ChainTokens:    splitList(os.Getenv("CHAIN_TOKENS")),
		Keyring:        os.Getenv("KEYRING"),
		EscrowTimelock: getEnvDuration("ESCROW_TIMELOCK", 30*time.Minute),
		TradeExpiry:    getEnvDuration("TRADE_EXPIRY", 2*time.Hour),
		FeePremium:     getEnvInt64("FEE_PREMIUM", DefaultFeePremium),
		ConfirmWait:    getEnvDuration("CONFIRM_WAIT", time.Minute),
		RefundAttempts: int(getEnvInt64("REFUND_ATTEMPTS", 3)),
		RetryDelay:     getEnvDuration("RETRY_DELAY", 5*time.Second),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.ChainTokens) > 0 {
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required when CHAIN_TOKENS is set")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when CHAIN_TOKENS is set")
		}
		if c.Keyring == "" {
			return fmt.Errorf("KEYRING is required when CHAIN_TOKENS is set")
		}
	}

	if c.RefundAttempts < 1 {
		return fmt.Errorf("REFUND_ATTEMPTS must be at least 1")
	}

	// Below 100 the bridge would bid under the suggested gas price and
	// transactions would sit unconfirmed.
	if c.FeePremium < 100 {
		return fmt.Errorf("FEE_PREMIUM must be at least 100 (percent of suggested gas price)")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
