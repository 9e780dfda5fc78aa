// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database (optional; memory stores are used when unset)
	DatabaseURL string

	// Blockchain settings
	RPCURL     string
	ChainID    int64
	PrivateKey string // Hex-encoded, no 0x prefix. Required for the local signer.
	SignerKind string // "local", "remote", or "hardware"
	SignerURL  string // Remote signer endpoint (SignerKind=remote)

	// Gas ceilings
	MaxFeeGwei         float64 // Hard cap on max fee per gas
	MaxPriorityFeeGwei float64 // Hard cap on priority fee per gas
	GasLimitCap        uint64  // Hard cap on buffered gas limit

	// Policy
	WalletTier            string // "autonomous", "approval", or "manual"
	StrictValidation      bool   // Reject transactions to unknown contracts
	WhitelistOverridePath string // Optional YAML file merged over the built-in registry

	// Approval workflow
	ApprovalTimeoutMinutes int // Default expiry for approval requests

	// API hardening
	OperatorAPIKeys []string // Keys accepted on operator endpoints (pause, approvals, blocking)
	AllowedOrigins  []string // CORS allow-list; empty permits any origin
	RateLimitPerMin int      // Sustained per-client request rate
	RateLimitBurst  int      // Burst allowance above the sustained rate

	// Observability
	OTLPEndpoint string
}

// Defaults (Base mainnet)
const (
	DefaultRPCURL          = "https://mainnet.base.org"
	DefaultChainID         = 8453
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultSignerKind      = "local"
	DefaultWalletTier      = "autonomous"
	DefaultMaxFeeGwei      = 50.0
	DefaultMaxPriorityGwei = 5.0
	DefaultGasLimitCap     = 2_000_000
	DefaultApprovalTimeout = 240 // minutes
	DefaultRateLimitPerMin = 60
	DefaultRateLimitBurst  = 10
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RPCURL:                 getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:             os.Getenv("PRIVATE_KEY"),
		SignerKind:             getEnv("SIGNER_KIND", DefaultSignerKind),
		SignerURL:              os.Getenv("SIGNER_URL"),
		MaxFeeGwei:             getEnvFloat("MAX_FEE_GWEI", DefaultMaxFeeGwei),
		MaxPriorityFeeGwei:     getEnvFloat("MAX_PRIORITY_FEE_GWEI", DefaultMaxPriorityGwei),
		GasLimitCap:            uint64(getEnvInt64("GAS_LIMIT_CAP", DefaultGasLimitCap)),
		WalletTier:             getEnv("WALLET_TIER", DefaultWalletTier),
		StrictValidation:       getEnvBool("STRICT_VALIDATION", true),
		WhitelistOverridePath:  os.Getenv("WHITELIST_OVERRIDE_PATH"),
		ApprovalTimeoutMinutes: int(getEnvInt64("APPROVAL_TIMEOUT_MINUTES", DefaultApprovalTimeout)),
		OperatorAPIKeys:        splitList(os.Getenv("OPERATOR_API_KEYS")),
		AllowedOrigins:         splitList(os.Getenv("ALLOWED_ORIGINS")),
		RateLimitPerMin:        int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMin)),
		RateLimitBurst:         int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
// Configuration errors are fatal at startup. A wallet guarding real funds
// must not start with a partially-applied policy.
func (c *Config) Validate() error {
	switch c.SignerKind {
	case "local":
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required for the local signer")
		}
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	case "remote":
		if c.SignerURL == "" {
			return fmt.Errorf("SIGNER_URL is required for the remote signer")
		}
	case "hardware":
		// Read-only tier; no key material needed.
	default:
		return fmt.Errorf("SIGNER_KIND must be local, remote, or hardware (got %q)", c.SignerKind)
	}

	switch c.WalletTier {
	case "autonomous", "approval", "manual":
	default:
		return fmt.Errorf("WALLET_TIER must be autonomous, approval, or manual (got %q)", c.WalletTier)
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.MaxFeeGwei <= 0 {
		return fmt.Errorf("MAX_FEE_GWEI must be positive")
	}
	if c.MaxPriorityFeeGwei <= 0 {
		return fmt.Errorf("MAX_PRIORITY_FEE_GWEI must be positive")
	}
	if c.GasLimitCap < 21000 {
		return fmt.Errorf("GAS_LIMIT_CAP must be at least 21000")
	}
	if c.ApprovalTimeoutMinutes <= 0 {
		return fmt.Errorf("APPROVAL_TIMEOUT_MINUTES must be positive")
	}
	if c.RateLimitPerMin <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	if c.IsProduction() && len(c.OperatorAPIKeys) == 0 {
		return fmt.Errorf("OPERATOR_API_KEYS is required in production")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
