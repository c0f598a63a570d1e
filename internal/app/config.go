package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Payment modes.
const (
	ModeWallet     = "wallet"
	ModeClawCredit = "clawcredit"
)

// Base mainnet USDC.
const defaultAsset = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

// Config is the typed view of the environment the boot wrapper exports.
type Config struct {
	Port     int
	LogLevel string

	PaymentMode string

	// Wallet mode.
	WalletKeyHex string // BLOCKRUN_WALLET_KEY; empty means load-or-generate
	WalletPath   string // key file; empty means ~/.blockrun/wallet.key
	RPCURL       string
	ChainID      int64
	Asset        string

	// ClawCredit mode.
	ClawCreditToken   string
	ClawCreditBaseURL string
	ClawCreditChain   string
	ClawCreditAsset   string

	// Upstream marketplace.
	APIBaseURL string

	// Tunables.
	SessionPinTTL   time.Duration
	DedupTTL        time.Duration
	BalanceInterval time.Duration

	// Tracing (opt-in).
	OTelEnabled  bool
	OTelEndpoint string
}

// LoadConfig reads the BLOCKRUN_*/CLAWCREDIT_* environment and validates it.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:     getEnvInt("BLOCKRUN_PROXY_PORT", 8402),
		LogLevel: getEnv("BLOCKRUN_LOG_LEVEL", "info"),

		PaymentMode: strings.ToLower(getEnv("BLOCKRUN_PAYMENT_MODE", ModeWallet)),

		WalletKeyHex: os.Getenv("BLOCKRUN_WALLET_KEY"),
		WalletPath:   os.Getenv("BLOCKRUN_WALLET_PATH"),
		RPCURL:       getEnv("BLOCKRUN_RPC_URL", "https://mainnet.base.org"),
		ChainID:      int64(getEnvInt("BLOCKRUN_CHAIN_ID", 8453)),
		Asset:        getEnv("BLOCKRUN_PAYMENT_ASSET", defaultAsset),

		ClawCreditToken:   os.Getenv("CLAWCREDIT_API_TOKEN"),
		ClawCreditBaseURL: getEnv("CLAWCREDIT_BASE_URL", "https://api.claw.credit"),
		ClawCreditChain:   strings.ToUpper(getEnv("CLAWCREDIT_PAYMENT_CHAIN", "BASE")),
		ClawCreditAsset:   getEnv("CLAWCREDIT_PAYMENT_ASSET", defaultAsset),

		APIBaseURL: getEnv("BLOCKRUN_API_URL", "https://api.blockrun.xyz"),

		SessionPinTTL:   getEnvDuration("BLOCKRUN_SESSION_PIN_TTL", 10*time.Minute),
		DedupTTL:        getEnvDuration("BLOCKRUN_DEDUP_TTL", 30*time.Second),
		BalanceInterval: getEnvDuration("BLOCKRUN_BALANCE_INTERVAL", 60*time.Second),

		OTelEnabled:  getEnvBool("CLAWROUTER_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("CLAWROUTER_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("BLOCKRUN_PROXY_PORT must be 1-65535, got %d", c.Port)
	}
	switch c.PaymentMode {
	case ModeWallet, ModeClawCredit:
	default:
		return fmt.Errorf("BLOCKRUN_PAYMENT_MODE must be %q or %q, got %q", ModeWallet, ModeClawCredit, c.PaymentMode)
	}
	if c.PaymentMode == ModeClawCredit && c.ClawCreditToken == "" {
		return fmt.Errorf("CLAWCREDIT_API_TOKEN is required when BLOCKRUN_PAYMENT_MODE=%s", ModeClawCredit)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("BLOCKRUN_API_URL must not be empty")
	}
	if c.SessionPinTTL <= 0 {
		return fmt.Errorf("BLOCKRUN_SESSION_PIN_TTL must be > 0, got %s", c.SessionPinTTL)
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("BLOCKRUN_DEDUP_TTL must be > 0, got %s", c.DedupTTL)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}
