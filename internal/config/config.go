// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Ledger modes.
const (
	LedgerAlgod     = "algod"
	LedgerSimulated = "simulated"
)

// Coordinator transports used by agents and gateways.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds the coordinator configuration.
type Config struct {
	Port        string
	GRPCPort    string
	CORSOrigins []string
	DB          DBConfig
	RedisURL    string
	Session     SessionConfig
	Ledger      LedgerConfig
	RateLimit   RateLimitConfig

	MinPaymentAmount         uint64
	PlatformFeeBPS           uint64
	VerifyLedgerConfirmation bool
	VerifyWebsiteOwnership   bool
}

// DBConfig selects and locates the session store.
type DBConfig struct {
	Driver string
	Path   string
	URL    string
}

// SessionConfig controls session lifetimes and the sweep worker.
type SessionConfig struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
}

// LedgerConfig locates the ledger node.
type LedgerConfig struct {
	Mode          string
	AlgodAddress  string
	AlgodToken    string
	EscrowAddress string
}

// RateLimitConfig is a per-key token bucket.
type RateLimitConfig struct {
	RPS   int
	Burst int
}

// Load reads coordinator configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		DB: DBConfig{
			Driver: getEnv("DB_DRIVER", DriverSQLite),
			Path:   getEnv("DB_PATH", "./data/agentweb.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		RedisURL: getEnv("REDIS_URL", ""),
		Session: SessionConfig{
			DefaultTTL:    getEnvDuration("SESSION_DEFAULT_TTL", 15*time.Minute),
			MaxTTL:        getEnvDuration("SESSION_MAX_TTL", 24*time.Hour),
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
			Retention:     getEnvDuration("SESSION_RETENTION", 30*24*time.Hour),
		},
		Ledger:                   loadLedger(),
		RateLimit:                loadRateLimit(),
		MinPaymentAmount:         getEnvUint("MIN_PAYMENT_AMOUNT", 1000),
		PlatformFeeBPS:           getEnvUint("PLATFORM_FEE_BPS", 100),
		VerifyLedgerConfirmation: getEnvBool("VERIFY_LEDGER_CONFIRMATION", false),
		VerifyWebsiteOwnership:   getEnvBool("VERIFY_WEBSITE_OWNERSHIP", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.DB.Driver {
	case DriverSQLite:
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case DriverPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DB.Driver)
	}
	if c.Session.DefaultTTL <= 0 {
		return fmt.Errorf("SESSION_DEFAULT_TTL must be > 0")
	}
	if c.Session.MaxTTL < c.Session.DefaultTTL {
		return fmt.Errorf("SESSION_MAX_TTL must be >= SESSION_DEFAULT_TTL")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.MinPaymentAmount == 0 {
		return fmt.Errorf("MIN_PAYMENT_AMOUNT must be > 0")
	}
	if c.PlatformFeeBPS > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be <= 10000")
	}
	if err := c.Ledger.validate(); err != nil {
		return err
	}
	return c.RateLimit.validate()
}

// AgentConfig holds the configuration of the agent CLI.
type AgentConfig struct {
	CoordinatorURL      string
	CoordinatorGRPCAddr string
	Transport           string
	Mnemonic            string
	ConfirmTimeout      time.Duration
	PollInterval        time.Duration
	PollMaxInterval     time.Duration
	RequestTimeout      time.Duration
	Ledger              LedgerConfig
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		CoordinatorURL:      getEnv("COORDINATOR_URL", "http://localhost:8080"),
		CoordinatorGRPCAddr: getEnv("COORDINATOR_GRPC_ADDR", "localhost:9090"),
		Transport:           getEnv("COORDINATOR_TRANSPORT", TransportHTTP),
		Mnemonic:            getEnv("AGENT_MNEMONIC", ""),
		ConfirmTimeout:      getEnvDuration("CONFIRM_TIMEOUT", 10*time.Second),
		PollInterval:        getEnvDuration("CONFIRM_POLL_INTERVAL", time.Second),
		PollMaxInterval:     getEnvDuration("CONFIRM_POLL_MAX_INTERVAL", 4*time.Second),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		Ledger:              loadLedger(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	switch c.Transport {
	case TransportHTTP:
		if c.CoordinatorURL == "" {
			return fmt.Errorf("COORDINATOR_URL cannot be empty")
		}
	case TransportGRPC:
		if c.CoordinatorGRPCAddr == "" {
			return fmt.Errorf("COORDINATOR_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("unknown COORDINATOR_TRANSPORT %q", c.Transport)
	}
	if c.Mnemonic == "" && c.Ledger.Mode == LedgerAlgod {
		return fmt.Errorf("AGENT_MNEMONIC is required with the algod ledger")
	}
	if c.ConfirmTimeout <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT and CONFIRM_POLL_INTERVAL must be > 0")
	}
	if c.PollMaxInterval < c.PollInterval {
		c.PollMaxInterval = c.PollInterval
	}
	return c.Ledger.validate()
}

// WebsiteConfig holds the configuration of a serving party running the
// gateway.
type WebsiteConfig struct {
	Port                string
	CoordinatorURL      string
	CoordinatorGRPCAddr string
	Transport           string
	Domain              string
	OwnerAddress        string
	VerificationToken   string
	SupportedQueryTypes string
	BasePaymentAmount   uint64
	PaymentRequired     bool
	RequireSignature    bool
	RateLimit           RateLimitConfig
}

// LoadWebsite reads gateway configuration from environment variables.
func LoadWebsite() (*WebsiteConfig, error) {
	cfg := &WebsiteConfig{
		Port:                getEnv("PORT", "8081"),
		CoordinatorURL:      getEnv("COORDINATOR_URL", "http://localhost:8080"),
		CoordinatorGRPCAddr: getEnv("COORDINATOR_GRPC_ADDR", "localhost:9090"),
		Transport:           getEnv("COORDINATOR_TRANSPORT", TransportHTTP),
		Domain:              getEnv("WEBSITE_DOMAIN", ""),
		OwnerAddress:        getEnv("WEBSITE_OWNER_ADDRESS", ""),
		VerificationToken:   getEnv("WEBSITE_VERIFICATION_TOKEN", ""),
		SupportedQueryTypes: getEnv("SUPPORTED_QUERY_TYPES", "extract_content,search,data_query"),
		BasePaymentAmount:   getEnvUint("BASE_PAYMENT_AMOUNT", 1000),
		PaymentRequired:     getEnvBool("PAYMENT_REQUIRED", true),
		RequireSignature:    getEnvBool("REQUIRE_AGENT_SIGNATURE", true),
		RateLimit:           loadRateLimit(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid website configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the website configuration.
func (c *WebsiteConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.OwnerAddress == "" {
		return fmt.Errorf("WEBSITE_OWNER_ADDRESS cannot be empty")
	}
	if c.Transport != TransportHTTP && c.Transport != TransportGRPC {
		return fmt.Errorf("unknown COORDINATOR_TRANSPORT %q", c.Transport)
	}
	return c.RateLimit.validate()
}

func loadLedger() LedgerConfig {
	return LedgerConfig{
		Mode:          getEnv("LEDGER_MODE", LedgerSimulated),
		AlgodAddress:  getEnv("ALGOD_ADDRESS", "https://testnet-api.algonode.cloud"),
		AlgodToken:    getEnv("ALGOD_TOKEN", ""),
		EscrowAddress: getEnv("ESCROW_ADDRESS", ""),
	}
}

func (l LedgerConfig) validate() error {
	switch l.Mode {
	case LedgerSimulated:
	case LedgerAlgod:
		if l.AlgodAddress == "" {
			return fmt.Errorf("ALGOD_ADDRESS is required with the algod ledger")
		}
	default:
		return fmt.Errorf("unknown LEDGER_MODE %q", l.Mode)
	}
	return nil
}

func loadRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RPS:   getEnvInt("RATE_LIMIT_RPS", 20),
		Burst: getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

func (r RateLimitConfig) validate() error {
	if r.RPS <= 0 || r.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvUint(key string, fallback uint64) uint64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
