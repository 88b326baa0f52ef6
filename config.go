package offload

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultBaseURL         = "https://api.minimax.io/v1"
	DefaultModel           = "MiniMax-M2"
	DefaultMaxTokens       = 4096
	DefaultGatewayTimeout  = 120 * time.Second
	DefaultConcurrency     = 5
	MaxConcurrency         = 20
	DefaultMaxBatch        = MaxBatchSize
	MaxBatchSize           = 50
	DefaultQuotaLimit      = 1000
	DefaultQuotaWindow     = 5 * time.Hour
	DefaultLockTimeout     = 5 * time.Second
	DefaultServerAddr      = ":8087"
	DefaultShutdownTimeout = 10 * time.Second
	MaxCallerLength        = 128
)

// Config is the top-level configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Pricing  Pricing        `yaml:"pricing"`
	Quota    QuotaConfig    `yaml:"quota"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig configures the remote model endpoint.
type GatewayConfig struct {
	Provider  string        `yaml:"provider"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DispatchConfig configures batch fan-out.
type DispatchConfig struct {
	DefaultConcurrency int `yaml:"default_concurrency"`
	MaxBatch           int `yaml:"max_batch"`
}

// QuotaConfig defines the rolling prompt quota.
type QuotaConfig struct {
	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// LedgerConfig configures the durable usage file.
type LedgerConfig struct {
	Path        string        `yaml:"path"`
	Timezone    string        `yaml:"timezone"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Env   string `yaml:"env"`   // prod, dev
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// DefaultLedgerPath returns the per-user location of the usage file.
func DefaultLedgerPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "offload-usage.json"
	}
	return filepath.Join(dir, "offload", "usage.json")
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
// Keys absent from the file keep their defaults; explicit zeros are kept.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("offload: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("offload: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. Pricing is only defaulted when it is
// entirely unset, currency included.
func (c *Config) ApplyDefaults() {
	if c.Gateway.Provider == "" {
		c.Gateway.Provider = "minimax"
	}
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = DefaultBaseURL
	}
	if c.Gateway.Model == "" {
		c.Gateway.Model = DefaultModel
	}
	if c.Gateway.MaxTokens == 0 {
		c.Gateway.MaxTokens = DefaultMaxTokens
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = DefaultGatewayTimeout
	}
	if c.Dispatch.DefaultConcurrency == 0 {
		c.Dispatch.DefaultConcurrency = DefaultConcurrency
	}
	if c.Dispatch.MaxBatch == 0 {
		c.Dispatch.MaxBatch = DefaultMaxBatch
	}
	if c.Pricing == (Pricing{}) {
		c.Pricing = DefaultPricing
	}
	if c.Pricing.Currency == "" {
		c.Pricing.Currency = "USD"
	}
	if c.Quota.Limit == 0 {
		c.Quota.Limit = DefaultQuotaLimit
	}
	if c.Quota.Window == 0 {
		c.Quota.Window = DefaultQuotaWindow
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = DefaultLedgerPath()
	}
	if c.Ledger.LockTimeout == 0 {
		c.Ledger.LockTimeout = DefaultLockTimeout
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
}

// Validate checks the config for consistency. A missing API key is not a
// validation error; it is reported when the gateway is constructed.
func (c Config) Validate() error {
	if c.Gateway.MaxTokens < 0 {
		return fmt.Errorf("offload: config: gateway.max_tokens must be positive, got %d", c.Gateway.MaxTokens)
	}
	if c.Gateway.Timeout < 0 {
		return fmt.Errorf("offload: config: gateway.timeout must be positive, got %s", c.Gateway.Timeout)
	}
	if c.Dispatch.DefaultConcurrency < 1 || c.Dispatch.DefaultConcurrency > MaxConcurrency {
		return fmt.Errorf("offload: config: dispatch.default_concurrency must be within 1..%d, got %d",
			MaxConcurrency, c.Dispatch.DefaultConcurrency)
	}
	if c.Dispatch.MaxBatch < 1 || c.Dispatch.MaxBatch > MaxBatchSize {
		return fmt.Errorf("offload: config: dispatch.max_batch must be within 1..%d, got %d",
			MaxBatchSize, c.Dispatch.MaxBatch)
	}
	if c.Pricing.InputPerMillion < 0 || c.Pricing.OutputPerMillion < 0 {
		return fmt.Errorf("offload: config: pricing must not be negative")
	}
	if c.Quota.Limit < 0 {
		return fmt.Errorf("offload: config: quota.limit must not be negative, got %d", c.Quota.Limit)
	}
	if c.Quota.Window <= 0 {
		return fmt.Errorf("offload: config: quota.window must be positive, got %s", c.Quota.Window)
	}
	if c.Ledger.Timezone != "" {
		if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
			return fmt.Errorf("offload: config: ledger.timezone: %w", err)
		}
	}
	switch c.Logging.Env {
	case "", "prod", "dev":
	default:
		return fmt.Errorf("offload: config: logging.env must be prod or dev, got %q", c.Logging.Env)
	}
	return nil
}

// Location returns the ledger's calendar location.
func (c LedgerConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
