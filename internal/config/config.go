// Package config loads dustsweep configuration.
//
// Configuration is read from one YAML file named by the --config flag or the
// DUSTSWEEP_CONFIG environment variable, layered over Default(). Connection
// strings and credentials may be overridden from the environment so they never
// have to live in the file:
//
//	POSTGRES_DSN, CLICKHOUSE_DSN, KAFKA_BROKERS,
//	DUSTSWEEP_NODE_URLS, DUSTSWEEP_SWAP_API_KEY,
//	DUSTSWEEP_BUNDLER_URL, DUSTSWEEP_PAYMASTER_URL, DUSTSWEEP_HTTP_ADDR
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "DUSTSWEEP_CONFIG"

// Config is the root configuration.
type Config struct {
	Environment   string              `yaml:"environment"`
	Log           LogConfig           `yaml:"log"`
	HTTP          HTTPConfig          `yaml:"http"`
	Chain         ChainConfig         `yaml:"chain"`
	Retry         RetryConfig         `yaml:"retry"`
	Risk          RiskConfig          `yaml:"risk"`
	Swap          SwapConfig          `yaml:"swap"`
	Bundler       BundlerConfig       `yaml:"bundler"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Storage       StorageConfig       `yaml:"storage"`
	Reward        RewardConfig        `yaml:"reward"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NodeProvider is one blockchain RPC endpoint.
type NodeProvider struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// ChainConfig configures the target chain and its node providers.
type ChainConfig struct {
	ChainID    int64          `yaml:"chain_id"`
	Providers  []NodeProvider `yaml:"providers"` // in priority order
	EntryPoint string         `yaml:"entry_point"`
	// Attempts per provider before failing over.
	Attempts       int           `yaml:"attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// RetryConfig is the shared retry policy for provider reads.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// RiskConfig configures the risk assessor and its providers.
type RiskConfig struct {
	SecurityURL     string        `yaml:"security_url"`
	HoneypotURL     string        `yaml:"honeypot_url"`
	LiquidityURL    string        `yaml:"liquidity_url"`
	ChainSlug       string        `yaml:"chain_slug"` // liquidity provider chain id, e.g. "ethereum"
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	Concurrency     int           `yaml:"concurrency"`
	RatePerSecond   float64       `yaml:"rate_per_second"`
	Allowlist       []string      `yaml:"allowlist"`
	AllowUnassessed bool          `yaml:"allow_unassessed"`
}

// SwapConfig configures the swap aggregator.
type SwapConfig struct {
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	MaxSlippage   float64 `yaml:"max_slippage"` // percent
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// BundlerConfig configures the bundler and paymaster JSON-RPC endpoints.
type BundlerConfig struct {
	URL            string        `yaml:"url"`
	PaymasterURL   string        `yaml:"paymaster_url"` // defaults to URL
	PolicyID       string        `yaml:"policy_id"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// ConsolidationConfig configures fees and thresholds.
type ConsolidationConfig struct {
	FeeBps           int64   `yaml:"fee_bps"`
	Treasury         string  `yaml:"treasury"`
	DustThresholdUSD string  `yaml:"dust_threshold_usd"`
	DefaultSlippage  float64 `yaml:"default_slippage"`
}

// StorageConfig selects and configures persistence.
type StorageConfig struct {
	// Driver is memory or postgres.
	Driver        string `yaml:"driver"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"` // optional risk log
}

// RewardConfig selects the reward ledger.
type RewardConfig struct {
	// Driver is memory or kafka.
	Driver  string   `yaml:"driver"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MetricsConfig configures Prometheus.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Log:         LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Chain: ChainConfig{
			ChainID:        1,
			EntryPoint:     "0x0000000071727De22E5E9d8BAf0edAc6f37da032",
			Attempts:       3,
			BaseDelay:      500 * time.Millisecond,
			AttemptTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      500 * time.Millisecond,
			Multiplier:     2,
			MaxDelay:       8 * time.Second,
			AttemptTimeout: 10 * time.Second,
		},
		Risk: RiskConfig{
			SecurityURL:   "https://api.gopluslabs.io",
			HoneypotURL:   "https://api.honeypot.is",
			LiquidityURL:  "https://api.dexscreener.com",
			ChainSlug:     "ethereum",
			CacheTTL:      180 * time.Second,
			Concurrency:   5,
			RatePerSecond: 5,
		},
		Swap: SwapConfig{
			BaseURL:       "https://api.1inch.dev",
			MaxSlippage:   2,
			RatePerSecond: 1,
		},
		Bundler: BundlerConfig{
			ReceiptTimeout: 45 * time.Second,
			PollInterval:   2 * time.Second,
		},
		Consolidation: ConsolidationConfig{
			FeeBps:           80,
			DustThresholdUSD: "10",
			DefaultSlippage:  1,
		},
		Storage: StorageConfig{Driver: "memory"},
		Reward:  RewardConfig{Driver: "memory", Topic: "dustsweep.rewards"},
		Metrics: MetricsConfig{Namespace: "dustsweep"},
	}
}

// Load reads the file named by path, or by DUSTSWEEP_CONFIG when path is
// empty. With neither set, defaults plus environment overrides are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("POSTGRES_DSN", &c.Storage.PostgresDSN)
	set("CLICKHOUSE_DSN", &c.Storage.ClickHouseDSN)
	set("DUSTSWEEP_SWAP_API_KEY", &c.Swap.APIKey)
	set("DUSTSWEEP_BUNDLER_URL", &c.Bundler.URL)
	set("DUSTSWEEP_PAYMASTER_URL", &c.Bundler.PaymasterURL)
	set("DUSTSWEEP_HTTP_ADDR", &c.HTTP.Addr)

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Reward.Brokers = splitList(v)
	}
	// DUSTSWEEP_NODE_URLS replaces the provider list: name=url pairs or bare urls.
	if v, ok := lookup("DUSTSWEEP_NODE_URLS"); ok && v != "" {
		c.Chain.Providers = nil
		for i, item := range splitList(v) {
			name, url, found := strings.Cut(item, "=")
			if !found {
				name, url = fmt.Sprintf("node-%d", i+1), item
			}
			c.Chain.Providers = append(c.Chain.Providers, NodeProvider{Name: name, URL: url})
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch {
	case c.Swap.MaxSlippage <= 0:
		return errors.New("swap.max_slippage must be positive")
	case c.Consolidation.FeeBps < 0 || c.Consolidation.FeeBps >= 10_000:
		return errors.Newf("consolidation.fee_bps %d out of range [0, 10000)", c.Consolidation.FeeBps)
	case c.Risk.Concurrency <= 0:
		return errors.New("risk.concurrency must be positive")
	case c.Storage.Driver != "memory" && c.Storage.Driver != "postgres":
		return errors.Newf("storage.driver %q must be memory or postgres", c.Storage.Driver)
	case c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "":
		return errors.New("storage.postgres_dsn is required for the postgres driver")
	case c.Reward.Driver != "memory" && c.Reward.Driver != "kafka":
		return errors.Newf("reward.driver %q must be memory or kafka", c.Reward.Driver)
	case c.Reward.Driver == "kafka" && len(c.Reward.Brokers) == 0:
		return errors.New("reward.brokers is required for the kafka driver")
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE lines from path into the process environment
// without overriding variables that are already set. A missing file is ignored.
func LoadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
