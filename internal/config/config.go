// Package config loads the operator configuration from YAML, an optional .env
// file and OPERATOR_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/beacon_operator/internal/executor"
	"github.com/R3E-Network/beacon_operator/internal/prioritizer"
	"github.com/R3E-Network/beacon_operator/internal/roundclock"
)

// DefaultNetwork is the BN254 drand network signing on G1.
const DefaultNetwork = "evmnet"

// =============================================================================
// Configuration Types
// =============================================================================

// NetworkConfig describes one beacon network.
type NetworkConfig struct {
	URL         string `yaml:"url"`
	GenesisTime int64  `yaml:"genesis_time"`
	Period      int64  `yaml:"period"`
	ChainHash   string `yaml:"chain_hash"`
}

// BeaconConfig tunes the beacon client.
type BeaconConfig struct {
	LatestTTL         time.Duration `yaml:"latest_ttl" env:"OPERATOR_BEACON_LATEST_TTL"`
	RoundCacheSize    int           `yaml:"round_cache_size" env:"OPERATOR_BEACON_ROUND_CACHE_SIZE"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"OPERATOR_BEACON_RPS"`
	Burst             int           `yaml:"burst" env:"OPERATOR_BEACON_BURST"`
	HTTPTimeout       time.Duration `yaml:"http_timeout" env:"OPERATOR_BEACON_HTTP_TIMEOUT"`
	RedisURL          string        `yaml:"redis_url" env:"OPERATOR_REDIS_URL"`
	ActiveStaleness   int64         `yaml:"active_staleness" env:"OPERATOR_BEACON_ACTIVE_STALENESS"`
	DelayedStaleness  int64         `yaml:"delayed_staleness" env:"OPERATOR_BEACON_DELAYED_STALENESS"`
	VerifyOnStart     bool          `yaml:"verify_on_start" env:"OPERATOR_BEACON_VERIFY_ON_START"`
}

// PrioritizerConfig holds the queue tuning. Fee thresholds are wei per gas as
// decimal strings.
type PrioritizerConfig struct {
	HighFeeThreshold string        `yaml:"high_fee_threshold" env:"OPERATOR_HIGH_FEE_THRESHOLD"`
	LowFeeThreshold  string        `yaml:"low_fee_threshold" env:"OPERATOR_LOW_FEE_THRESHOLD"`
	UrgentWindow     time.Duration `yaml:"urgent_window"`
	RelaxedWindow    time.Duration `yaml:"relaxed_window"`
	ETABase          time.Duration `yaml:"eta_base"`
	HighSlope        time.Duration `yaml:"high_slope"`
	MediumSlope      time.Duration `yaml:"medium_slope"`
	LowSlope         time.Duration `yaml:"low_slope"`
}

// RetryConfig mirrors executor.RetryConfig in YAML form.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" env:"OPERATOR_RETRY_MAX_ATTEMPTS"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ExecutorConfig controls fulfillment attempts.
type ExecutorConfig struct {
	Confirmations    uint64        `yaml:"confirmations" env:"OPERATOR_CONFIRMATIONS"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout" env:"OPERATOR_CONFIRM_TIMEOUT"`
	MaxConcurrent    int           `yaml:"max_concurrent" env:"OPERATOR_MAX_CONCURRENT"`
	DispatchInterval time.Duration `yaml:"dispatch_interval" env:"OPERATOR_DISPATCH_INTERVAL"`
	Retry            RetryConfig   `yaml:"retry"`
}

// LedgerConfig controls polling and eviction.
type LedgerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" env:"OPERATOR_POLL_INTERVAL"`
	OverlayTTL    time.Duration `yaml:"overlay_ttl"`
	EvictSchedule string        `yaml:"evict_schedule" env:"OPERATOR_EVICT_SCHEDULE"`
	Retention     time.Duration `yaml:"retention" env:"OPERATOR_RETENTION"`
}

// ChainConfig points at the randomness oracle contract.
type ChainConfig struct {
	RPCURL              string        `yaml:"rpc_url" env:"OPERATOR_RPC_URL"`
	OracleAddress       string        `yaml:"oracle_address" env:"OPERATOR_ORACLE_ADDRESS"`
	ChainID             int64         `yaml:"chain_id" env:"OPERATOR_CHAIN_ID"`
	PrivateKey          string        `yaml:"-" env:"OPERATOR_PRIVATE_KEY"`
	GasLimitBuffer      uint64        `yaml:"gas_limit_buffer"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	StartBlock          uint64        `yaml:"start_block" env:"OPERATOR_START_BLOCK"`
	EventPollInterval   time.Duration `yaml:"event_poll_interval" env:"OPERATOR_EVENT_POLL_INTERVAL"`
	LogRange            uint64        `yaml:"log_range"`
}

// HTTPConfig configures the status API.
type HTTPConfig struct {
	ListenAddr        string  `yaml:"listen_addr" env:"OPERATOR_LISTEN_ADDR"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"OPERATOR_HTTP_RPS"`
	Burst             int     `yaml:"burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"OPERATOR_LOG_LEVEL"`
	Format string `yaml:"format" env:"OPERATOR_LOG_FORMAT"`
}

// Config is the complete operator configuration.
type Config struct {
	Network     string                   `yaml:"network" env:"OPERATOR_NETWORK"`
	Networks    map[string]NetworkConfig `yaml:"networks"`
	Beacon      BeaconConfig             `yaml:"beacon"`
	Prioritizer PrioritizerConfig        `yaml:"prioritizer"`
	Executor    ExecutorConfig           `yaml:"executor"`
	Ledger      LedgerConfig             `yaml:"ledger"`
	Chain       ChainConfig              `yaml:"chain"`
	HTTP        HTTPConfig               `yaml:"http"`
	Log         LogConfig                `yaml:"log"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns a configuration with every option set.
func Default() *Config {
	return &Config{
		Network: DefaultNetwork,
		Networks: map[string]NetworkConfig{
			DefaultNetwork: {
				URL:         "https://api.drand.sh/04f1e9062b8a81f848fded9c12306733282b2727ecced50032187751166ec8c3",
				GenesisTime: 1727521075,
				Period:      3,
				ChainHash:   "04f1e9062b8a81f848fded9c12306733282b2727ecced50032187751166ec8c3",
			},
		},
		Beacon: BeaconConfig{
			RoundCacheSize:    4096,
			RequestsPerSecond: 10,
			Burst:             5,
			HTTPTimeout:       10 * time.Second,
			ActiveStaleness:   1,
			DelayedStaleness:  3,
			VerifyOnStart:     true,
		},
		Prioritizer: PrioritizerConfig{
			HighFeeThreshold: "50000000000",
			LowFeeThreshold:  "5000000000",
			UrgentWindow:     300 * time.Second,
			RelaxedWindow:    3600 * time.Second,
			ETABase:          30 * time.Second,
			HighSlope:        15 * time.Second,
			MediumSlope:      45 * time.Second,
			LowSlope:         120 * time.Second,
		},
		Executor: ExecutorConfig{
			Confirmations:    2,
			ConfirmTimeout:   3 * time.Minute,
			MaxConcurrent:    4,
			DispatchInterval: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       5,
				InitialBackoff:    2 * time.Second,
				MaxBackoff:        time.Minute,
				BackoffMultiplier: 2,
			},
		},
		Ledger: LedgerConfig{
			PollInterval:  15 * time.Second,
			OverlayTTL:    10 * time.Minute,
			EvictSchedule: "@every 10m",
			Retention:     time.Hour,
		},
		Chain: ChainConfig{
			ChainID:             1,
			GasLimitBuffer:      50_000,
			ReceiptPollInterval: 2 * time.Second,
			EventPollInterval:   5 * time.Second,
			LogRange:            2000,
		},
		HTTP: HTTPConfig{ListenAddr: ":8090", RequestsPerSecond: 20, Burst: 40},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty) over the defaults, loads envFile (if present)
// into the environment and applies OPERATOR_* overrides.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields tagged with env from the process environment.
func (c *Config) ApplyEnv() error {
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	return nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if _, ok := c.Networks[c.Network]; !ok {
		return fmt.Errorf("config: unknown beacon network %q", c.Network)
	}
	for name, nc := range c.Networks {
		if nc.URL == "" {
			return fmt.Errorf("config: network %s: url is required", name)
		}
		if _, err := roundclock.New(nc.GenesisTime, nc.Period); err != nil {
			return fmt.Errorf("config: network %s: %w", name, err)
		}
	}

	if err := c.StalenessThresholds().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.PrioritizerSettings(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Executor.Confirmations < 1 {
		return errors.New("config: confirmations must be at least 1")
	}
	if c.Executor.ConfirmTimeout <= 0 || c.Executor.DispatchInterval <= 0 {
		return errors.New("config: confirm_timeout and dispatch_interval must be positive")
	}
	if c.Executor.MaxConcurrent < 1 {
		return errors.New("config: max_concurrent must be at least 1")
	}
	if c.Executor.Retry.MaxAttempts < 1 {
		return errors.New("config: retry.max_attempts must be at least 1")
	}
	if c.Ledger.PollInterval <= 0 {
		return errors.New("config: poll_interval must be positive")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return errors.New("config: http.requests_per_second must not be negative")
	}
	if c.Ledger.Retention < 0 {
		return errors.New("config: retention must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// =============================================================================
// Component Settings
// =============================================================================

// Selected returns the configuration of the active beacon network.
func (c *Config) Selected() NetworkConfig {
	return c.Networks[c.Network]
}

// RoundClock returns the clock of the active network.
func (c *Config) RoundClock() (roundclock.Clock, error) {
	n := c.Selected()
	return roundclock.New(n.GenesisTime, n.Period)
}

// StalenessThresholds returns the beacon health tier bounds.
func (c *Config) StalenessThresholds() roundclock.Thresholds {
	return roundclock.Thresholds{Active: c.Beacon.ActiveStaleness, Delayed: c.Beacon.DelayedStaleness}
}

// PrioritizerSettings converts and validates the queue tuning.
func (c *Config) PrioritizerSettings() (prioritizer.Config, error) {
	high, err := parseWei("high_fee_threshold", c.Prioritizer.HighFeeThreshold)
	if err != nil {
		return prioritizer.Config{}, err
	}
	low, err := parseWei("low_fee_threshold", c.Prioritizer.LowFeeThreshold)
	if err != nil {
		return prioritizer.Config{}, err
	}
	pc := prioritizer.Config{
		HighFeeThreshold: high,
		LowFeeThreshold:  low,
		UrgentWindow:     c.Prioritizer.UrgentWindow,
		RelaxedWindow:    c.Prioritizer.RelaxedWindow,
		ETABase:          c.Prioritizer.ETABase,
		HighSlope:        c.Prioritizer.HighSlope,
		MediumSlope:      c.Prioritizer.MediumSlope,
		LowSlope:         c.Prioritizer.LowSlope,
	}
	if err := pc.Validate(); err != nil {
		return prioritizer.Config{}, err
	}
	return pc, nil
}

// RetrySettings converts the retry policy.
func (c *Config) RetrySettings() executor.RetryConfig {
	r := executor.DefaultRetryConfig()
	r.MaxAttempts = c.Executor.Retry.MaxAttempts
	if c.Executor.Retry.InitialBackoff > 0 {
		r.InitialBackoff = c.Executor.Retry.InitialBackoff
	}
	if c.Executor.Retry.MaxBackoff > 0 {
		r.MaxBackoff = c.Executor.Retry.MaxBackoff
	}
	if c.Executor.Retry.BackoffMultiplier >= 1 {
		r.BackoffMultiplier = c.Executor.Retry.BackoffMultiplier
	}
	return r
}

func parseWei(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", name, s)
	}
	return v, nil
}
