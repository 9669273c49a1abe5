// Package config handles configuration loading and validation for the PoC miner.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/tos-network/poc-miner/internal/util"
)

// Config holds all configuration for the miner
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Mining    MiningConfig    `mapstructure:"mining"`
	Plots     PlotsConfig     `mapstructure:"plots"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Redis     RedisConfig     `mapstructure:"redis"`
	API       APIConfig       `mapstructure:"api"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// PoolConfig defines the pool and wallet endpoints
type PoolConfig struct {
	URL           string        `mapstructure:"url"`
	MiningInfoURL string        `mapstructure:"mining_info_url"`
	WalletURL     string        `mapstructure:"wallet_url"`
	Passphrase    string        `mapstructure:"passphrase"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// MiningConfig defines round polling and submission behaviour
type MiningConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	// MaxPollFailures consecutive failures are tolerated at warn level.
	// Polling never stops; further failures are logged as errors.
	MaxPollFailures int           `mapstructure:"max_poll_failures"`
	ScanWaitTimeout time.Duration `mapstructure:"scan_wait_timeout"`

	// TargetDeadline is the raw setting, TargetDeadlineSeconds its parsed
	// value (0 means no cap). Validate fills the latter.
	TargetDeadline        string `mapstructure:"target_deadline"`
	TargetDeadlineSeconds uint64 `mapstructure:"-"`

	SubmissionMaxRetry int           `mapstructure:"submission_max_retry"`
	SendMaxRetry       int           `mapstructure:"send_max_retry"`
	ReceiveMaxRetry    int           `mapstructure:"receive_max_retry"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	ReceiveTimeout     time.Duration `mapstructure:"receive_timeout"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MaxSubmitThreads   int           `mapstructure:"max_submit_threads"`

	ConfirmedDeadlinesLog string `mapstructure:"confirmed_deadlines_log"`
	LogNonceFound         bool   `mapstructure:"log_nonce_found"`
	LastWinner            bool   `mapstructure:"last_winner"`
}

// PlotsConfig defines plot locations and scan resources
type PlotsConfig struct {
	Paths            []string `mapstructure:"paths"`
	BufferSizeMB     int      `mapstructure:"buffer_size_mb"`
	ChunkSizeKB      int      `mapstructure:"chunk_size_kb"`
	VerifierThreads  int      `mapstructure:"verifier_threads"`
	QueueSize        int      `mapstructure:"queue_size"`
	MaxScanDirs      int      `mapstructure:"max_scan_dirs"`
	VerifyInline     bool     `mapstructure:"verify_inline"`
	RescanEveryBlock bool     `mapstructure:"rescan_every_block"`

	// HashEngine must match the hash the plots were generated with.
	// Neither blake3 nor sha256 is the Shabal-256 of standard Burst plots:
	// on such plots the computed deadlines differ from the pool's, and every
	// confirmation takes the pool's value instead.
	HashEngine string `mapstructure:"hash_engine"`
}

// AccountsConfig defines account registry behaviour
type AccountsConfig struct {
	Persistent bool          `mapstructure:"persistent"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`

	// RefreshInterval drops every cached name and reward recipient so they
	// are fetched again. 0 disables the refresh.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	HistorySize   int    `mapstructure:"history_size"`
	ConfirmedKeep int    `mapstructure:"confirmed_keep"`
}

// APIConfig defines the local status API
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	StatsCache  time.Duration `mapstructure:"stats_cache"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// NotifyConfig defines webhook notifications
type NotifyConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DiscordURL      string `mapstructure:"discord_url"`
	TelegramBot     string `mapstructure:"telegram_bot"`
	TelegramChat    string `mapstructure:"telegram_chat"`
	MinerName       string `mapstructure:"miner_name"`
	NotifyConfirmed bool   `mapstructure:"notify_confirmed"`
}

// NewRelicConfig defines New Relic APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines pprof server settings
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/poc-miner")
	}

	v.SetEnvPrefix("POC_MINER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Pool
	v.SetDefault("pool.url", "http://127.0.0.1:8124")
	v.SetDefault("pool.timeout", "10s")

	// Mining
	v.SetDefault("mining.poll_interval", "3s")
	v.SetDefault("mining.max_poll_failures", 3)
	v.SetDefault("mining.scan_wait_timeout", "30s")
	v.SetDefault("mining.target_deadline", "")
	v.SetDefault("mining.submission_max_retry", 3)
	v.SetDefault("mining.send_max_retry", 3)
	v.SetDefault("mining.receive_max_retry", 4)
	v.SetDefault("mining.send_timeout", "5s")
	v.SetDefault("mining.receive_timeout", "15s")
	v.SetDefault("mining.retry_delay", "1s")
	v.SetDefault("mining.max_submit_threads", 16)
	v.SetDefault("mining.log_nonce_found", true)
	v.SetDefault("mining.last_winner", true)

	// Plots
	v.SetDefault("plots.buffer_size_mb", 256)
	v.SetDefault("plots.chunk_size_kb", 1024)
	v.SetDefault("plots.verifier_threads", 4)
	v.SetDefault("plots.queue_size", 64)
	v.SetDefault("plots.max_scan_dirs", 0)
	v.SetDefault("plots.hash_engine", "blake3")

	// Accounts
	v.SetDefault("accounts.persistent", true)
	v.SetDefault("accounts.cache_ttl", "24h")
	v.SetDefault("accounts.refresh_interval", "6h")

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.history_size", 30)
	v.SetDefault("redis.confirmed_keep", 1000)

	// API
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "127.0.0.1:8180")
	v.SetDefault("api.stats_cache", "2s")
	v.SetDefault("api.cors_origins", []string{"*"})

	// Notify
	v.SetDefault("notify.miner_name", "poc-miner")

	// New Relic
	v.SetDefault("newrelic.app_name", "poc-miner")

	// Profiling
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors and resolves derived values
func (c *Config) Validate() error {
	if c.Pool.URL == "" {
		return fmt.Errorf("pool.url is required")
	}

	if len(c.Plots.Paths) == 0 {
		return fmt.Errorf("plots.paths must list at least one directory or file")
	}

	if c.Plots.BufferSizeMB <= 0 {
		return fmt.Errorf("plots.buffer_size_mb must be positive")
	}

	if c.Plots.ChunkSizeKB < 0 {
		return fmt.Errorf("plots.chunk_size_kb must not be negative")
	}

	if !c.Plots.VerifyInline && c.Plots.VerifierThreads <= 0 {
		return fmt.Errorf("plots.verifier_threads must be positive")
	}

	switch c.Plots.HashEngine {
	case "", "blake3", "sha256":
	default:
		return fmt.Errorf("plots.hash_engine must be blake3 or sha256, got %q", c.Plots.HashEngine)
	}

	if c.Mining.PollInterval <= 0 {
		return fmt.Errorf("mining.poll_interval must be positive")
	}

	if c.Mining.SubmissionMaxRetry < 1 || c.Mining.SendMaxRetry < 1 || c.Mining.ReceiveMaxRetry < 1 {
		return fmt.Errorf("mining retry budgets must be at least 1")
	}

	if c.Mining.SendTimeout <= 0 || c.Mining.ReceiveTimeout <= 0 {
		return fmt.Errorf("mining.send_timeout and mining.receive_timeout must be positive")
	}

	if c.Mining.MaxSubmitThreads < 0 {
		return fmt.Errorf("mining.max_submit_threads must not be negative")
	}

	target, err := util.ParseDeadline(c.Mining.TargetDeadline)
	if err != nil {
		return fmt.Errorf("mining.target_deadline: %w", err)
	}
	c.Mining.TargetDeadlineSeconds = target

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}

	if c.Notify.Enabled && c.Notify.DiscordURL == "" && (c.Notify.TelegramBot == "" || c.Notify.TelegramChat == "") {
		return fmt.Errorf("notify requires discord_url or telegram_bot with telegram_chat")
	}

	return nil
}

// MiningInfoURL returns the endpoint polled for mining info. It falls back
// to the pool URL when no separate endpoint is configured.
func (c *Config) MiningInfoURL() string {
	if c.Pool.MiningInfoURL != "" {
		return c.Pool.MiningInfoURL
	}
	return c.Pool.URL
}

// BufferBytes returns the scoop buffer budget in bytes
func (c *Config) BufferBytes() int64 {
	return int64(c.Plots.BufferSizeMB) << 20
}

// ChunkBytes returns the preferred scanner read size in bytes
func (c *Config) ChunkBytes() int {
	return c.Plots.ChunkSizeKB << 10
}
