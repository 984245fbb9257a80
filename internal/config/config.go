// Package config defines the engine configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then overridden by POLYARB_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Builder    BuilderConfig    `toml:"builder"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Engine     EngineConfig     `toml:"engine"`
	Fee        FeeConfig        `toml:"fee"`
	Sizing     SizingConfig     `toml:"sizing"`
	Risk       RiskConfig       `toml:"risk"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the signing key and the wallet that holds positions.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// ProxyAddress is the funder wallet. Empty means the signer's own address.
	ProxyAddress string `toml:"proxy_address"`
}

// PolymarketConfig holds the CLOB endpoint and chain parameters.
type PolymarketConfig struct {
	ClobHost        string   `toml:"clob_host"`
	ChainID         int64    `toml:"chain_id"`
	ExchangeAddress string   `toml:"exchange_address"`
	FeeRateBps      int      `toml:"fee_rate_bps"`
	Timeout         duration `toml:"timeout"`
	ApiKey          string   `toml:"api_key"`
	ApiSecret       string   `toml:"api_secret"`
	ApiPassphrase   string   `toml:"api_passphrase"`
}

// BuilderConfig holds the Builder relayer credentials used for settlement.
type BuilderConfig struct {
	RelayerURL        string `toml:"relayer_url"`
	ApiKey            string `toml:"api_key"`
	ApiSecret         string `toml:"api_secret"`
	ApiPassphrase     string `toml:"api_passphrase"`
	CTFAddress        string `toml:"ctf_address"`
	CollateralAddress string `toml:"collateral_address"`
}

// PostgresConfig holds the database connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	RiskStateTTL duration `toml:"risk_state_ttl"`
}

// S3Config holds the archive bucket and retention schedule.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	RetentionDays   int      `toml:"retention_days"`
	ArchiveInterval duration `toml:"archive_interval"`
	KeepRows        bool     `toml:"keep_rows"`
}

// EngineConfig holds the execution parameters.
type EngineConfig struct {
	Threshold         float64  `toml:"threshold"` // minimum profit fraction
	GasCost           float64  `toml:"gas_cost"`
	PollInterval      duration `toml:"poll_interval"`
	LegTimeout        duration `toml:"leg_timeout"`
	CancelTimeout     duration `toml:"cancel_timeout"`
	SlippageTolerance float64  `toml:"slippage_tolerance"`
	LockTTL           duration `toml:"lock_ttl"`
	OrdersPerSecond   int      `toml:"orders_per_second"`
	TelemetryBuffer   int      `toml:"telemetry_buffer"`
}

// FeeConfig holds the fee curve.
type FeeConfig struct {
	PeakRate  float64 `toml:"peak_rate"`
	FloorRate float64 `toml:"floor_rate"`
}

// SizingConfig holds the Kelly sizer limits.
type SizingConfig struct {
	WinProbability float64 `toml:"win_probability"`
	MaxKelly       float64 `toml:"max_kelly"`
	SmallBankroll  float64 `toml:"small_bankroll"`
	SmallMin       float64 `toml:"small_min"`
	SmallMax       float64 `toml:"small_max"`
	LargeMax       float64 `toml:"large_max"`
	MinViable      float64 `toml:"min_viable"`
	RecalcEvery    int     `toml:"recalc_every"`
}

// RiskConfig holds the base thresholds and exposure caps.
type RiskConfig struct {
	StartingBalance       float64 `toml:"starting_balance"`
	HeatLimit             float64 `toml:"heat_limit"`
	DrawdownLimit         float64 `toml:"drawdown_limit"`
	ConsecutiveLossLimit  int     `toml:"consecutive_loss_limit"`
	PerAssetLimit         int     `toml:"per_asset_limit"`
	AdaptEvery            int     `toml:"adapt_every"`
	ConservativeOn        float64 `toml:"conservative_on"`
	ConservativeOff       float64 `toml:"conservative_off"`
	MinConfidence         float64 `toml:"min_confidence"`
	MaxSingleExposure     float64 `toml:"max_single_exposure"`
	MaxCorrelatedExposure float64 `toml:"max_correlated_exposure"`
	DefaultCorrelation    float64 `toml:"default_correlation"`
	DrawdownCooldownHours int     `toml:"drawdown_cooldown_hours"`
	RestoreState          bool    `toml:"restore_state"`

	// Tiers replaces the built-in adaptive threshold table when non-empty.
	Tiers []RiskTier `toml:"tiers"`
}

// RiskTier is one row of the adaptive threshold table: the thresholds in
// force while the win rate is at or above MinWinRate.
type RiskTier struct {
	MinWinRate           float64 `toml:"min_win_rate"`
	HeatLimit            float64 `toml:"heat_limit"`
	DrawdownLimit        float64 `toml:"drawdown_limit"`
	ConsecutiveLossLimit int     `toml:"consecutive_loss_limit"`
	PerAssetLimit        int     `toml:"per_asset_limit"`
}

// ScannerConfig holds the snapshot intake settings.
type ScannerConfig struct {
	Channel         string   `toml:"channel"`
	Workers         int      `toml:"workers"`
	DedupTTL        duration `toml:"dedup_ttl"`
	CleanupInterval duration `toml:"cleanup_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with production defaults. Secrets are empty.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost: "https://clob.polymarket.com",
			ChainID:  137,
			Timeout:  duration{10 * time.Second},
		},
		Builder: BuilderConfig{
			RelayerURL: "https://relayer-v2.polymarket.com",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polyarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "polyarb",
			RiskStateTTL: duration{7 * 24 * time.Hour},
		},
		S3: S3Config{
			Region:          "us-east-1",
			UseSSL:          true,
			RetentionDays:   30,
			ArchiveInterval: duration{24 * time.Hour},
		},
		Engine: EngineConfig{
			Threshold:         0.005,
			GasCost:           0.05,
			PollInterval:      duration{500 * time.Millisecond},
			LegTimeout:        duration{30 * time.Second},
			CancelTimeout:     duration{5 * time.Second},
			SlippageTolerance: 0.001,
			LockTTL:           duration{45 * time.Second},
			OrdersPerSecond:   10,
			TelemetryBuffer:   1024,
		},
		Fee: FeeConfig{
			PeakRate:  0.03,
			FloorRate: 0.001,
		},
		Sizing: SizingConfig{
			WinProbability: 0.995,
			MaxKelly:       0.05,
			SmallBankroll:  100,
			SmallMin:       0.10,
			SmallMax:       1.00,
			LargeMax:       5.00,
			MinViable:      0.10,
			RecalcEvery:    10,
		},
		Risk: RiskConfig{
			StartingBalance:       1000,
			HeatLimit:             0.50,
			DrawdownLimit:         0.15,
			ConsecutiveLossLimit:  5,
			PerAssetLimit:         2,
			AdaptEvery:            5,
			ConservativeOn:        0.20,
			ConservativeOff:       0.50,
			MinConfidence:         80,
			MaxSingleExposure:     0.20,
			MaxCorrelatedExposure: 0.30,
			DefaultCorrelation:    0.5,
			DrawdownCooldownHours: 4,
			RestoreState:          true,
		},
		Scanner: ScannerConfig{
			Channel:         "arb:snapshots",
			Workers:         8,
			DedupTTL:        duration{2 * time.Second},
			CleanupInterval: duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"partial_fill", "breaker_open", "breaker_closed", "conservative_on"},
			Cooldown: duration{time.Minute},
		},
		Metrics:  MetricsConfig{Enabled: true},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"engine": true,
	"server": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Trading reports whether the mode submits orders.
func (c *Config) Trading() bool {
	m := strings.ToLower(c.Mode)
	return m == "engine" || m == "full"
}

// Validate checks Config for invalid or missing values and returns one
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: engine, server, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.Trading() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			add("wallet: either private_key or encrypted_key_path must be set for mode %s", c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			add("wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Polymarket.ClobHost == "" {
			add("polymarket: clob_host must not be empty")
		}
		if c.Polymarket.ChainID <= 0 {
			add("polymarket: chain_id must be positive")
		}
	}
	if a := c.Wallet.ProxyAddress; a != "" && !common.IsHexAddress(a) {
		add("wallet: proxy_address %q is not a hex address", a)
	}
	if !allOrNone(c.Polymarket.ApiKey, c.Polymarket.ApiSecret, c.Polymarket.ApiPassphrase) {
		add("polymarket: api_key, api_secret and api_passphrase must be set together")
	}
	if !allOrNone(c.Builder.ApiKey, c.Builder.ApiSecret, c.Builder.ApiPassphrase) {
		add("builder: api_key, api_secret and api_passphrase must be set together")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when enabled")
		}
		if c.S3.RetentionDays < 1 {
			add("s3: retention_days must be >= 1")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			add("s3: archive_interval must be positive")
		}
	}

	if c.Engine.Threshold < 0 {
		add("engine: threshold must be >= 0")
	}
	if c.Engine.GasCost < 0 {
		add("engine: gas_cost must be >= 0")
	}
	if c.Engine.PollInterval.Duration <= 0 || c.Engine.LegTimeout.Duration <= c.Engine.PollInterval.Duration {
		add("engine: leg_timeout must exceed a positive poll_interval")
	}
	if c.Engine.SlippageTolerance < 0 || c.Engine.SlippageTolerance > 0.001 {
		add("engine: slippage_tolerance must be within [0, 0.001]")
	}
	if c.Engine.LockTTL.Duration <= c.Engine.LegTimeout.Duration+c.Engine.CancelTimeout.Duration {
		add("engine: lock_ttl must exceed leg_timeout + cancel_timeout")
	}

	if c.Fee.FloorRate < 0 || c.Fee.PeakRate < c.Fee.FloorRate || c.Fee.PeakRate >= 1 {
		add("fee: rates must satisfy 0 <= floor_rate <= peak_rate < 1")
	}

	if c.Sizing.WinProbability <= 0 || c.Sizing.WinProbability > 1 {
		add("sizing: win_probability must be in (0, 1]")
	}
	if c.Sizing.MaxKelly <= 0 || c.Sizing.MaxKelly > 1 {
		add("sizing: max_kelly must be in (0, 1]")
	}
	if c.Sizing.SmallMin > c.Sizing.SmallMax || c.Sizing.SmallMax > c.Sizing.LargeMax {
		add("sizing: require small_min <= small_max <= large_max")
	}

	if c.Risk.StartingBalance <= 0 {
		add("risk: starting_balance must be > 0")
	}
	if c.Risk.HeatLimit <= 0 || c.Risk.DrawdownLimit <= 0 || c.Risk.DrawdownLimit >= 1 {
		add("risk: heat_limit must be > 0 and drawdown_limit in (0, 1)")
	}
	if c.Risk.ConsecutiveLossLimit < 1 || c.Risk.PerAssetLimit < 1 {
		add("risk: consecutive_loss_limit and per_asset_limit must be >= 1")
	}
	if c.Risk.ConservativeOn >= c.Risk.ConservativeOff {
		add("risk: conservative_on must be below conservative_off")
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 100 {
		add("risk: min_confidence must be within [0, 100]")
	}
	for i, tier := range c.Risk.Tiers {
		if tier.MinWinRate < 0 || tier.MinWinRate > 1 {
			add("risk: tiers[%d].min_win_rate must be within [0, 1]", i)
		}
		if tier.HeatLimit <= 0 || tier.DrawdownLimit <= 0 || tier.DrawdownLimit >= 1 {
			add("risk: tiers[%d] needs heat_limit > 0 and drawdown_limit in (0, 1)", i)
		}
		if tier.ConsecutiveLossLimit < 1 || tier.PerAssetLimit < 1 {
			add("risk: tiers[%d] limits must be >= 1", i)
		}
	}

	if c.Scanner.Workers < 1 {
		add("scanner: workers must be >= 1")
	}
	if c.Scanner.Channel == "" {
		add("scanner: channel must not be empty")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func allOrNone(vals ...string) bool {
	set := 0
	for _, v := range vals {
		if v != "" {
			set++
		}
	}
	return set == 0 || set == len(vals)
}
