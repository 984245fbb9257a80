package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "POLYARB_"

// Load reads the TOML file at path over the built-in defaults, then applies
// POLYARB_* environment overrides. An empty path skips the file. The result
// is not validated; callers should invoke Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// A missing .env file is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, envPrefix+"WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, envPrefix+"WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, envPrefix+"WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.ProxyAddress, envPrefix+"WALLET_PROXY_ADDRESS")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, envPrefix+"POLYMARKET_CLOB_HOST")
	setInt64(&cfg.Polymarket.ChainID, envPrefix+"POLYMARKET_CHAIN_ID")
	setStr(&cfg.Polymarket.ExchangeAddress, envPrefix+"POLYMARKET_EXCHANGE_ADDRESS")
	setInt(&cfg.Polymarket.FeeRateBps, envPrefix+"POLYMARKET_FEE_RATE_BPS")
	setDuration(&cfg.Polymarket.Timeout, envPrefix+"POLYMARKET_TIMEOUT")
	setStr(&cfg.Polymarket.ApiKey, envPrefix+"POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, envPrefix+"POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, envPrefix+"POLYMARKET_API_PASSPHRASE")

	// ── Builder ──
	setStr(&cfg.Builder.RelayerURL, envPrefix+"BUILDER_RELAYER_URL")
	setStr(&cfg.Builder.ApiKey, envPrefix+"BUILDER_API_KEY")
	setStr(&cfg.Builder.ApiSecret, envPrefix+"BUILDER_API_SECRET")
	setStr(&cfg.Builder.ApiPassphrase, envPrefix+"BUILDER_API_PASSPHRASE")
	setStr(&cfg.Builder.CTFAddress, envPrefix+"BUILDER_CTF_ADDRESS")
	setStr(&cfg.Builder.CollateralAddress, envPrefix+"BUILDER_COLLATERAL_ADDRESS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, envPrefix+"POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, envPrefix+"POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, envPrefix+"POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, envPrefix+"POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, envPrefix+"POSTGRES_USER")
	setStr(&cfg.Postgres.Password, envPrefix+"POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, envPrefix+"POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, envPrefix+"POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, envPrefix+"POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, envPrefix+"POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, envPrefix+"REDIS_ADDR")
	setStr(&cfg.Redis.Password, envPrefix+"REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, envPrefix+"REDIS_DB")
	setInt(&cfg.Redis.PoolSize, envPrefix+"REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, envPrefix+"REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, envPrefix+"REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, envPrefix+"REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.RiskStateTTL, envPrefix+"REDIS_RISK_STATE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, envPrefix+"S3_ENABLED")
	setStr(&cfg.S3.Endpoint, envPrefix+"S3_ENDPOINT")
	setStr(&cfg.S3.Region, envPrefix+"S3_REGION")
	setStr(&cfg.S3.Bucket, envPrefix+"S3_BUCKET")
	setStr(&cfg.S3.AccessKey, envPrefix+"S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, envPrefix+"S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, envPrefix+"S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, envPrefix+"S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, envPrefix+"S3_RETENTION_DAYS")
	setDuration(&cfg.S3.ArchiveInterval, envPrefix+"S3_ARCHIVE_INTERVAL")
	setBool(&cfg.S3.KeepRows, envPrefix+"S3_KEEP_ROWS")

	// ── Engine ──
	setFloat64(&cfg.Engine.Threshold, envPrefix+"ENGINE_THRESHOLD")
	setFloat64(&cfg.Engine.GasCost, envPrefix+"ENGINE_GAS_COST")
	setDuration(&cfg.Engine.PollInterval, envPrefix+"ENGINE_POLL_INTERVAL")
	setDuration(&cfg.Engine.LegTimeout, envPrefix+"ENGINE_LEG_TIMEOUT")
	setDuration(&cfg.Engine.CancelTimeout, envPrefix+"ENGINE_CANCEL_TIMEOUT")
	setFloat64(&cfg.Engine.SlippageTolerance, envPrefix+"ENGINE_SLIPPAGE_TOLERANCE")
	setDuration(&cfg.Engine.LockTTL, envPrefix+"ENGINE_LOCK_TTL")
	setInt(&cfg.Engine.OrdersPerSecond, envPrefix+"ENGINE_ORDERS_PER_SECOND")
	setInt(&cfg.Engine.TelemetryBuffer, envPrefix+"ENGINE_TELEMETRY_BUFFER")

	// ── Fee ──
	setFloat64(&cfg.Fee.PeakRate, envPrefix+"FEE_PEAK_RATE")
	setFloat64(&cfg.Fee.FloorRate, envPrefix+"FEE_FLOOR_RATE")

	// ── Sizing ──
	setFloat64(&cfg.Sizing.WinProbability, envPrefix+"SIZING_WIN_PROBABILITY")
	setFloat64(&cfg.Sizing.MaxKelly, envPrefix+"SIZING_MAX_KELLY")
	setFloat64(&cfg.Sizing.SmallBankroll, envPrefix+"SIZING_SMALL_BANKROLL")
	setFloat64(&cfg.Sizing.SmallMin, envPrefix+"SIZING_SMALL_MIN")
	setFloat64(&cfg.Sizing.SmallMax, envPrefix+"SIZING_SMALL_MAX")
	setFloat64(&cfg.Sizing.LargeMax, envPrefix+"SIZING_LARGE_MAX")
	setFloat64(&cfg.Sizing.MinViable, envPrefix+"SIZING_MIN_VIABLE")
	setInt(&cfg.Sizing.RecalcEvery, envPrefix+"SIZING_RECALC_EVERY")

	// ── Risk ──
	setFloat64(&cfg.Risk.StartingBalance, envPrefix+"RISK_STARTING_BALANCE")
	setFloat64(&cfg.Risk.HeatLimit, envPrefix+"RISK_HEAT_LIMIT")
	setFloat64(&cfg.Risk.DrawdownLimit, envPrefix+"RISK_DRAWDOWN_LIMIT")
	setInt(&cfg.Risk.ConsecutiveLossLimit, envPrefix+"RISK_CONSECUTIVE_LOSS_LIMIT")
	setInt(&cfg.Risk.PerAssetLimit, envPrefix+"RISK_PER_ASSET_LIMIT")
	setInt(&cfg.Risk.AdaptEvery, envPrefix+"RISK_ADAPT_EVERY")
	setFloat64(&cfg.Risk.ConservativeOn, envPrefix+"RISK_CONSERVATIVE_ON")
	setFloat64(&cfg.Risk.ConservativeOff, envPrefix+"RISK_CONSERVATIVE_OFF")
	setFloat64(&cfg.Risk.MinConfidence, envPrefix+"RISK_MIN_CONFIDENCE")
	setFloat64(&cfg.Risk.MaxSingleExposure, envPrefix+"RISK_MAX_SINGLE_EXPOSURE")
	setFloat64(&cfg.Risk.MaxCorrelatedExposure, envPrefix+"RISK_MAX_CORRELATED_EXPOSURE")
	setFloat64(&cfg.Risk.DefaultCorrelation, envPrefix+"RISK_DEFAULT_CORRELATION")
	setInt(&cfg.Risk.DrawdownCooldownHours, envPrefix+"RISK_DRAWDOWN_COOLDOWN_HOURS")
	setBool(&cfg.Risk.RestoreState, envPrefix+"RISK_RESTORE_STATE")

	// ── Scanner ──
	setStr(&cfg.Scanner.Channel, envPrefix+"SCANNER_CHANNEL")
	setInt(&cfg.Scanner.Workers, envPrefix+"SCANNER_WORKERS")
	setDuration(&cfg.Scanner.DedupTTL, envPrefix+"SCANNER_DEDUP_TTL")
	setDuration(&cfg.Scanner.CleanupInterval, envPrefix+"SCANNER_CLEANUP_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, envPrefix+"SERVER_ENABLED")
	setInt(&cfg.Server.Port, envPrefix+"SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setStringSlice(&cfg.Server.CORSOrigins, envPrefix+"SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, envPrefix+"SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, envPrefix+"SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, envPrefix+"SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, envPrefix+"NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, envPrefix+"NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, envPrefix+"NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, envPrefix+"NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, envPrefix+"NOTIFY_COOLDOWN")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, envPrefix+"METRICS_ENABLED")

	// ── General ──
	setStr(&cfg.Mode, envPrefix+"MODE")
	setStr(&cfg.LogLevel, envPrefix+"LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
