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

// Load reads a TOML configuration file at path (skipped when empty), merges
// it on top of the built-in defaults, applies WICKHUNTER_* environment
// variable overrides, and returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known WICKHUNTER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "WICKHUNTER_MODE")
	setStr(&cfg.LogLevel, "WICKHUNTER_LOG_LEVEL")
	setStr(&cfg.Store, "WICKHUNTER_STORE")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "WICKHUNTER_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "WICKHUNTER_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "WICKHUNTER_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.Address, "WICKHUNTER_WALLET_ADDRESS")

	// ── Exchange ──
	setStr(&cfg.Exchange.RestURL, "WICKHUNTER_EXCHANGE_REST_URL")
	setStr(&cfg.Exchange.WSURL, "WICKHUNTER_EXCHANGE_WS_URL")
	setStr(&cfg.Exchange.QuoteAsset, "WICKHUNTER_EXCHANGE_QUOTE_ASSET")
	setBool(&cfg.Exchange.Testnet, "WICKHUNTER_EXCHANGE_TESTNET")
	setDuration(&cfg.Exchange.HTTPTimeout, "WICKHUNTER_EXCHANGE_HTTP_TIMEOUT")
	setInt(&cfg.Exchange.InfoRateLimit, "WICKHUNTER_EXCHANGE_INFO_RATE_LIMIT")

	// ── Engine ──
	setStr(&cfg.Engine.ConfigID, "WICKHUNTER_ENGINE_CONFIG_ID")
	setStr(&cfg.Engine.Symbol, "WICKHUNTER_ENGINE_SYMBOL")
	setInt(&cfg.Engine.WindowSize, "WICKHUNTER_ENGINE_WINDOW_SIZE")
	setFloat64(&cfg.Engine.ZScoreThreshold, "WICKHUNTER_ENGINE_Z_SCORE_THRESHOLD")
	setFloat64(&cfg.Engine.MinZScoreExit, "WICKHUNTER_ENGINE_MIN_Z_SCORE_EXIT")
	setFloat64(&cfg.Engine.StopLossPercent, "WICKHUNTER_ENGINE_STOP_LOSS_PERCENT")
	setFloat64(&cfg.Engine.TakeProfitPercent, "WICKHUNTER_ENGINE_TAKE_PROFIT_PERCENT")
	setDuration(&cfg.Engine.SoftTimeout, "WICKHUNTER_ENGINE_SOFT_TIMEOUT")
	setInt(&cfg.Engine.MaxDCAEntries, "WICKHUNTER_ENGINE_MAX_DCA_ENTRIES")
	setFloat64(&cfg.Engine.DCAZScoreMultiplier, "WICKHUNTER_ENGINE_DCA_Z_SCORE_MULTIPLIER")
	setFloat64(&cfg.Engine.MinDCAPriceDeviationPercent, "WICKHUNTER_ENGINE_MIN_DCA_PRICE_DEVIATION_PERCENT")
	setFloat64(&cfg.Engine.MinMADThreshold, "WICKHUNTER_ENGINE_MIN_MAD_THRESHOLD")
	setFloat64(&cfg.Engine.TradeSizeUSD, "WICKHUNTER_ENGINE_TRADE_SIZE_USD")
	setFloat64(&cfg.Engine.HeatmapBinSize, "WICKHUNTER_ENGINE_HEATMAP_BIN_SIZE")
	setFloat64(&cfg.Engine.HeatmapDecayRate, "WICKHUNTER_ENGINE_HEATMAP_DECAY_RATE")
	setInt(&cfg.Engine.HeatmapLevels, "WICKHUNTER_ENGINE_HEATMAP_LEVELS")
	setDuration(&cfg.Engine.TelemetryInterval, "WICKHUNTER_ENGINE_TELEMETRY_INTERVAL")
	setDuration(&cfg.Engine.ReconcileInterval, "WICKHUNTER_ENGINE_RECONCILE_INTERVAL")
	setBool(&cfg.Engine.LiveTrading, "WICKHUNTER_ENGINE_LIVE_TRADING")
	setFloat64(&cfg.Engine.FillSlippage, "WICKHUNTER_ENGINE_FILL_SLIPPAGE")
	setBool(&cfg.Engine.Perp, "WICKHUNTER_ENGINE_PERP")

	// ── Liquidity ──
	setBool(&cfg.Liquidity.Enabled, "WICKHUNTER_LIQUIDITY_ENABLED")
	setDuration(&cfg.Liquidity.PollInterval, "WICKHUNTER_LIQUIDITY_POLL_INTERVAL")
	setDuration(&cfg.Liquidity.BalanceInterval, "WICKHUNTER_LIQUIDITY_BALANCE_INTERVAL")
	setFloat64(&cfg.Liquidity.Slippage, "WICKHUNTER_LIQUIDITY_SLIPPAGE")
	setInt(&cfg.Liquidity.BatchSize, "WICKHUNTER_LIQUIDITY_BATCH_SIZE")
	setDuration(&cfg.Liquidity.LockTTL, "WICKHUNTER_LIQUIDITY_LOCK_TTL")

	// ── Signer ──
	setDuration(&cfg.Signer.Timeout, "WICKHUNTER_SIGNER_TIMEOUT")
	setInt(&cfg.Signer.MailboxSize, "WICKHUNTER_SIGNER_MAILBOX_SIZE")
	setInt(&cfg.Signer.MaxRestarts, "WICKHUNTER_SIGNER_MAX_RESTARTS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "WICKHUNTER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "WICKHUNTER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "WICKHUNTER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "WICKHUNTER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "WICKHUNTER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "WICKHUNTER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "WICKHUNTER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "WICKHUNTER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "WICKHUNTER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "WICKHUNTER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "WICKHUNTER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "WICKHUNTER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "WICKHUNTER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "WICKHUNTER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "WICKHUNTER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "WICKHUNTER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "WICKHUNTER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "WICKHUNTER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "WICKHUNTER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "WICKHUNTER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "WICKHUNTER_S3_REGION")
	setStr(&cfg.S3.Bucket, "WICKHUNTER_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "WICKHUNTER_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "WICKHUNTER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "WICKHUNTER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "WICKHUNTER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "WICKHUNTER_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "WICKHUNTER_S3_ARCHIVE_INTERVAL")
	setDuration(&cfg.S3.ArchiveRetention, "WICKHUNTER_S3_ARCHIVE_RETENTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "WICKHUNTER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "WICKHUNTER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "WICKHUNTER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "WICKHUNTER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "WICKHUNTER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "WICKHUNTER_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "WICKHUNTER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "WICKHUNTER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "WICKHUNTER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "WICKHUNTER_NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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
