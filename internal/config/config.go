// Package config defines the process configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by WICKHUNTER_* environment variables.
type Config struct {
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	Store     string          `toml:"store"`
	Wallet    WalletConfig    `toml:"wallet"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Engine    EngineConfig    `toml:"engine"`
	Liquidity LiquidityConfig `toml:"liquidity"`
	Signer    SignerConfig    `toml:"signer"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
}

// WalletConfig holds the trading key. Either PrivateKey or
// EncryptedKeyPath (plus KeyPassword) is required when orders are signed.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	// Address is the account queried for balances. It defaults to the
	// key's address.
	Address string `toml:"address"`
}

// ExchangeConfig holds exchange endpoints.
type ExchangeConfig struct {
	RestURL     string   `toml:"rest_url"`
	WSURL       string   `toml:"ws_url"`
	QuoteAsset  string   `toml:"quote_asset"`
	Testnet     bool     `toml:"testnet"`
	HTTPTimeout duration `toml:"http_timeout"`
	// InfoRateLimit caps /info requests per second across processes when
	// Redis is enabled. Zero disables the limit.
	InfoRateLimit int `toml:"info_rate_limit"`
}

// EngineConfig holds the parameters of one Wick Hunter engine.
type EngineConfig struct {
	ConfigID                    string   `toml:"config_id"`
	Symbol                      string   `toml:"symbol"`
	WindowSize                  int      `toml:"window_size"`
	ZScoreThreshold             float64  `toml:"z_score_threshold"`
	MinZScoreExit               float64  `toml:"min_z_score_exit"`
	StopLossPercent             float64  `toml:"stop_loss_percent"`
	TakeProfitPercent           float64  `toml:"take_profit_percent"`
	SoftTimeout                 duration `toml:"soft_timeout"`
	MaxDCAEntries               int      `toml:"max_dca_entries"`
	DCAZScoreMultiplier         float64  `toml:"dca_z_score_multiplier"`
	MinDCAPriceDeviationPercent float64  `toml:"min_dca_price_deviation_percent"`
	MinMADThreshold             float64  `toml:"min_mad_threshold"`
	TradeSizeUSD                float64  `toml:"trade_size_usd"`
	HeatmapBinSize              float64  `toml:"heatmap_bin_size"`
	HeatmapDecayRate            float64  `toml:"heatmap_decay_rate"`
	HeatmapLevels               int      `toml:"heatmap_levels"`
	TelemetryInterval           duration `toml:"telemetry_interval"`
	ReconcileInterval           duration `toml:"reconcile_interval"`
	// LiveTrading submits IOC orders before recording fills. When false the
	// ledger records paper fills at the tick price.
	LiveTrading bool `toml:"live_trading"`
	// FillSlippage bounds live IOC limit prices around the decision price.
	FillSlippage float64 `toml:"fill_slippage"`
	// Perp trades the perpetual market instead of spot.
	Perp bool `toml:"perp"`
}

// LiquidityConfig holds the execution coordinator parameters.
type LiquidityConfig struct {
	Enabled         bool     `toml:"enabled"`
	PollInterval    duration `toml:"poll_interval"`
	BalanceInterval duration `toml:"balance_interval"`
	Slippage        float64  `toml:"slippage"`
	BatchSize       int      `toml:"batch_size"`
	LockTTL         duration `toml:"lock_ttl"`
}

// SignerConfig holds the signing actor parameters.
type SignerConfig struct {
	Timeout     duration `toml:"timeout"`
	MailboxSize int      `toml:"mailbox_size"`
	MaxRestarts int      `toml:"max_restarts"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters and the archive
// schedule.
type S3Config struct {
	Enabled          bool     `toml:"enabled"`
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	Prefix           string   `toml:"prefix"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	ForcePathStyle   bool     `toml:"force_path_style"`
	ArchiveInterval  duration `toml:"archive_interval"`
	ArchiveRetention duration `toml:"archive_retention"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is the per-client request budget per RateWindow. It needs
	// Redis; zero disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "engine",
		LogLevel: "info",
		Store:    "memory",
		Exchange: ExchangeConfig{
			RestURL:     "https://api.hyperliquid.xyz",
			WSURL:       "wss://api.hyperliquid.xyz/ws",
			QuoteAsset:  "USDC",
			HTTPTimeout: duration{10 * time.Second},
		},
		Engine: EngineConfig{
			ConfigID:                    "default",
			Symbol:                      "ETH",
			WindowSize:                  100,
			ZScoreThreshold:             2.5,
			MinZScoreExit:               0,
			StopLossPercent:             3,
			TakeProfitPercent:           1.5,
			SoftTimeout:                 duration{5 * time.Minute},
			MaxDCAEntries:               2,
			DCAZScoreMultiplier:         1.5,
			MinDCAPriceDeviationPercent: 1,
			MinMADThreshold:             0,
			TradeSizeUSD:                100,
			HeatmapBinSize:              1,
			HeatmapDecayRate:            0.01,
			HeatmapLevels:               20,
			TelemetryInterval:           duration{200 * time.Millisecond},
			ReconcileInterval:           duration{time.Second},
			FillSlippage:                0.01,
		},
		Liquidity: LiquidityConfig{
			PollInterval:    duration{2 * time.Second},
			BalanceInterval: duration{30 * time.Second},
			Slippage:        0.01,
			BatchSize:       10,
			LockTTL:         duration{2 * time.Minute},
		},
		Signer: SignerConfig{
			Timeout:     duration{5 * time.Second},
			MailboxSize: 64,
			MaxRestarts: 3,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "wickhunter",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:         "http://localhost:9000",
			Region:           "us-east-1",
			Bucket:           "wickhunter-archive",
			ForcePathStyle:   true,
			ArchiveInterval:  duration{time.Hour},
			ArchiveRetention: duration{7 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"round_closed", "rollback", "manual_intervention", "signer_stopped"},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":    true,
	"liquidity": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStores = map[string]bool{
	"memory":   true,
	"postgres": true,
}

// RunsEngine reports whether the mode starts a Wick Hunter engine.
func (c *Config) RunsEngine() bool {
	m := strings.ToLower(c.Mode)
	return m == "engine" || m == "full"
}

// RunsLiquidity reports whether the mode starts the execution coordinator.
func (c *Config) RunsLiquidity() bool {
	m := strings.ToLower(c.Mode)
	return m == "liquidity" || (m == "full" && c.Liquidity.Enabled)
}

// NeedsSigner reports whether any running component submits orders.
func (c *Config) NeedsSigner() bool {
	return (c.RunsEngine() && c.Engine.LiveTrading) || c.RunsLiquidity()
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, liquidity, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validStores[strings.ToLower(c.Store)] {
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: memory, postgres)", c.Store))
	}

	if c.NeedsSigner() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	if c.Exchange.RestURL == "" {
		errs = append(errs, "exchange: rest_url must not be empty")
	}
	if c.Exchange.WSURL == "" && c.RunsEngine() {
		errs = append(errs, "exchange: ws_url must not be empty")
	}

	if c.RunsEngine() {
		e := c.Engine
		if e.ConfigID == "" {
			errs = append(errs, "engine: config_id must not be empty")
		}
		if e.Symbol == "" {
			errs = append(errs, "engine: symbol must not be empty")
		}
		if e.WindowSize <= 0 {
			errs = append(errs, "engine: window_size must be positive")
		}
		if e.ZScoreThreshold <= 0 {
			errs = append(errs, "engine: z_score_threshold must be positive")
		}
		if e.StopLossPercent <= 0 {
			errs = append(errs, "engine: stop_loss_percent must be positive")
		}
		if e.TakeProfitPercent <= 0 {
			errs = append(errs, "engine: take_profit_percent must be positive")
		}
		if e.MaxDCAEntries < 0 {
			errs = append(errs, "engine: max_dca_entries must not be negative")
		}
		if e.TradeSizeUSD <= 0 {
			errs = append(errs, "engine: trade_size_usd must be positive")
		}
		if e.HeatmapBinSize <= 0 {
			errs = append(errs, "engine: heatmap_bin_size must be positive")
		}
		if e.HeatmapDecayRate < 0 {
			errs = append(errs, "engine: heatmap_decay_rate must not be negative")
		}
		if e.TelemetryInterval.Duration <= 0 {
			errs = append(errs, "engine: telemetry_interval must be positive")
		}
		if e.ReconcileInterval.Duration <= 0 {
			errs = append(errs, "engine: reconcile_interval must be positive")
		}
	}

	if c.RunsLiquidity() {
		if c.Liquidity.Slippage <= 0 || c.Liquidity.Slippage >= 1 {
			errs = append(errs, "liquidity: slippage must be in (0, 1)")
		}
		if c.Liquidity.PollInterval.Duration <= 0 {
			errs = append(errs, "liquidity: poll_interval must be positive")
		}
	}

	if c.Signer.Timeout.Duration <= 0 {
		errs = append(errs, "signer: timeout must be positive")
	}

	if strings.EqualFold(c.Store, "postgres") && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: dsn or host must be set when store is postgres")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.ArchiveRetention.Duration <= 0 {
			errs = append(errs, "s3: archive_retention must be positive")
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port %d is out of range", c.Server.Port))
	}
	if c.Server.RateLimit > 0 && !c.Redis.Enabled {
		errs = append(errs, "server: rate_limit requires redis.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
