package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{
			name:   "invalid mode",
			mutate: func(c *Config) { c.Mode = "arbitrage" },
			want:   []string{`unknown mode "arbitrage"`},
		},
		{
			name:   "zero window",
			mutate: func(c *Config) { c.Engine.WindowSize = 0 },
			want:   []string{"window_size must be positive"},
		},
		{
			name:   "non-positive stop loss",
			mutate: func(c *Config) { c.Engine.StopLossPercent = 0 },
			want:   []string{"stop_loss_percent must be positive"},
		},
		{
			name: "several at once",
			mutate: func(c *Config) {
				c.Engine.WindowSize = -1
				c.Engine.StopLossPercent = -2
				c.LogLevel = "trace"
			},
			want: []string{"window_size", "stop_loss_percent", `unknown log_level "trace"`},
		},
		{
			name: "live trading needs a key",
			mutate: func(c *Config) {
				c.Engine.LiveTrading = true
			},
			want: []string{"wallet: either private_key or encrypted_key_path"},
		},
		{
			name: "encrypted key needs password",
			mutate: func(c *Config) {
				c.Mode = "liquidity"
				c.Wallet.EncryptedKeyPath = "/keys/trader.json"
			},
			want: []string{"key_password is required"},
		},
		{
			name:   "rate limit without redis",
			mutate: func(c *Config) { c.Server.RateLimit = 10 },
			want:   []string{"rate_limit requires redis.enabled"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Fatalf("expected error to mention %q, got %v", w, err)
				}
			}
		})
	}
}

func TestLiquidityModeSkipsEngineChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "liquidity"
	cfg.Wallet.PrivateKey = "0xabc"
	cfg.Engine.WindowSize = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected engine section ignored in liquidity mode, got %v", err)
	}
	if cfg.RunsEngine() || !cfg.RunsLiquidity() {
		t.Fatalf("expected liquidity-only mode")
	}
}

func TestLoadEnvOverridesWinOverTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "full"

[engine]
symbol = "BTC"
window_size = 50
soft_timeout = "2m"

[server]
port = 9000
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("WICKHUNTER_ENGINE_WINDOW_SIZE", "200")
	t.Setenv("WICKHUNTER_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "full" || cfg.Engine.Symbol != "BTC" {
		t.Fatalf("expected TOML values, got mode=%s symbol=%s", cfg.Mode, cfg.Engine.Symbol)
	}
	if cfg.Engine.WindowSize != 200 {
		t.Fatalf("expected env override 200, got %d", cfg.Engine.WindowSize)
	}
	if cfg.Engine.SoftTimeout.Duration != 2*time.Minute {
		t.Fatalf("expected soft_timeout 2m, got %s", cfg.Engine.SoftTimeout.Duration)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.Server.CORSOrigins)
	}
	// Untouched sections keep their defaults.
	if cfg.Engine.TelemetryInterval.Duration != 200*time.Millisecond {
		t.Fatalf("expected default telemetry interval, got %s", cfg.Engine.TelemetryInterval.Duration)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[engine]\nsoft_timeout = \"soon\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected decode error for bad duration")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Postgres.Password = "pw"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tg"

	out := RedactedConfig(&cfg)
	for name, v := range map[string]string{
		"private_key": out.Wallet.PrivateKey,
		"password":    out.Postgres.Password,
		"api_key":     out.Server.APIKey,
		"telegram":    out.Notify.TelegramToken,
	} {
		if v != redacted {
			t.Fatalf("expected %s redacted, got %q", name, v)
		}
	}
	if out.Wallet.KeyPassword != "" {
		t.Fatalf("expected empty secrets to stay empty")
	}
	if cfg.Wallet.PrivateKey != "0xdeadbeef" {
		t.Fatalf("expected original untouched")
	}

	out.Server.CORSOrigins[0] = "mutated"
	if cfg.Server.CORSOrigins[0] == "mutated" {
		t.Fatalf("expected slices to be copied")
	}
}
