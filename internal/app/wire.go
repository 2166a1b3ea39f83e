package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/wickhunter/internal/blob/s3"
	"github.com/alanyoungcy/wickhunter/internal/cache/redis"
	"github.com/alanyoungcy/wickhunter/internal/config"
	"github.com/alanyoungcy/wickhunter/internal/crypto"
	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/alanyoungcy/wickhunter/internal/notify"
	"github.com/alanyoungcy/wickhunter/internal/platform/hyperliquid"
	"github.com/alanyoungcy/wickhunter/internal/server/handler"
	"github.com/alanyoungcy/wickhunter/internal/store/memory"
	"github.com/alanyoungcy/wickhunter/internal/store/postgres"
)

// Dependencies bundles every collaborator the run modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Rounds       domain.RoundStore
	Control      domain.ControlStore
	SignalLogs   domain.SignalLogStore
	LiquidityOps domain.LiquidityOpStore
	Balances     domain.BalanceStore

	// Redis; all nil when Redis is disabled.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Archiver is nil when S3 is disabled.
	Archiver *s3blob.Archiver

	// Exchange is always set; it is read-only when Signer is nil.
	Exchange *hyperliquid.Client
	Signer   *crypto.SigningActor
	Account  string

	Notifier *notify.Notifier

	// HealthChecks probe every external dependency for /api/health.
	HealthChecks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.Check)}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Durable store ---
	if strings.EqualFold(cfg.Store, "postgres") {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Rounds = postgres.NewRoundStore(pool)
		deps.Control = postgres.NewControlStore(pool)
		deps.SignalLogs = postgres.NewSignalLogStore(pool)
		deps.LiquidityOps = postgres.NewLiquidityOpStore(pool)
		deps.Balances = postgres.NewBalanceStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	} else {
		logger.Warn("using in-memory store; rounds and logs are lost on exit")
		mem := memory.New()
		deps.Rounds = mem.Rounds()
		deps.Control = mem.Control()
		deps.SignalLogs = mem.SignalLogs()
		deps.LiquidityOps = mem.LiquidityOps()
		deps.Balances = mem.Balances()
	}

	// --- Redis ---
	var limiter *redis.RateLimiter
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		limiter = redis.NewRateLimiter(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.RateLimiter = limiter
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		bucket, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.ArchiverConfig{
				Interval:  cfg.S3.ArchiveInterval.Duration,
				Retention: cfg.S3.ArchiveRetention.Duration,
			},
			bucket,
			bucket,
			deps.Rounds,
			deps.SignalLogs,
			logger,
		)
		deps.HealthChecks["s3"] = bucket.Health
	}

	// --- Signing ---
	account := cfg.Wallet.Address
	if cfg.NeedsSigner() {
		key, err := crypto.LoadPrivateKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: load key: %w", err))
		}
		backend := crypto.NewKeySigner(key)
		if account == "" {
			account = backend.Address().Hex()
		}

		notifier := deps.Notifier
		actor := crypto.NewSigningActor(backend, crypto.ActorConfig{
			Timeout:     cfg.Signer.Timeout.Duration,
			MailboxSize: cfg.Signer.MailboxSize,
			MaxRestarts: cfg.Signer.MaxRestarts,
			OnStop: func(err error) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if nerr := notifier.Notify(ctx, notify.EventSignerStopped, "Signer stopped",
					"signing actor exhausted its restart budget: "+err.Error()); nerr != nil {
					logger.Error("signer stop notification failed", slog.String("error", nerr.Error()))
				}
			},
		}, logger)
		closers = append(closers, func() { _ = actor.Close() })
		deps.Signer = actor
	}
	deps.Account = account

	// --- Exchange ---
	var signer hyperliquid.Signer
	if deps.Signer != nil {
		signer = deps.Signer
	}
	deps.Exchange = hyperliquid.NewClient(hyperliquid.ClientConfig{
		BaseURL:     cfg.Exchange.RestURL,
		Account:     account,
		QuoteAsset:  cfg.Exchange.QuoteAsset,
		Testnet:     cfg.Exchange.Testnet,
		HTTPTimeout: cfg.Exchange.HTTPTimeout.Duration,
	}, signer)
	if limiter != nil && cfg.Exchange.InfoRateLimit > 0 {
		deps.Exchange.WithRateLimiter(limiter.WithWaitLimit(cfg.Exchange.InfoRateLimit, time.Second))
	}

	return deps, cleanup, nil
}
