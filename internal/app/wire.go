// Package app assembles the process: dependency wiring, mode selection, and
// lifecycle of the long-running components.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/rcmckee/tradewire/internal/blob/s3"
	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/broker/alpaca"
	"github.com/rcmckee/tradewire/internal/broker/ib"
	"github.com/rcmckee/tradewire/internal/broker/paper"
	rediscache "github.com/rcmckee/tradewire/internal/cache/redis"
	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/config"
	wirecrypto "github.com/rcmckee/tradewire/internal/crypto"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/hub"
	"github.com/rcmckee/tradewire/internal/idempotency"
	"github.com/rcmckee/tradewire/internal/lifecycle"
	"github.com/rcmckee/tradewire/internal/marketdata"
	"github.com/rcmckee/tradewire/internal/notify"
	"github.com/rcmckee/tradewire/internal/scanner"
	"github.com/rcmckee/tradewire/internal/sched"
	"github.com/rcmckee/tradewire/internal/store/memory"
	"github.com/rcmckee/tradewire/internal/store/postgres"
	"github.com/rcmckee/tradewire/internal/webhook"
)

// Dependencies bundles every component the application modes operate on. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Clock clock.Clock
	IDs   *clock.IDMinter

	Lifecycle *lifecycle.Manager
	Registry  *broker.Registry
	Intake    *webhook.Intake
	Hub       *hub.Hub

	IdemStore domain.IdempotencyStore
	DedupSet  domain.DedupSet
	Limiter   domain.RateLimiter
	Audit     domain.AuditStore
	Bus       domain.SignalBus

	ScanEngine   *scanner.Engine
	ScanStreamer *scanner.Streamer
	Provider     *marketdata.StaticProvider

	Notifier  *notify.Notifier
	Archiver  *s3blob.Archiver
	Scheduler *sched.Scheduler

	DefaultBroker broker.Kind
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function to call on
// shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	sysClock := clock.System{}
	ids := clock.NewIDMinter(sysClock)

	deps := &Dependencies{
		Clock:         sysClock,
		IDs:           ids,
		DefaultBroker: broker.Kind(cfg.Brokers.Default),
	}

	// --- PostgreSQL (optional write-through persistence) ---
	var (
		orderStore domain.OrderStore
		fillStore  domain.FillStore
		eventStore domain.EventStore
	)
	if cfg.Postgres.Enabled {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		orderStore = postgres.NewOrderStore(pool)
		fillStore = postgres.NewFillStore(pool)
		eventStore = postgres.NewEventStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
	} else {
		mem := memory.New()
		orderStore = mem
		fillStore = mem.Fills()
		eventStore = mem.Events()
		deps.Audit = mem.Audit()
	}

	// --- Redis (optional shared caches) ---
	var scanCache domain.ScanResultCache
	if cfg.Redis.Enabled {
		redisClient, err := rediscache.New(ctx, rediscache.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.IdemStore = rediscache.NewIdempotencyStore(redisClient)
		deps.DedupSet = rediscache.NewDedupSet(redisClient)
		deps.Limiter = rediscache.NewRateLimiter(redisClient)
		scanCache = rediscache.NewResultCache(redisClient)
		deps.Bus = rediscache.NewSignalBus(redisClient)
	} else {
		deps.IdemStore = idempotency.NewMemoryStore(sysClock, logger)
		deps.DedupSet = idempotency.NewMemoryDedup(sysClock)
		scanCache = scanner.NewMemoryResultCache(sysClock)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, sysClock, logger)

	// --- Order plane ---
	deps.Lifecycle = lifecycle.NewManager(sysClock, ids, logger)
	if orderStore != nil {
		deps.Lifecycle.WithStores(orderStore, fillStore, eventStore)
	}

	deps.Hub = hub.New(hubOptions(cfg.Hub), sysClock, logger)

	deps.Registry = broker.NewRegistry()
	deps.Intake = webhook.NewIntake(deps.Registry, deps.Lifecycle, deps.DedupSet, logger)

	if cfg.Brokers.Paper.Enabled {
		sim := paperSim(cfg.Brokers.Paper)
		sink := func(evt broker.WebhookEvent) {
			deps.Intake.Apply(context.Background(), broker.KindPaper, []broker.WebhookEvent{evt})
		}
		deps.Registry.Register(paper.New(broker.Config{
			WebhookSecret:      cfg.Brokers.Paper.WebhookSecret,
			CommissionPerShare: mustDec(cfg.Brokers.Paper.CommissionPerShare),
			MinCommission:      mustDec(cfg.Brokers.Paper.MinCommission),
		}, sim, sysClock, ids, logger, sink))
	}

	if cfg.Brokers.Alpaca.Enabled {
		creds, err := wirecrypto.LoadCredentials(wirecrypto.CredentialConfig{
			APIKey:        cfg.Brokers.Alpaca.APIKey,
			APISecret:     cfg.Brokers.Alpaca.APISecret,
			WebhookSecret: cfg.Brokers.Alpaca.WebhookSecret,
			EncryptedPath: cfg.Brokers.Alpaca.EncryptedCredsPath,
			Password:      cfg.Brokers.Alpaca.CredsPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: alpaca credentials: %w", err)
		}
		deps.Registry.Register(alpaca.New(brokerConfig(cfg.Brokers.Alpaca, creds), sysClock, logger))
	}

	if cfg.Brokers.IB.Enabled {
		deps.Registry.Register(ib.New(broker.Config{
			PaperTrading: cfg.Brokers.IB.PaperTrading,
		}, ib.GatewayConfig{
			Host:     cfg.Brokers.IB.Host,
			Port:     cfg.Brokers.IB.Port,
			ClientID: cfg.Brokers.IB.ClientID,
		}, sysClock, logger))
	}

	// --- Scanner plane ---
	deps.Provider = marketdata.NewStaticProvider(sysClock)
	deps.ScanEngine = scanner.NewEngine(scanCache, sysClock, logger)
	deps.ScanEngine.SetCacheTTL(cfg.Scanner.CacheTTL.Duration)
	deps.ScanEngine.RegisterProvider(domain.AssetStock, deps.Provider)
	deps.ScanStreamer = scanner.NewStreamer(deps.ScanEngine, func(scannerID string, delta scanner.Delta) {
		deps.Hub.PublishScanner(scannerID, hub.TypeScannerResult, delta)
	}, logger)

	// --- Archiver (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		retention := time.Duration(cfg.S3.RetentionDays) * 24 * time.Hour
		deps.Archiver = s3blob.NewArchiver(s3Client, deps.Lifecycle, fillStore, eventStore, retention, sysClock, logger)
	}

	// --- Background jobs ---
	deps.Scheduler = sched.New(logger)
	if cfg.Jobs.SweeperSpec != "" {
		if err := deps.Scheduler.AddSweeper(cfg.Jobs.SweeperSpec, deps.IdemStore, deps.DedupSet); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
	}
	if deps.Archiver != nil && cfg.Jobs.ArchiverSpec != "" {
		if err := deps.Scheduler.AddArchiver(cfg.Jobs.ArchiverSpec, deps.Archiver); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
	}

	return deps, cleanup, nil
}

func hubOptions(cfg config.HubConfig) hub.Options {
	opts := hub.DefaultOptions()
	if cfg.QueueCapacity > 0 {
		opts.QueueCapacity = cfg.QueueCapacity
	}
	if cfg.MaxMessagesPerSec > 0 {
		opts.MaxMessagesPerSec = cfg.MaxMessagesPerSec
	}
	opts.MinSubjectSpacing = cfg.MinSubjectSpacing.Duration
	if cfg.OverflowPolicy != "" {
		opts.Overflow = hub.OverflowPolicy(cfg.OverflowPolicy)
	}
	return opts
}

func paperSim(cfg config.PaperConfig) paper.SimConfig {
	sim := paper.DefaultSimConfig()
	if cfg.InitialCash != "" {
		sim.InitialCash = mustDec(cfg.InitialCash)
	}
	if cfg.FillLatency.Duration > 0 {
		sim.FillLatency = cfg.FillLatency.Duration
	}
	sim.SlippageBps = cfg.SlippageBps
	sim.PartialFillProb = cfg.PartialFillProb
	sim.RejectionProb = cfg.RejectionProb
	sim.SimulateCommissions = cfg.SimulateCommissions
	sim.MarketHoursOnly = cfg.MarketHoursOnly
	return sim
}

func brokerConfig(cfg config.VenueConfig, creds wirecrypto.Credentials) broker.Config {
	out := broker.Config{
		APIKey:             creds.APIKey,
		APISecret:          creds.APISecret,
		WebhookSecret:      creds.WebhookSecret,
		BaseURL:            cfg.BaseURL,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		AllowedSymbols:     cfg.AllowedSymbols,
		PaperTrading:       cfg.PaperTrading,
	}
	if out.WebhookSecret == "" {
		out.WebhookSecret = cfg.WebhookSecret
	}
	if cfg.MaxOrderAmount != "" {
		d := mustDec(cfg.MaxOrderAmount)
		out.MaxOrderAmount = &d
	}
	return out
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
