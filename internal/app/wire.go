package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/helixtrade/positiond/internal/allocator"
	s3blob "github.com/helixtrade/positiond/internal/blob/s3"
	"github.com/helixtrade/positiond/internal/cache/redis"
	"github.com/helixtrade/positiond/internal/config"
	"github.com/helixtrade/positiond/internal/domain"
	"github.com/helixtrade/positiond/internal/exchange"
	"github.com/helixtrade/positiond/internal/lifecycle"
	"github.com/helixtrade/positiond/internal/notify"
	"github.com/helixtrade/positiond/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Locks and events
	SlotLocker domain.SlotLocker
	EventBus   domain.EventBus

	// Services
	Allocator *allocator.Allocator
	Lifecycle *lifecycle.Manager
	Exchange  domain.ExchangeReader

	// Outputs
	Notifier *notify.Notifier
	Archiver *s3blob.ReportArchiver
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
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

	// Migrate mode always applies migrations; other modes follow config.
	if cfg.Postgres.RunMigrations || cfg.Mode == "migrate" {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
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

	deps.SlotLocker = redis.NewSlotLock(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- Exchange gateway ---
	deps.Exchange = exchange.NewGatewayClient(cfg.Gateway.BaseURL, cfg.Gateway.APIToken)

	// --- Capital allocation ---
	allocations := make(map[string]domain.Allocation, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		allocations[s.ID] = domain.Allocation{
			CapitalUSD:     s.AllocatedCapital,
			CapitalPercent: s.AllocatedCapitalPercent,
		}
	}
	deps.Allocator = allocator.New(
		deps.PositionStore,
		allocator.NewStaticSource(allocations),
		logger,
	)

	// --- Lifecycle manager ---
	deps.Lifecycle = lifecycle.NewManager(
		deps.PositionStore,
		deps.SlotLocker,
		deps.Allocator,
		deps.AuditStore,
		deps.EventBus,
		cfg.Lifecycle.LockTTL.Duration,
		logger,
	)

	// --- S3 report archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewReportArchiver(s3Client, cfg.Archive.Prefix)
	}

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

	return deps, cleanup, nil
}
