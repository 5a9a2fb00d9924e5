package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polyarb/internal/blob/s3"
	"github.com/alanyoungcy/polyarb/internal/cache/redis"
	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/notify"
	"github.com/alanyoungcy/polyarb/internal/store/postgres"
)

// Dependencies bundles the optional infrastructure the modes run on. Every
// field except Notifier may be nil when its backend is disabled.
type Dependencies struct {
	// Stores
	OpportunityStore domain.OpportunityStore
	ExecutionStore   domain.ExecutionStore
	PositionStore    domain.PositionStore
	AuditStore       domain.AuditStore

	// Caches
	ResultCache domain.ResultCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Pruning needs the concrete stores.
	opportunities *postgres.OpportunityStore
	executions    *postgres.ExecutionStore

	Notifier *notify.Notifier

	// Checks are liveness probes for the connected backends, by name.
	Checks map[string]func(context.Context) error
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

	deps := &Dependencies{Checks: map[string]func(context.Context) error{}}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := NewPostgresClient(ctx, cfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)
		deps.Checks["postgres"] = pgClient.Ping

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.opportunities = postgres.NewOpportunityStore(pool)
		deps.executions = postgres.NewExecutionStore(pool)
		deps.OpportunityStore = deps.opportunities
		deps.ExecutionStore = deps.executions
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := NewRedisClient(ctx, cfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Checks["redis"] = redisClient.Ping

		deps.ResultCache = redis.NewResultCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := NewS3Client(ctx, cfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client).WithCreateOnly()
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		// The archiver needs the stores it reads from.
		if deps.opportunities != nil {
			deps.Archiver = s3blob.NewArchiver(
				deps.BlobWriter,
				deps.opportunities,
				deps.executions,
				deps.AuditStore,
			).WithReader(reader)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if !cfg.Notify.TelegramToken.IsZero() && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if !cfg.Notify.DiscordWebhookURL.IsZero() {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if !deps.Notifier.Enabled() {
		logger.WarnContext(ctx, "no notification senders configured, operator alerts go to the log only")
	}

	logger.InfoContext(ctx, "dependencies wired",
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}

// NewPostgresClient connects to the configured database.
func NewPostgresClient(ctx context.Context, cfg *config.Config) (*postgres.Client, error) {
	return postgres.New(ctx, postgres.ClientConfig{
		DSN:      reveal(cfg.Postgres.DSN),
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: reveal(cfg.Postgres.Password),
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
}

// NewRedisClient connects to the configured redis.
func NewRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	return redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   reveal(cfg.Redis.Password),
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
}

// NewS3Client connects to the configured object store.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3blob.Client, error) {
	return s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
}

// reveal copies a secret into a string for client libraries that only take
// strings.
func reveal(s crypto.Secret) string {
	var out string
	_ = s.Use(func(b []byte) error {
		out = string(b)
		return nil
	})
	return out
}
