package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/arbitrage"
	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/executor"
	"github.com/alanyoungcy/polyarb/internal/feed"
	"github.com/alanyoungcy/polyarb/internal/notify"
	"github.com/alanyoungcy/polyarb/internal/orderapi"
	"github.com/alanyoungcy/polyarb/internal/pipeline"
	"github.com/alanyoungcy/polyarb/internal/platform/polygon"
	"github.com/alanyoungcy/polyarb/internal/platform/polymarket"
	"github.com/alanyoungcy/polyarb/internal/position"
	"github.com/alanyoungcy/polyarb/internal/server"
	"github.com/alanyoungcy/polyarb/internal/server/handler"
	"github.com/alanyoungcy/polyarb/internal/service"
	"github.com/alanyoungcy/polyarb/internal/signing"
)

const (
	shutdownTimeout  = 10 * time.Second
	readinessTimeout = 30 * time.Second
	cacheSweepEvery  = time.Minute
	positionBuffer   = 256
)

// FullMode runs the signer and the engine in one process. The engine still
// reaches the signer over HTTP on the configured address, so the trust
// boundary is the same as in a split deployment.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode", slog.String("signer_addr", a.cfg.SignerAddr()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.SignerMode(ctx, deps) })
	g.Go(func() error { return a.EngineMode(ctx, deps) })
	return g.Wait()
}

// EngineMode runs market data ingestion, detection, risk and dispatch. It
// never holds the signing key.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	a.logger.InfoContext(ctx, "starting engine", slog.String("signer_url", cfg.Dispatcher.SignerURL))

	catalog, err := arbitrage.LoadCatalog(cfg.Detector.MarketsFile)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if len(catalog.Markets()) == 0 {
		a.logger.WarnContext(ctx, "market catalog is empty, nothing to watch",
			slog.String("path", cfg.Detector.MarketsFile),
		)
	}

	ledger := position.NewLedger()
	if deps.PositionStore != nil {
		positions, err := deps.PositionStore.List(ctx)
		if err != nil {
			return fmt.Errorf("engine: load positions: %w", err)
		}
		ledger.Load(positions)
		a.logger.InfoContext(ctx, "positions loaded", slog.Int("count", len(positions)))
	}

	ing := feed.NewIngestor(a.logger)
	ing.Track(catalog.Tokens()...)
	fd := feed.NewFeed(cfg.Exchange.WsHost, ing, feed.FeedOptions{
		ReconnectBase: cfg.Feed.ReconnectBase.Duration,
		ReconnectMax:  cfg.Feed.ReconnectMax.Duration,
		PingInterval:  cfg.Feed.PingInterval.Duration,
		HealthyAfter:  cfg.Feed.HealthyAfter.Duration,
	}, a.logger)
	ing.SetResyncer(fd)

	tracker := arbitrage.NewTracker(arbitrage.TrackerConfig{
		TTL:    cfg.Detector.OpportunityTTL.Duration,
		Store:  deps.OpportunityStore,
		Bus:    deps.SignalBus,
		Logger: a.logger,
	})
	tracker.OnExpire(func(o domain.Opportunity) {
		a.logger.Debug("opportunity expired",
			slog.String("opportunity_id", o.ID),
			slog.String("market_id", o.MarketID),
		)
	})

	detector := arbitrage.NewDetector(arbitrage.DetectorConfig{
		Catalog:    catalog,
		Prices:     ing,
		Tracker:    tracker,
		Params:     detectorParams(cfg),
		MaxBookAge: cfg.Detector.MaxBookAge.Duration,
		BufferSize: cfg.Detector.BufferSize,
		Logger:     a.logger,
	})

	risk := service.NewRiskService(riskLimits(cfg), ledger, catalog, tracker, a.logger)

	client := orderapi.NewClient(cfg.Dispatcher.SignerURL, a.dispatcherToken(), cfg.Dispatcher.RequestTimeout.Duration)
	dispatcher := executor.NewDispatcher(client, tracker, deps.Notifier, dispatcherConfig(cfg), a.logger)

	g, ctx := errgroup.WithContext(ctx)

	ing.OnUpdate(func(ev domain.BookEvent) { detector.HandleBookEvent(ctx, ev) })

	if deps.PositionStore != nil {
		updates := make(chan domain.Position, positionBuffer)
		ledger.Observe(func(p domain.Position) {
			select {
			case updates <- p:
			default:
				a.logger.Warn("position persistence backlog full, dropping update",
					slog.String("token_id", p.TokenID),
				)
			}
		})
		g.Go(func() error { return a.persistPositions(ctx, deps.PositionStore, updates) })
	}

	approvals := make(chan service.Approval, cfg.Detector.BufferSize)

	g.Go(func() error { return ignoreCancel(ctx, fd.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(ctx, tracker.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(ctx, risk.Run(ctx, detector.Opportunities(), approvals)) })
	g.Go(func() error { return ignoreCancel(ctx, dispatcher.Run(ctx, approvals)) })
	g.Go(func() error {
		a.probeSigner(ctx, client)
		return nil
	})

	return g.Wait()
}

// SignerMode runs the signing service behind the v1 HTTP contract.
func (a *App) SignerMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg

	clob, err := a.exchangeClient(ctx)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	cache := deps.ResultCache
	var mem *signing.MemoryCache
	if cache == nil {
		mem = signing.NewMemoryCache()
		cache = mem
	}

	svc := signing.NewService(clob, cache, signing.Config{
		Workers:         cfg.Signer.Workers,
		QueueSize:       cfg.Signer.QueueSize,
		DedupTTL:        cfg.Signer.DedupTTL.Duration,
		ExchangeTimeout: cfg.Signer.ExchangeTimeout.Duration,
		RateLimit:       cfg.Signer.RateLimit,
		RateWindow:      cfg.Signer.RateWindow.Duration,
		LockTTL:         cfg.Signer.LockTTL.Duration,
		ReadOnly:        cfg.Risk.ReadOnly,
	}, a.logger).
		WithStores(deps.ExecutionStore, deps.AuditStore).
		WithNotifier(deps.Notifier)
	if deps.RateLimiter != nil {
		svc.WithRateLimiter(deps.RateLimiter)
	}
	if deps.LockManager != nil {
		svc.WithLocks(deps.LockManager)
	}
	if deps.SignalBus != nil {
		svc.WithBus(deps.SignalBus)
	}

	health := handler.NewHealthHandler(svc.Wallet(), svc.ReadOnly())
	for name, check := range deps.Checks {
		health.WithCheck(name, check)
	}

	srv := server.NewServer(server.Config{
		Addr:          cfg.SignerAddr(),
		CORSOrigins:   cfg.Signer.CORSOrigins,
		APIToken:      cfg.Signer.APIToken,
		Limiter:       deps.RateLimiter,
		RequestLimit:  cfg.Signer.RequestLimit,
		RequestWindow: cfg.Signer.RequestWindow.Duration,
	}, server.Handlers{
		Health: health,
		Orders: handler.NewOrderHandler(svc, a.logger),
	}, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		svc.Close()
		return err
	})
	if mem != nil {
		g.Go(func() error {
			mem.Run(ctx, cacheSweepEvery)
			return nil
		})
	}
	g.Go(func() error {
		a.checkReadiness(ctx, deps, clob.Maker())
		return nil
	})

	return g.Wait()
}

// exchangeClient loads the signing key and builds an authenticated CLOB
// client according to the credential policy.
func (a *App) exchangeClient(ctx context.Context) (*polymarket.ClobClient, error) {
	cfg := a.cfg

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	signer, err := crypto.NewSigner(key, cfg.Exchange.ChainID, common.HexToAddress(cfg.Exchange.ExchangeAddress))
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	var maker common.Address
	if cfg.Wallet.ProxyWallet != "" {
		maker = common.HexToAddress(cfg.Wallet.ProxyWallet)
	}
	clob := polymarket.NewClobClient(cfg.Exchange.ClobHost, signer, polymarket.ClobOptions{
		Maker:         maker,
		SignatureType: cfg.Wallet.SignatureType,
		FeeRateBps:    cfg.Exchange.FeeRateBps,
		Timeout:       cfg.Signer.ExchangeTimeout.Duration,
	})

	var configured *crypto.HMACAuth
	if cfg.Credentials.APIKey != "" {
		configured = &crypto.HMACAuth{
			Key:        cfg.Credentials.APIKey,
			Secret:     cfg.Credentials.APISecret,
			Passphrase: cfg.Credentials.Passphrase,
		}
	}
	policy := signing.CredentialPolicy(cfg.Credentials.Policy)
	if err := signing.EnsureCredentials(ctx, clob, policy, configured, a.logger); err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "exchange client ready",
		slog.String("signer", signer.Address().Hex()),
		slog.String("maker", clob.Maker().Hex()),
	)
	return clob, nil
}

// checkReadiness reads the wallet's on-chain state once at startup. Problems
// are logged and sent to the operator; nothing is approved on chain.
func (a *App) checkReadiness(ctx context.Context, deps *Dependencies, wallet common.Address) {
	cfg := a.cfg
	if cfg.Exchange.RPCURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	report, err := a.readiness(ctx, wallet)
	if err == nil {
		err = report.Err()
	}
	if err != nil {
		if ctx.Err() != nil && report.Problems == nil {
			return
		}
		a.logger.ErrorContext(ctx, "trading readiness check failed", slog.String("error", err.Error()))
		if nerr := deps.Notifier.Notify(ctx, notify.EventReadinessFailed, "Wallet not ready for trading", err.Error()); nerr != nil {
			a.logger.WarnContext(ctx, "readiness notification failed", slog.String("error", nerr.Error()))
		}
		return
	}
	a.logger.InfoContext(ctx, "trading readiness ok",
		slog.String("wallet", wallet.Hex()),
		slog.String("usdc_balance", report.Balance.String()),
		slog.Bool("safe", report.Contract),
	)
}

func (a *App) readiness(ctx context.Context, wallet common.Address) (polygon.Report, error) {
	cfg := a.cfg
	client, err := polygon.Dial(ctx, cfg.Exchange.RPCURL)
	if err != nil {
		return polygon.Report{}, err
	}
	defer client.Close()

	checker := polygon.NewChecker(client, polygon.Addresses{
		Wallet:   wallet,
		USDC:     common.HexToAddress(cfg.Exchange.USDCAddress),
		CTF:      common.HexToAddress(cfg.Exchange.CTFAddress),
		Exchange: common.HexToAddress(cfg.Exchange.ExchangeAddress),
	}, decimal.NewFromFloat(cfg.Exchange.MinUSDCBalance))
	return checker.Check(ctx)
}

// probeSigner checks once that the signer answers on the expected contract
// version. A failure is only logged; the dispatcher retries on its own.
func (a *App) probeSigner(ctx context.Context, client *orderapi.Client) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Dispatcher.RequestTimeout.Duration)
	defer cancel()

	h, err := client.Health(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.WarnContext(ctx, "signer health probe failed", slog.String("error", err.Error()))
		}
		return
	}
	a.logger.InfoContext(ctx, "signer reachable",
		slog.String("status", h.Status),
		slog.String("wallet", h.Wallet),
		slog.Bool("read_only", h.ReadOnly),
		slog.Any("checks", h.Checks),
	)
}

// persistPositions writes ledger changes to the store off the fill path.
func (a *App) persistPositions(ctx context.Context, store domain.PositionStore, updates <-chan domain.Position) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-updates:
			if err := store.Upsert(ctx, p); err != nil {
				a.logger.ErrorContext(ctx, "failed to persist position",
					slog.String("token_id", p.TokenID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (a *App) archiveJob(deps *Dependencies) *pipeline.ArchiveJob {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		return nil
	}
	return pipeline.NewArchiveJob(deps.Archiver, deps.opportunities, deps.executions, a.cfg.Archive.RetentionDays, a.logger)
}

func (a *App) runArchive(ctx context.Context, job *pipeline.ArchiveJob) error {
	if a.cfg.Archive.Cron != "" {
		return job.RunCron(ctx, a.cfg.Archive.Cron)
	}
	return job.RunLoop(ctx, a.cfg.Archive.Interval.Duration)
}

// dispatcherToken is the bearer token the engine presents to the signer. In
// a single config file the signer's token serves both sides.
func (a *App) dispatcherToken() crypto.Secret {
	if !a.cfg.Dispatcher.APIToken.IsZero() {
		return a.cfg.Dispatcher.APIToken
	}
	return a.cfg.Signer.APIToken
}

func riskLimits(cfg *config.Config) domain.RiskLimits {
	return domain.RiskLimits{
		MinSpreadBps:    decimal.NewFromFloat(cfg.Risk.MinSpreadBps),
		MaxPositionSize: decimal.NewFromFloat(cfg.Risk.MaxPositionSize),
		MaxOrderSize:    decimal.NewFromFloat(cfg.Risk.MaxOrderSize),
		MinOrderSize:    decimal.NewFromFloat(cfg.Risk.MinOrderSize),
		ReadOnly:        cfg.Risk.ReadOnly,
	}
}

func detectorParams(cfg *config.Config) arbitrage.Params {
	return arbitrage.Params{
		FeeMarginBps: decimal.NewFromFloat(cfg.Detector.FeeMarginBps),
		MinSpreadBps: decimal.NewFromFloat(cfg.Risk.MinSpreadBps),
		OrderSize:    decimal.NewFromFloat(cfg.Detector.OrderSize),
		BidSide:      cfg.Detector.DetectBidSide,
	}
}

func dispatcherConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		MaxAttempts:    cfg.Dispatcher.MaxAttempts,
		RequestTimeout: cfg.Dispatcher.RequestTimeout.Duration,
		Backoff: executor.Backoff{
			Base: cfg.Dispatcher.BackoffBase.Duration,
			Max:  cfg.Dispatcher.BackoffMax.Duration,
		},
		TimeInForce:  domain.TimeInForce(strings.ToUpper(cfg.Dispatcher.TimeInForce)),
		ReconcileFor: cfg.Dispatcher.ReconcileFor.Duration,
	}
}
