// Package app wires the engine and the signing service from configuration
// and runs them in the configured mode: engine, signer or both.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/config"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the configured mode together with the
// archive job, and blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("read_only", a.cfg.Risk.ReadOnly),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	if job := a.archiveJob(deps); job != nil {
		g.Go(func() error { return ignoreCancel(ctx, a.runArchive(ctx, job)) })
	}

	switch a.cfg.Mode {
	case config.ModeEngine:
		g.Go(func() error { return a.EngineMode(ctx, deps) })
	case config.ModeSigner:
		g.Go(func() error { return a.SignerMode(ctx, deps) })
	case config.ModeFull:
		g.Go(func() error { return a.FullMode(ctx, deps) })
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ignoreCancel maps the error of a component that stopped because ctx ended
// to nil.
func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
