package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/platform/polymarket"
)

const dialTimeout = 15 * time.Second

// FeedOptions tunes reconnect behaviour.
type FeedOptions struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	PingInterval  time.Duration
	// HealthyAfter is how long a session must last before the reconnect
	// delay resets to ReconnectBase.
	HealthyAfter time.Duration
}

func (o *FeedOptions) defaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = 30 * time.Second
	}
	if o.HealthyAfter <= 0 {
		o.HealthyAfter = 30 * time.Second
	}
}

// Feed connects to the Polymarket market WebSocket, subscribes to every
// token tracked by the Ingestor and routes book snapshots and sequenced
// updates into it. It reconnects with exponential backoff, marking all books
// Stale while disconnected, and implements Resyncer by re-subscribing a
// token, which makes the exchange send a fresh snapshot.
type Feed struct {
	wsURL  string
	ing    *Ingestor
	opts   FeedOptions
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}
}

// NewFeed creates a feed for the Ingestor's tracked tokens.
func NewFeed(wsURL string, ing *Ingestor, opts FeedOptions, logger *slog.Logger) *Feed {
	opts.defaults()
	return &Feed{
		wsURL:   wsURL,
		ing:     ing,
		opts:    opts,
		logger:  logger.With(slog.String("component", "polymarket_ws_feed")),
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Resync queues a snapshot request for tokenID. It never blocks.
func (f *Feed) Resync(tokenID string) {
	f.mu.Lock()
	f.pending[tokenID] = struct{}{}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run connects, subscribes and runs until ctx is cancelled. Reconnects with
// backoff on disconnect.
func (f *Feed) Run(ctx context.Context) error {
	tokens := f.ing.Tokens()
	if len(tokens) == 0 {
		f.logger.Info("no tokens to subscribe, exiting")
		return nil
	}

	delay := f.opts.ReconnectBase
	for {
		started := time.Now()
		err := f.runConnection(ctx, tokens)
		f.ing.MarkStale()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) >= f.opts.HealthyAfter {
			delay = f.opts.ReconnectBase
		}

		f.logger.Warn("polymarket ws disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.opts.ReconnectMax {
			delay = f.opts.ReconnectMax
		}
	}
}

func (f *Feed) runConnection(ctx context.Context, tokens []string) error {
	client := polymarket.NewWSClient(f.wsURL, f.opts.PingInterval)
	defer client.Close()

	client.OnBook(f.handleBook)
	client.OnUpdate(f.handleUpdate)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	err := client.Connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}

	// A full subscription brings a snapshot for every token, which
	// supersedes any resync queued before this session.
	f.mu.Lock()
	clear(f.pending)
	f.mu.Unlock()

	if err := client.Subscribe(ctx, tokens); err != nil {
		return err
	}
	f.logger.Info("polymarket ws subscribed", slog.Int("tokens", len(tokens)))

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go f.resyncLoop(connCtx, client)

	return client.Listen(connCtx)
}

func (f *Feed) resyncLoop(ctx context.Context, client *polymarket.WSClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.wake:
		}

		f.mu.Lock()
		tokens := make([]string, 0, len(f.pending))
		for tok := range f.pending {
			tokens = append(tokens, tok)
		}
		clear(f.pending)
		f.mu.Unlock()

		if len(tokens) == 0 {
			continue
		}
		if err := client.Subscribe(ctx, tokens); err != nil {
			f.logger.Warn("resync subscribe failed", slog.Int("tokens", len(tokens)), slog.String("error", err.Error()))
			continue
		}
		f.logger.Info("resync requested", slog.Any("tokens", tokens))
	}
}

func (f *Feed) handleBook(msg *polymarket.BookMessage) {
	err := f.ing.ApplySnapshot(msg.Token(), msg.Seq(),
		polymarket.ToLevels(msg.Bids), polymarket.ToLevels(msg.Asks),
		polymarket.ParseTimestamp(msg.Timestamp))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		f.logger.Warn("snapshot rejected", slog.String("token", msg.Token()), slog.String("error", err.Error()))
	}
}

func (f *Feed) handleUpdate(msg *polymarket.BookMessage) {
	err := f.ing.ApplyUpdate(msg.Token(), msg.Seq(),
		polymarket.ToLevels(msg.Bids), polymarket.ToLevels(msg.Asks),
		polymarket.ParseTimestamp(msg.Timestamp))
	switch {
	case err == nil, errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrStaleBook):
	case errors.Is(err, domain.ErrOutOfSequence):
		f.logger.Debug("duplicate update dropped", slog.String("token", msg.Token()), slog.Int64("seq", msg.Seq()))
	default:
		f.logger.Warn("update rejected", slog.String("token", msg.Token()), slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
