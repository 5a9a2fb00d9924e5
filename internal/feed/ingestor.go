// Package feed maintains live per-token order books from the exchange's
// sequenced market data stream.
package feed

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Resyncer asks the upstream feed for a fresh snapshot of a token.
// Implementations must not block.
type Resyncer interface {
	Resync(tokenID string)
}

// UpdateHandler receives a change notification for every accepted snapshot
// or update. Handlers run synchronously on the feed goroutine.
type UpdateHandler func(ev domain.BookEvent)

type tokenBook struct {
	mu            sync.Mutex // serializes writers; readers only Load
	cur           atomic.Pointer[domain.OrderBook]
	resyncPending atomic.Bool
}

// Ingestor owns the order book of every tracked token. Each book is an
// immutable value behind an atomic pointer, so readers always see either the
// whole previous book or the whole new one.
type Ingestor struct {
	mu    sync.RWMutex
	books map[string]*tokenBook

	handlerMu sync.RWMutex
	handlers  []UpdateHandler

	resyncer atomic.Pointer[resyncerBox]
	logger   *slog.Logger
}

type resyncerBox struct{ r Resyncer }

// NewIngestor creates an empty Ingestor.
func NewIngestor(logger *slog.Logger) *Ingestor {
	return &Ingestor{
		books:  make(map[string]*tokenBook),
		logger: logger.With(slog.String("component", "ingestor")),
	}
}

// SetResyncer installs the component that fetches fresh snapshots after a
// sequence gap.
func (in *Ingestor) SetResyncer(r Resyncer) {
	in.resyncer.Store(&resyncerBox{r: r})
}

// Track registers tokens. New books start Stale and stay unusable until the
// first snapshot arrives. Tracking a known token is a no-op.
func (in *Ingestor) Track(tokens ...string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if _, ok := in.books[tok]; ok {
			continue
		}
		tb := &tokenBook{}
		tb.cur.Store(&domain.OrderBook{TokenID: tok, State: domain.BookStale})
		in.books[tok] = tb
	}
}

// Tokens returns the tracked token IDs.
func (in *Ingestor) Tokens() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]string, 0, len(in.books))
	for tok := range in.books {
		out = append(out, tok)
	}
	return out
}

// OnUpdate registers a change listener.
func (in *Ingestor) OnUpdate(h UpdateHandler) {
	in.handlerMu.Lock()
	defer in.handlerMu.Unlock()
	in.handlers = append(in.handlers, h)
}

// ApplySnapshot replaces both ladders of a token, sets the sequence baseline
// and marks the book Fresh.
func (in *Ingestor) ApplySnapshot(tokenID string, seq int64, bids, asks []domain.PriceLevel, at time.Time) error {
	tb, err := in.book(tokenID)
	if err != nil {
		return err
	}

	tb.mu.Lock()
	tb.cur.Store(&domain.OrderBook{
		TokenID:   tokenID,
		Seq:       seq,
		Bids:      buildLadder(bids, true),
		Asks:      buildLadder(asks, false),
		State:     domain.BookFresh,
		UpdatedAt: at,
	})
	tb.resyncPending.Store(false)
	tb.mu.Unlock()

	in.notify(domain.BookEvent{TokenID: tokenID, Seq: seq, Kind: domain.BookEventSnapshot, At: at})
	return nil
}

// ApplyUpdate merges level deltas into a Fresh book. Only seq == last+1 is
// accepted. A replayed or duplicate sequence is rejected with
// ErrOutOfSequence and leaves the book untouched. A gap marks the book Stale,
// requests a resync and returns ErrStaleBook; so does any update that arrives
// while the book is Stale.
func (in *Ingestor) ApplyUpdate(tokenID string, seq int64, bids, asks []domain.PriceLevel, at time.Time) error {
	tb, err := in.book(tokenID)
	if err != nil {
		return err
	}

	tb.mu.Lock()
	cur := tb.cur.Load()

	switch {
	case cur.State == domain.BookStale:
		tb.mu.Unlock()
		in.requestResync(tokenID, tb)
		return fmt.Errorf("feed: update %s seq %d: %w", tokenID, seq, domain.ErrStaleBook)

	case seq <= cur.Seq:
		tb.mu.Unlock()
		return fmt.Errorf("feed: update %s seq %d (last %d): %w", tokenID, seq, cur.Seq, domain.ErrOutOfSequence)

	case seq > cur.Seq+1:
		stale := copyBook(cur)
		stale.State = domain.BookStale
		tb.cur.Store(&stale)
		tb.mu.Unlock()
		in.logger.Warn("sequence gap, book marked stale",
			slog.String("token", tokenID),
			slog.Int64("last_seq", cur.Seq),
			slog.Int64("seq", seq),
		)
		in.requestResync(tokenID, tb)
		return fmt.Errorf("feed: update %s seq %d (last %d): %w", tokenID, seq, cur.Seq, domain.ErrStaleBook)
	}

	tb.cur.Store(&domain.OrderBook{
		TokenID:   tokenID,
		Seq:       seq,
		Bids:      mergeLevels(cur.Bids, bids, true),
		Asks:      mergeLevels(cur.Asks, asks, false),
		State:     domain.BookFresh,
		UpdatedAt: at,
	})
	tb.mu.Unlock()

	in.notify(domain.BookEvent{TokenID: tokenID, Seq: seq, Kind: domain.BookEventUpdate, At: at})
	return nil
}

// MarkStale marks the given tokens Stale, or every token when none are
// given. Used when the feed connection drops.
func (in *Ingestor) MarkStale(tokens ...string) {
	if len(tokens) == 0 {
		tokens = in.Tokens()
	}
	for _, tok := range tokens {
		tb, err := in.book(tok)
		if err != nil {
			continue
		}
		tb.mu.Lock()
		cur := tb.cur.Load()
		if cur.State != domain.BookStale {
			stale := copyBook(cur)
			stale.State = domain.BookStale
			tb.cur.Store(&stale)
		}
		tb.resyncPending.Store(false)
		tb.mu.Unlock()
	}
}

// BestPrices returns the top of book. ok is false when the token is unknown
// or its book is Stale.
func (in *Ingestor) BestPrices(tokenID string) (domain.BestPrices, bool) {
	tb, err := in.book(tokenID)
	if err != nil {
		return domain.BestPrices{}, false
	}
	b := tb.cur.Load()
	if b.State != domain.BookFresh {
		return domain.BestPrices{}, false
	}

	bp := domain.BestPrices{TokenID: tokenID, Seq: b.Seq, UpdatedAt: b.UpdatedAt}
	if lvl, ok := b.BestBid(); ok {
		bp.Bid, bp.BidSize = lvl.Price, lvl.Size
	}
	if lvl, ok := b.BestAsk(); ok {
		bp.Ask, bp.AskSize = lvl.Price, lvl.Size
	}
	return bp, true
}

// Snapshot returns a copy of the token's whole book, whatever its state.
func (in *Ingestor) Snapshot(tokenID string) (domain.OrderBook, bool) {
	tb, err := in.book(tokenID)
	if err != nil {
		return domain.OrderBook{}, false
	}
	return copyBook(tb.cur.Load()), true
}

func (in *Ingestor) book(tokenID string) (*tokenBook, error) {
	in.mu.RLock()
	tb, ok := in.books[tokenID]
	in.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("feed: token %s: %w", tokenID, domain.ErrNotFound)
	}
	return tb, nil
}

// requestResync asks for one snapshot per gap; repeats are suppressed until
// the snapshot lands or the book is reset by MarkStale.
func (in *Ingestor) requestResync(tokenID string, tb *tokenBook) {
	box := in.resyncer.Load()
	if box == nil || box.r == nil {
		return
	}
	if !tb.resyncPending.CompareAndSwap(false, true) {
		return
	}
	box.r.Resync(tokenID)
}

func (in *Ingestor) notify(ev domain.BookEvent) {
	in.handlerMu.RLock()
	handlers := in.handlers
	in.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
