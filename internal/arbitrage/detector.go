// Package arbitrage detects mispriced complementary token pairs and tracks
// the resulting opportunities through their lifecycle.
package arbitrage

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// PriceSource is the read side of the market data ingestor.
type PriceSource interface {
	BestPrices(tokenID string) (domain.BestPrices, bool)
}

// Detector evaluates a market every time one of its books changes and emits
// new opportunities on its output channel.
type Detector struct {
	catalog    *Catalog
	prices     PriceSource
	tracker    *Tracker
	params     Params
	maxBookAge time.Duration
	out        chan domain.Opportunity
	logger     *slog.Logger
	now        func() time.Time
}

// DetectorConfig configures the detector.
type DetectorConfig struct {
	Catalog    *Catalog
	Prices     PriceSource
	Tracker    *Tracker
	Params     Params
	MaxBookAge time.Duration // zero disables the age check
	BufferSize int
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewDetector creates a detector.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Detector{
		catalog:    cfg.Catalog,
		prices:     cfg.Prices,
		tracker:    cfg.Tracker,
		params:     cfg.Params,
		maxBookAge: cfg.MaxBookAge,
		out:        make(chan domain.Opportunity, cfg.BufferSize),
		logger:     cfg.Logger.With(slog.String("component", "arb_detector")),
		now:        cfg.Now,
	}
}

// Opportunities is the stream of newly detected opportunities.
func (d *Detector) Opportunities() <-chan domain.Opportunity { return d.out }

// HandleBookEvent re-evaluates the market owning ev's token.
func (d *Detector) HandleBookEvent(ctx context.Context, ev domain.BookEvent) {
	m, ok := d.catalog.ByToken(ev.TokenID)
	if !ok {
		return
	}
	now := d.now()
	if m.Expired(now) {
		return
	}

	up, ok := d.fresh(m.UpToken, now)
	if !ok {
		return
	}
	down, ok := d.fresh(m.DownToken, now)
	if !ok {
		return
	}

	candidate, ok := Evaluate(m, up, down, d.params)
	if !ok {
		return
	}

	opp, ok := d.tracker.Begin(candidate)
	if !ok {
		d.logger.Debug("opportunity debounced", slog.String("market", m.ID))
		return
	}

	select {
	case d.out <- opp:
		d.logger.InfoContext(ctx, "opportunity detected",
			slog.String("opp_id", opp.ID),
			slog.String("market", m.ID),
			slog.String("kind", string(opp.Kind)),
			slog.String("combined", opp.CombinedPrice.String()),
			slog.String("spread_bps", opp.SpreadBps.StringFixed(1)),
			slog.String("size", opp.RequestedSize.String()),
		)
	default:
		d.logger.WarnContext(ctx, "opportunity channel full, dropping",
			slog.String("opp_id", opp.ID),
			slog.String("market", m.ID),
		)
		if _, err := d.tracker.Transition(opp.ID, domain.OppRejected, domain.ReasonOverloaded); err != nil {
			d.logger.Warn("release dropped opportunity", slog.String("opp_id", opp.ID), slog.String("error", err.Error()))
		}
	}
}

// fresh returns a token's prices when its book is Fresh and, if an age
// limit is set, recent enough.
func (d *Detector) fresh(tokenID string, now time.Time) (domain.BestPrices, bool) {
	bp, ok := d.prices.BestPrices(tokenID)
	if !ok {
		return domain.BestPrices{}, false
	}
	if d.maxBookAge > 0 && !bp.UpdatedAt.IsZero() && now.Sub(bp.UpdatedAt) > d.maxBookAge {
		return domain.BestPrices{}, false
	}
	return bp, true
}
