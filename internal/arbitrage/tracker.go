package arbitrage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const recordBuffer = 256

// ExpiryHook is called once for every opportunity Sweep expires.
type ExpiryHook func(opp domain.Opportunity)

// Tracker owns the lifecycle of every opportunity and the per-market
// debounce: while a market has an unexpired Detected, Approved or Dispatched
// opportunity no new one is started for it.
//
// Lifecycle changes are persisted to the optional store and published on the
// optional bus by Run, off the detection path.
type Tracker struct {
	ttl    time.Duration
	store  domain.OpportunityStore
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	opps   map[string]*domain.Opportunity
	active map[string]string // market ID -> opportunity ID
	hooks  []ExpiryHook

	records chan domain.Opportunity
}

// TrackerConfig wires a Tracker. Store and Bus may be nil.
type TrackerConfig struct {
	TTL    time.Duration
	Store  domain.OpportunityStore
	Bus    domain.SignalBus
	Logger *slog.Logger
	Now    func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		ttl:     cfg.TTL,
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  cfg.Logger.With(slog.String("component", "opportunity_tracker")),
		now:     cfg.Now,
		opps:    make(map[string]*domain.Opportunity),
		active:  make(map[string]string),
		records: make(chan domain.Opportunity, recordBuffer),
	}
}

// OnExpire registers a hook called for each opportunity Sweep expires.
func (t *Tracker) OnExpire(h ExpiryHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, h)
}

// Begin starts tracking a freshly evaluated opportunity: it assigns an ID,
// sets Detected and the expiry, and takes the market's debounce slot. It
// returns false when the market already has a live opportunity.
func (t *Tracker) Begin(opp domain.Opportunity) (domain.Opportunity, bool) {
	now := t.now()

	t.mu.Lock()
	var expired []domain.Opportunity
	if id, ok := t.active[opp.MarketID]; ok {
		cur := t.opps[id]
		if cur.State.Active() && !cur.Expired(now) {
			t.mu.Unlock()
			return domain.Opportunity{}, false
		}
		if cur.State.Active() {
			expired = append(expired, t.expireLocked(cur, now))
		}
	}

	opp.ID = uuid.NewString()
	opp.State = domain.OppDetected
	opp.Reason = domain.ReasonNone
	opp.DetectedAt = now
	opp.UpdatedAt = now
	opp.ExpiresAt = now.Add(t.ttl)

	stored := opp
	t.opps[opp.ID] = &stored
	t.active[opp.MarketID] = opp.ID
	hooks := t.hooks
	t.mu.Unlock()

	t.fireExpired(hooks, expired)
	t.record(opp)
	return opp, true
}

// Transition moves an opportunity to state to. Illegal moves, including any
// move out of a terminal state, fail with ErrIllegalState. Reaching a
// terminal state frees the market's debounce slot.
func (t *Tracker) Transition(id string, to domain.OpportunityState, reason domain.ReasonCode) (domain.Opportunity, error) {
	return t.update(id, to, func(o *domain.Opportunity) { o.Reason = reason })
}

// Approve moves an opportunity to Approved with the size the risk checks
// granted.
func (t *Tracker) Approve(id string, size decimal.Decimal) (domain.Opportunity, error) {
	return t.update(id, domain.OppApproved, func(o *domain.Opportunity) { o.ApprovedSize = size })
}

func (t *Tracker) update(id string, to domain.OpportunityState, mutate func(*domain.Opportunity)) (domain.Opportunity, error) {
	t.mu.Lock()
	cur, ok := t.opps[id]
	if !ok {
		t.mu.Unlock()
		return domain.Opportunity{}, fmt.Errorf("opportunity %s: %w", id, domain.ErrNotFound)
	}
	if !domain.CanTransition(cur.State, to) {
		from := cur.State
		t.mu.Unlock()
		return domain.Opportunity{}, fmt.Errorf("opportunity %s %s -> %s: %w", id, from, to, domain.ErrIllegalState)
	}

	cur.State = to
	cur.UpdatedAt = t.now()
	mutate(cur)
	if to.Terminal() && t.active[cur.MarketID] == id {
		delete(t.active, cur.MarketID)
	}
	out := *cur
	t.mu.Unlock()

	t.record(out)
	return out, nil
}

// Get returns a tracked opportunity.
func (t *Tracker) Get(id string) (domain.Opportunity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.opps[id]
	if !ok {
		return domain.Opportunity{}, false
	}
	return *o, true
}

// Active returns every opportunity that still holds a debounce slot.
func (t *Tracker) Active() []domain.Opportunity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Opportunity, 0, len(t.active))
	for _, id := range t.active {
		out = append(out, *t.opps[id])
	}
	return out
}

// Sweep expires every non-terminal opportunity whose TTL has passed at now
// and forgets terminal ones older than one TTL. It returns the newly expired
// opportunities after running the expiry hooks.
func (t *Tracker) Sweep(now time.Time) []domain.Opportunity {
	t.mu.Lock()
	var expired []domain.Opportunity
	for id, o := range t.opps {
		switch {
		case o.State.Active() && o.Expired(now):
			expired = append(expired, t.expireLocked(o, now))
		case o.State.Terminal() && now.Sub(o.UpdatedAt) > t.ttl:
			delete(t.opps, id)
		}
	}
	hooks := t.hooks
	t.mu.Unlock()

	t.fireExpired(hooks, expired)
	return expired
}

// Run sweeps on a ticker and drains lifecycle records into the store and
// bus until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	interval := t.ttl / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			t.Sweep(now)
		case opp := <-t.records:
			t.persist(ctx, opp)
		}
	}
}

func (t *Tracker) expireLocked(o *domain.Opportunity, now time.Time) domain.Opportunity {
	o.State = domain.OppExpired
	o.Reason = domain.ReasonOpportunityExpired
	o.UpdatedAt = now
	if t.active[o.MarketID] == o.ID {
		delete(t.active, o.MarketID)
	}
	return *o
}

func (t *Tracker) fireExpired(hooks []ExpiryHook, expired []domain.Opportunity) {
	for _, o := range expired {
		t.logger.Info("opportunity expired",
			slog.String("opp_id", o.ID),
			slog.String("market", o.MarketID),
		)
		for _, h := range hooks {
			h(o)
		}
		t.record(o)
	}
}

func (t *Tracker) record(opp domain.Opportunity) {
	if t.store == nil && t.bus == nil {
		return
	}
	select {
	case t.records <- opp:
	default:
		t.logger.Warn("opportunity record buffer full, dropping", slog.String("opp_id", opp.ID), slog.String("state", string(opp.State)))
	}
}

func (t *Tracker) persist(ctx context.Context, opp domain.Opportunity) {
	if t.store != nil {
		if err := t.store.Upsert(ctx, opp); err != nil {
			t.logger.Warn("persist opportunity failed", slog.String("opp_id", opp.ID), slog.String("error", err.Error()))
		}
	}
	if t.bus != nil {
		payload, _ := json.Marshal(opp)
		if err := t.bus.Publish(ctx, domain.ChannelOpportunities, payload); err != nil {
			t.logger.Warn("publish opportunity failed", slog.String("opp_id", opp.ID), slog.String("error", err.Error()))
		}
	}
}
