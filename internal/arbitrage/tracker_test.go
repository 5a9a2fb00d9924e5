package arbitrage

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestTracker(clock *fakeClock) *Tracker {
	return NewTracker(TrackerConfig{TTL: 2 * time.Second, Logger: testLogger(), Now: clock.Now})
}

func TestTrackerDebouncesPerMarket(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := newTestTracker(clock)

	first, ok := tr.Begin(domain.Opportunity{MarketID: "m1"})
	if !ok || first.ID == "" || first.State != domain.OppDetected || !first.ExpiresAt.Equal(clock.t.Add(2*time.Second)) {
		t.Fatalf("first = %+v", first)
	}
	if _, ok := tr.Begin(domain.Opportunity{MarketID: "m1"}); ok {
		t.Fatal("second opportunity on the same market must be debounced")
	}
	if _, ok := tr.Begin(domain.Opportunity{MarketID: "m2"}); !ok {
		t.Fatal("other markets are independent")
	}

	tr.Approve(first.ID, d("10"))
	tr.Transition(first.ID, domain.OppDispatched, domain.ReasonNone)
	if _, ok := tr.Begin(domain.Opportunity{MarketID: "m1"}); ok {
		t.Fatal("dispatched opportunity still holds the slot")
	}
	if _, err := tr.Transition(first.ID, domain.OppConfirmed, domain.ReasonNone); err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Begin(domain.Opportunity{MarketID: "m1"}); !ok {
		t.Fatal("terminal opportunity must free the slot")
	}
}

func TestTrackerTransitions(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := newTestTracker(clock)
	opp, _ := tr.Begin(domain.Opportunity{MarketID: "m1"})

	if _, err := tr.Transition(opp.ID, domain.OppConfirmed, domain.ReasonNone); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("Detected->Confirmed err = %v", err)
	}
	approved, err := tr.Approve(opp.ID, d("7"))
	if err != nil || !approved.ApprovedSize.Equal(d("7")) {
		t.Fatalf("approve: %+v %v", approved, err)
	}
	rejected, err := tr.Transition(opp.ID, domain.OppRejected, domain.ReasonPositionLimit)
	if err != nil || rejected.Reason != domain.ReasonPositionLimit {
		t.Fatalf("reject: %+v %v", rejected, err)
	}
	if _, err := tr.Transition(opp.ID, domain.OppApproved, domain.ReasonNone); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("move out of terminal err = %v", err)
	}
	if _, err := tr.Transition("nope", domain.OppApproved, domain.ReasonNone); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown id err = %v", err)
	}
}

func TestTrackerSweepExpires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := newTestTracker(clock)
	var hooked []string
	tr.OnExpire(func(o domain.Opportunity) { hooked = append(hooked, o.ID) })

	a, _ := tr.Begin(domain.Opportunity{MarketID: "m1"})
	b, _ := tr.Begin(domain.Opportunity{MarketID: "m2"})
	tr.Approve(b.ID, d("1"))

	if got := tr.Sweep(clock.t.Add(time.Second)); len(got) != 0 {
		t.Fatalf("expired too early: %+v", got)
	}

	clock.Advance(2 * time.Second)
	got := tr.Sweep(clock.t)
	if len(got) != 2 || len(hooked) != 2 {
		t.Fatalf("expired = %d, hooks = %d", len(got), len(hooked))
	}
	opp, _ := tr.Get(a.ID)
	if opp.State != domain.OppExpired || opp.Reason != domain.ReasonOpportunityExpired {
		t.Fatalf("a = %+v", opp)
	}
	if len(tr.Active()) != 0 {
		t.Fatal("expired opportunities must leave the active set")
	}

	// Expired opportunities can never be dispatched.
	if _, err := tr.Transition(b.ID, domain.OppDispatched, domain.ReasonNone); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("dispatch after expiry err = %v", err)
	}

	// Terminal entries are forgotten after another TTL.
	clock.Advance(3 * time.Second)
	tr.Sweep(clock.t)
	if _, ok := tr.Get(a.ID); ok {
		t.Fatal("old terminal entry should be dropped")
	}
}

func TestTrackerBeginReplacesExpiredUnswept(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := newTestTracker(clock)
	var hooked int
	tr.OnExpire(func(domain.Opportunity) { hooked++ })

	old, _ := tr.Begin(domain.Opportunity{MarketID: "m1"})
	clock.Advance(3 * time.Second)
	if _, ok := tr.Begin(domain.Opportunity{MarketID: "m1"}); !ok {
		t.Fatal("expired opportunity must not block the market")
	}
	got, _ := tr.Get(old.ID)
	if got.State != domain.OppExpired || hooked != 1 {
		t.Fatalf("old = %s, hooks = %d", got.State, hooked)
	}
}
