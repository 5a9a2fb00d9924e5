package position

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var pair = []string{"up", "down"}

func TestReserveCommitExampleScenario(t *testing.T) {
	l := NewLedger()
	var observed []domain.Position
	l.Observe(func(p domain.Position) { observed = append(observed, p) })

	r, err := l.Reserve("m1", pair, domain.SideBuy, d("10"), d("100"))
	if err != nil || !r.Size().Equal(d("10")) {
		t.Fatalf("reserve: %v size=%v", err, r)
	}
	if !l.Reserved("up", domain.SideBuy).Equal(d("10")) {
		t.Fatal("reservation not recorded")
	}

	r.Commit("up", d("10"), d("0.50"))
	r.Commit("down", d("10"), d("0.45"))
	r.Release()

	up := l.Position("up")
	if !up.Size.Equal(d("10")) || !up.Notional.Equal(d("5")) || up.MarketID != "m1" {
		t.Fatalf("up = %+v", up)
	}
	if !l.Position("down").Size.Equal(d("10")) || len(observed) != 2 {
		t.Fatalf("down = %+v, observed %d", l.Position("down"), len(observed))
	}
	if !l.Reserved("up", domain.SideBuy).IsZero() || !l.Reserved("down", domain.SideBuy).IsZero() {
		t.Fatal("reservations left behind")
	}
}

func TestReserveClampsToHeadroom(t *testing.T) {
	l := NewLedger()
	l.Load([]domain.Position{{TokenID: "up", MarketID: "m1", Size: d("95")}})

	r, err := l.Reserve("m1", pair, domain.SideBuy, d("10"), d("100"))
	if err != nil || !r.Size().Equal(d("5")) {
		t.Fatalf("size = %v, err = %v", r.Size(), err)
	}
	// Outstanding reservations count against the cap.
	if _, err := l.Reserve("m1", pair, domain.SideBuy, d("1"), d("100")); !errors.Is(err, ErrPositionLimit) {
		t.Fatalf("err = %v, want ErrPositionLimit", err)
	}
	r.Release()
	r.Release()
	if _, err := l.Reserve("m1", pair, domain.SideBuy, d("1"), d("100")); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestPartialCommitThenRelease(t *testing.T) {
	l := NewLedger()
	r, _ := l.Reserve("m1", pair, domain.SideBuy, d("10"), d("100"))
	r.Commit("up", d("4"), d("0.5"))
	if !l.Reserved("up", domain.SideBuy).Equal(d("6")) {
		t.Fatalf("reserved = %s", l.Reserved("up", domain.SideBuy))
	}
	r.Release()
	if !l.Reserved("up", domain.SideBuy).IsZero() {
		t.Fatal("release left a reservation")
	}
	// A fill after release is still accounted.
	r.Commit("down", d("10"), d("0.45"))
	if !l.Position("down").Size.Equal(d("10")) || !l.Reserved("down", domain.SideBuy).IsZero() {
		t.Fatalf("down = %+v", l.Position("down"))
	}
}

func TestSellNeedsInventory(t *testing.T) {
	l := NewLedger()
	if _, err := l.Reserve("m1", pair, domain.SideSell, d("5"), d("100")); !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("err = %v", err)
	}

	l.Load([]domain.Position{
		{TokenID: "up", Size: d("8"), Notional: d("4")},
		{TokenID: "down", Size: d("3"), Notional: d("1.5")},
	})
	r, err := l.Reserve("m1", pair, domain.SideSell, d("5"), d("100"))
	if err != nil || !r.Size().Equal(d("3")) {
		t.Fatalf("size = %v err = %v", r, err)
	}
	p := r.Commit("up", d("3"), d("0.6"))
	if !p.Size.Equal(d("5")) || !p.Notional.Equal(d("2.5")) {
		t.Fatalf("up after sell = %+v", p)
	}
}

func TestConcurrentReservationsNeverExceedCap(t *testing.T) {
	l := NewLedger()
	limit := d("100")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve("m1", pair, domain.SideBuy, d("7"), limit)
			if err != nil {
				return
			}
			for _, tok := range pair {
				r.Commit(tok, r.Size(), d("0.5"))
			}
			r.Release()
		}()
	}
	wg.Wait()

	for _, tok := range pair {
		if got := l.Position(tok).Size; got.GreaterThan(limit) {
			t.Fatalf("%s position %s exceeds cap", tok, got)
		}
	}
	if !l.Position("up").Size.Equal(limit) {
		t.Fatalf("headroom not used: %s", l.Position("up").Size)
	}
}
