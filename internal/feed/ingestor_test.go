package feed

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lvl(price, size string) domain.PriceLevel {
	return domain.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

type recordingResyncer struct {
	mu     sync.Mutex
	tokens []string
}

func (r *recordingResyncer) Resync(tokenID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, tokenID)
}

func (r *recordingResyncer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

func TestUnknownTokenRejected(t *testing.T) {
	in := NewIngestor(testLogger())
	if err := in.ApplySnapshot("x", 1, nil, nil, time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("snapshot err = %v", err)
	}
	if err := in.ApplyUpdate("x", 2, nil, nil, time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update err = %v", err)
	}
	if _, ok := in.BestPrices("x"); ok {
		t.Fatal("unknown token should have no prices")
	}
}

func TestTrackedBookStartsStale(t *testing.T) {
	in := NewIngestor(testLogger())
	in.Track("up")
	if _, ok := in.BestPrices("up"); ok {
		t.Fatal("book without snapshot must be unavailable")
	}
	if err := in.ApplyUpdate("up", 1, nil, nil, time.Now()); !errors.Is(err, domain.ErrStaleBook) {
		t.Fatalf("err = %v, want ErrStaleBook", err)
	}
}

func TestSnapshotAndSequencedUpdates(t *testing.T) {
	in := NewIngestor(testLogger())
	in.Track("up")

	now := time.Now()
	err := in.ApplySnapshot("up", 10,
		[]domain.PriceLevel{lvl("0.40", "100"), lvl("0.42", "50")},
		[]domain.PriceLevel{lvl("0.47", "20"), lvl("0.45", "30")}, now)
	if err != nil {
		t.Fatal(err)
	}

	bp, ok := in.BestPrices("up")
	if !ok || bp.Seq != 10 || !bp.Bid.Equal(decimal.RequireFromString("0.42")) || !bp.Ask.Equal(decimal.RequireFromString("0.45")) {
		t.Fatalf("best prices = %+v ok=%v", bp, ok)
	}

	// Remove the best ask, add a better bid.
	if err := in.ApplyUpdate("up", 11, []domain.PriceLevel{lvl("0.43", "5")}, []domain.PriceLevel{lvl("0.45", "0")}, now); err != nil {
		t.Fatal(err)
	}
	bp, _ = in.BestPrices("up")
	if bp.Seq != 11 || !bp.Bid.Equal(decimal.RequireFromString("0.43")) || !bp.Ask.Equal(decimal.RequireFromString("0.47")) {
		t.Fatalf("after update = %+v", bp)
	}

	book, _ := in.Snapshot("up")
	if len(book.Bids) != 3 || len(book.Asks) != 1 {
		t.Fatalf("ladders = %d bids, %d asks", len(book.Bids), len(book.Asks))
	}
}

func TestReplayRejectedBookStaysFresh(t *testing.T) {
	in := NewIngestor(testLogger())
	in.Track("up")
	in.ApplySnapshot("up", 5, nil, []domain.PriceLevel{lvl("0.5", "10")}, time.Now())

	for _, seq := range []int64{5, 3} {
		if err := in.ApplyUpdate("up", seq, nil, []domain.PriceLevel{lvl("0.1", "1")}, time.Now()); !errors.Is(err, domain.ErrOutOfSequence) {
			t.Fatalf("seq %d: err = %v", seq, err)
		}
	}
	bp, ok := in.BestPrices("up")
	if !ok || bp.Seq != 5 || !bp.Ask.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("book changed by replay: %+v ok=%v", bp, ok)
	}
}

func TestGapMarksStaleAndResyncsOnce(t *testing.T) {
	in := NewIngestor(testLogger())
	rs := &recordingResyncer{}
	in.SetResyncer(rs)
	in.Track("up")
	in.ApplySnapshot("up", 1, nil, nil, time.Now())

	if err := in.ApplyUpdate("up", 3, nil, nil, time.Now()); !errors.Is(err, domain.ErrStaleBook) {
		t.Fatalf("gap err = %v", err)
	}
	if _, ok := in.BestPrices("up"); ok {
		t.Fatal("stale book must be unavailable")
	}
	// Updates while stale are rejected and do not request another resync.
	for seq := int64(2); seq < 6; seq++ {
		if err := in.ApplyUpdate("up", seq, nil, nil, time.Now()); !errors.Is(err, domain.ErrStaleBook) {
			t.Fatalf("seq %d: err = %v", seq, err)
		}
	}
	if rs.count() != 1 {
		t.Fatalf("resync requested %d times, want 1", rs.count())
	}

	// A snapshot recovers the book and re-arms resync.
	in.ApplySnapshot("up", 9, nil, nil, time.Now())
	if err := in.ApplyUpdate("up", 10, nil, nil, time.Now()); err != nil {
		t.Fatalf("after resync: %v", err)
	}
	in.ApplyUpdate("up", 12, nil, nil, time.Now())
	if rs.count() != 2 {
		t.Fatalf("resync requested %d times, want 2", rs.count())
	}
}

func TestMarkStale(t *testing.T) {
	in := NewIngestor(testLogger())
	in.Track("up", "down")
	in.ApplySnapshot("up", 1, nil, nil, time.Now())
	in.ApplySnapshot("down", 1, nil, nil, time.Now())

	in.MarkStale()
	for _, tok := range []string{"up", "down"} {
		book, _ := in.Snapshot(tok)
		if book.State != domain.BookStale || book.Seq != 1 {
			t.Fatalf("%s: %+v", tok, book)
		}
	}
}

func TestListenersSeeEveryAcceptedChange(t *testing.T) {
	in := NewIngestor(testLogger())
	in.Track("up")
	var events []domain.BookEvent
	in.OnUpdate(func(ev domain.BookEvent) { events = append(events, ev) })

	in.ApplySnapshot("up", 1, nil, nil, time.Now())
	in.ApplyUpdate("up", 2, nil, nil, time.Now())
	in.ApplyUpdate("up", 2, nil, nil, time.Now()) // duplicate
	in.ApplyUpdate("up", 4, nil, nil, time.Now()) // gap

	if len(events) != 2 || events[0].Kind != domain.BookEventSnapshot || events[1].Kind != domain.BookEventUpdate || events[1].Seq != 2 {
		t.Fatalf("events = %+v", events)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	in := NewIngestor(testLogger())
	in.Track("up")
	in.ApplySnapshot("up", 1, []domain.PriceLevel{lvl("0.4", "1")}, nil, time.Now())

	book, _ := in.Snapshot("up")
	book.Bids[0].Size = decimal.NewFromInt(999)

	again, _ := in.Snapshot("up")
	if !again.Bids[0].Size.Equal(decimal.NewFromInt(1)) {
		t.Fatal("caller mutation leaked into the ingestor")
	}
}

func TestConcurrentReadersSeeConsistentBooks(t *testing.T) {
	in := NewIngestor(testLogger())
	in.Track("up")
	in.ApplySnapshot("up", 0, []domain.PriceLevel{lvl("0.1", "1")}, []domain.PriceLevel{lvl("0.9", "1")}, time.Now())

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				book, _ := in.Snapshot("up")
				// Every writer keeps exactly one level per side.
				if len(book.Bids) != 1 || len(book.Asks) != 1 {
					t.Errorf("torn book: %+v", book)
					return
				}
			}
		}()
	}

	for seq := int64(1); seq <= 500; seq++ {
		p := decimal.NewFromInt(seq % 9).Div(decimal.NewFromInt(10)).Add(decimal.RequireFromString("0.01"))
		in.ApplySnapshot("up", seq, []domain.PriceLevel{{Price: p, Size: decimal.NewFromInt(1)}},
			[]domain.PriceLevel{{Price: p.Add(decimal.RequireFromString("0.05")), Size: decimal.NewFromInt(1)}}, time.Now())
	}
	close(done)
	wg.Wait()
}

func TestMergeLevelsKeepsOrder(t *testing.T) {
	bids := mergeLevels(nil, []domain.PriceLevel{lvl("0.3", "1"), lvl("0.5", "1"), lvl("0.4", "1")}, true)
	if !bids[0].Price.Equal(decimal.RequireFromString("0.5")) || !bids[2].Price.Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("bids not descending: %+v", bids)
	}
	asks := mergeLevels(nil, []domain.PriceLevel{lvl("0.6", "1"), lvl("0.55", "1")}, false)
	if !asks[0].Price.Equal(decimal.RequireFromString("0.55")) {
		t.Fatalf("asks not ascending: %+v", asks)
	}
	// Same price written as 0.50 and 0.5 is one level.
	merged := mergeLevels(bids, []domain.PriceLevel{lvl("0.50", "7")}, true)
	if len(merged) != 3 || !merged[0].Size.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("merged = %+v", merged)
	}
	if len(bids) != 3 || !bids[0].Size.Equal(decimal.NewFromInt(1)) {
		t.Fatal("input ladder was modified")
	}
}
