package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/platform/polymarket"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeExchange answers every subscription with a snapshot per asset. The
// first snapshot for each connection is followed by an update that skips a
// sequence number.
func fakeExchange(t *testing.T, subscriptions *atomic.Int32) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		seq := int64(10)
		for {
			var cmd polymarket.WSCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			n := subscriptions.Add(1)
			for _, asset := range cmd.Assets {
				snap := fmt.Sprintf(`{"event_type":"book","asset_id":%q,"sequence":%d,"bids":[{"price":"0.4","size":"10"}],"asks":[{"price":"0.45","size":"10"}]}`, asset, seq)
				conn.WriteMessage(websocket.TextMessage, []byte(snap))
				if n == 1 {
					gap := fmt.Sprintf(`{"event_type":"update","asset_id":%q,"sequence":%d}`, asset, seq+2)
					conn.WriteMessage(websocket.TextMessage, []byte(gap))
				}
			}
			seq += 10
		}
	}))
}

func TestFeedResyncsAfterGap(t *testing.T) {
	var subs atomic.Int32
	srv := fakeExchange(t, &subs)
	defer srv.Close()

	in := NewIngestor(testLogger())
	in.Track("tok")
	f := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), in, FeedOptions{}, testLogger())
	in.SetResyncer(f)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx) }()

	waitFor(t, "resync snapshot", func() bool {
		book, _ := in.Snapshot("tok")
		return book.State == domain.BookFresh && book.Seq == 20
	})
	if subs.Load() != 2 {
		t.Fatalf("subscriptions = %d, want initial + resync", subs.Load())
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	book, _ := in.Snapshot("tok")
	if book.State != domain.BookStale {
		t.Fatal("books must be stale after the feed stops")
	}
}

func TestFeedReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		var cmd polymarket.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(fmt.Sprintf(`{"event_type":"book","asset_id":"tok","sequence":%d}`, n)))
		if n == 1 {
			return // drop the first session
		}
		conn.ReadMessage()
	}))
	defer srv.Close()

	in := NewIngestor(testLogger())
	in.Track("tok")
	f := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), in,
		FeedOptions{ReconnectBase: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitFor(t, "second session snapshot", func() bool {
		book, _ := in.Snapshot("tok")
		return book.Seq == 2 && book.State == domain.BookFresh
	})
}
