package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alanyoungcy/polyarb/internal/crypto"
)

type recordingSender struct {
	name string
	err  error
	got  []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.got = append(r.got, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventAuthFailed, " "}, discard())

	if err := n.Notify(context.Background(), EventPartialExecution, "partial", "m"); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), EventAuthFailed, "auth", "m"); err != nil {
		t.Fatal(err)
	}
	if len(s.got) != 1 || s.got[0] != "auth" {
		t.Fatalf("sent = %v", s.got)
	}
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discard())
	_ = n.Notify(context.Background(), "anything", "t", "m")
	if len(s.got) != 1 {
		t.Fatalf("sent = %v", s.got)
	}
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.NotifyAll(context.Background(), "t", "m")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(good.got) != 1 {
		t.Fatal("second sender skipped")
	}
}

func TestTelegramSender(t *testing.T) {
	var path string
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	s := NewTelegramSender(crypto.NewSecret("123:abc"), "42").WithBaseURL(srv.URL)
	if err := s.Send(context.Background(), "Title", "body"); err != nil {
		t.Fatal(err)
	}
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %s", path)
	}
	if payload["chat_id"] != "42" || payload["text"] != "*Title*\nbody" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDiscordSenderErrorHidesWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad payload"))
	}))
	defer srv.Close()

	s := NewDiscordSender(crypto.NewSecret(srv.URL + "/api/webhooks/secret-token"))
	err := s.Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatal("error leaks webhook url")
	}
}
