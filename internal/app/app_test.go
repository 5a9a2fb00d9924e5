package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWireWithoutBackends(t *testing.T) {
	cfg := config.Defaults()
	deps, cleanup, err := Wire(context.Background(), &cfg, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	if deps.OpportunityStore != nil || deps.ResultCache != nil || deps.Archiver != nil {
		t.Fatal("disabled backends must stay nil")
	}
	if deps.Notifier == nil || deps.Notifier.Enabled() {
		t.Fatal("notifier should exist without senders")
	}
}

func TestArchiveJobRequiresArchiver(t *testing.T) {
	cfg := config.Defaults()
	cfg.Archive.Enabled = true
	a := New(&cfg, discard())
	if job := a.archiveJob(&Dependencies{}); job != nil {
		t.Fatal("archive job without an archiver")
	}
}

func TestRiskLimitsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Risk.MinSpreadBps = 50
	cfg.Risk.MaxPositionSize = 500
	cfg.Risk.ReadOnly = true

	l := riskLimits(&cfg)
	if !l.MinSpreadBps.Equal(decimal.NewFromInt(50)) || !l.MaxPositionSize.Equal(decimal.NewFromInt(500)) || !l.ReadOnly {
		t.Fatalf("limits = %+v", l)
	}
	p := detectorParams(&cfg)
	if !p.MinSpreadBps.Equal(l.MinSpreadBps) {
		t.Fatal("detector and risk must share the spread threshold")
	}
}

func TestDispatcherConfigNormalisesTimeInForce(t *testing.T) {
	cfg := config.Defaults()
	cfg.Dispatcher.TimeInForce = "gtc"
	if got := dispatcherConfig(&cfg).TimeInForce; got != domain.GoodTillCancelled {
		t.Fatalf("tif = %s", got)
	}
}

func TestDispatcherTokenFallsBackToSignerToken(t *testing.T) {
	cfg := config.Defaults()
	cfg.Signer.APIToken = crypto.NewSecret("shared")
	a := New(&cfg, discard())
	if !a.dispatcherToken().Equal("shared") {
		t.Fatal("expected signer token")
	}

	cfg.Dispatcher.APIToken = crypto.NewSecret("own")
	if !a.dispatcherToken().Equal("own") {
		t.Fatal("expected dispatcher token")
	}
}

func TestIgnoreCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	boom := errors.New("boom")

	if err := ignoreCancel(context.Background(), boom); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	<-ctx.Done()
	if err := ignoreCancel(ctx, boom); err != nil {
		t.Fatalf("err = %v", err)
	}
}
