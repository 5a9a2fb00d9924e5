package arbitrage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testMarket = domain.Market{ID: "m1", UpToken: "up", DownToken: "down", Expiry: time.Now().Add(time.Hour)}

func asks(tok, price, size string) domain.BestPrices {
	return domain.BestPrices{TokenID: tok, Ask: d(price), AskSize: d(size), Seq: 1}
}

func TestEvaluateExampleScenario(t *testing.T) {
	p := Params{MinSpreadBps: d("50"), OrderSize: d("10")}
	opp, ok := Evaluate(testMarket, asks("up", "0.50", "10"), asks("down", "0.45", "10"), p)
	if !ok {
		t.Fatal("expected an opportunity")
	}
	if !opp.CombinedPrice.Equal(d("0.95")) || !opp.SpreadBps.Equal(d("500")) {
		t.Fatalf("combined=%s spread=%s", opp.CombinedPrice, opp.SpreadBps)
	}
	if opp.Kind != domain.OpportunityBuyBoth || !opp.RequestedSize.Equal(d("10")) {
		t.Fatalf("kind=%s size=%s", opp.Kind, opp.RequestedSize)
	}
	if !opp.EstimatedProfit.Equal(d("0.5")) {
		t.Fatalf("profit = %s", opp.EstimatedProfit)
	}
	if opp.Legs[0].TokenID != "up" || !opp.Legs[1].Price.Equal(d("0.45")) {
		t.Fatalf("legs = %+v", opp.Legs)
	}
}

func TestEvaluateThreshold(t *testing.T) {
	tests := []struct {
		name      string
		up, down  string
		fee, min  string
		wantFound bool
	}{
		{"below min spread", "0.50", "0.496", "0", "50", false},
		{"exactly at threshold", "0.50", "0.495", "0", "50", false},
		{"just inside", "0.50", "0.494", "0", "50", true},
		{"fee margin eats the edge", "0.50", "0.45", "460", "50", false},
		{"fee margin leaves edge", "0.50", "0.45", "400", "50", true},
		{"sum above one", "0.55", "0.50", "0", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{FeeMarginBps: d(tt.fee), MinSpreadBps: d(tt.min), OrderSize: d("10")}
			opp, ok := Evaluate(testMarket, asks("up", tt.up, "10"), asks("down", tt.down, "10"), p)
			if ok != tt.wantFound {
				t.Fatalf("found=%v, want %v", ok, tt.wantFound)
			}
			if ok && opp.SpreadBps.LessThan(d(tt.min)) {
				t.Fatalf("emitted spread %s below min %s", opp.SpreadBps, tt.min)
			}
		})
	}
}

func TestEvaluateClampsToDepth(t *testing.T) {
	p := Params{MinSpreadBps: d("50"), OrderSize: d("10")}
	opp, ok := Evaluate(testMarket, asks("up", "0.40", "3"), asks("down", "0.40", "7"), p)
	if !ok || !opp.RequestedSize.Equal(d("3")) || !opp.Depth().Equal(d("3")) {
		t.Fatalf("size=%s ok=%v", opp.RequestedSize, ok)
	}
}

func TestEvaluateMissingAsk(t *testing.T) {
	p := Params{MinSpreadBps: d("50"), OrderSize: d("10")}
	if _, ok := Evaluate(testMarket, asks("up", "0.40", "3"), domain.BestPrices{TokenID: "down"}, p); ok {
		t.Fatal("empty ask side must not produce an opportunity")
	}
}

func TestEvaluateBidSide(t *testing.T) {
	up := domain.BestPrices{TokenID: "up", Bid: d("0.56"), BidSize: d("5"), Ask: d("0.60"), AskSize: d("5")}
	down := domain.BestPrices{TokenID: "down", Bid: d("0.50"), BidSize: d("8"), Ask: d("0.52"), AskSize: d("5")}

	p := Params{MinSpreadBps: d("50"), OrderSize: d("10")}
	if _, ok := Evaluate(testMarket, up, down, p); ok {
		t.Fatal("bid side is off by default")
	}

	p.BidSide = true
	opp, ok := Evaluate(testMarket, up, down, p)
	if !ok || opp.Kind != domain.OpportunitySellBoth {
		t.Fatalf("ok=%v kind=%s", ok, opp.Kind)
	}
	if !opp.SpreadBps.Equal(d("600")) || !opp.RequestedSize.Equal(d("5")) || opp.Kind.Side() != domain.SideSell {
		t.Fatalf("spread=%s size=%s", opp.SpreadBps, opp.RequestedSize)
	}
}
