package arbitrage

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

var (
	one      = decimal.NewFromInt(1)
	bpsScale = decimal.NewFromInt(10000)
)

// Params configures the complementary-pair check.
type Params struct {
	FeeMarginBps decimal.Decimal // expected fees and slippage, per unit of payout
	MinSpreadBps decimal.Decimal // edge required on top of the fee margin
	OrderSize    decimal.Decimal // size requested per leg before depth clamping
	BidSide      bool            // also look for bids summing above one
}

// Evaluate checks whether a market's two books form a profitable pair. It is
// a pure function of its inputs: the returned opportunity carries prices,
// spread, profit and requested size but no ID, state or timestamps.
//
// Ask side: exactly one token pays out 1, so buying both for
// askUp+askDown < 1-feeMargin-minSpread locks in the difference.
// Bid side: selling both for bidUp+bidDown > 1+feeMargin+minSpread does the
// same against held inventory.
func Evaluate(m domain.Market, up, down domain.BestPrices, p Params) (domain.Opportunity, bool) {
	fee := p.FeeMarginBps.Div(bpsScale)
	minSpread := p.MinSpreadBps.Div(bpsScale)

	if up.HasAsk() && down.HasAsk() {
		combined := up.Ask.Add(down.Ask)
		if combined.LessThan(one.Sub(fee).Sub(minSpread)) {
			edge := one.Sub(combined)
			return build(m, domain.OpportunityBuyBoth,
				domain.OpportunityLeg{TokenID: up.TokenID, Price: up.Ask, Depth: up.AskSize, Seq: up.Seq},
				domain.OpportunityLeg{TokenID: down.TokenID, Price: down.Ask, Depth: down.AskSize, Seq: down.Seq},
				combined, edge, fee, p.OrderSize)
		}
	}

	if p.BidSide && up.HasBid() && down.HasBid() {
		combined := up.Bid.Add(down.Bid)
		if combined.GreaterThan(one.Add(fee).Add(minSpread)) {
			edge := combined.Sub(one)
			return build(m, domain.OpportunitySellBoth,
				domain.OpportunityLeg{TokenID: up.TokenID, Price: up.Bid, Depth: up.BidSize, Seq: up.Seq},
				domain.OpportunityLeg{TokenID: down.TokenID, Price: down.Bid, Depth: down.BidSize, Seq: down.Seq},
				combined, edge, fee, p.OrderSize)
		}
	}

	return domain.Opportunity{}, false
}

func build(m domain.Market, kind domain.OpportunityKind, upLeg, downLeg domain.OpportunityLeg,
	combined, edge, fee, orderSize decimal.Decimal) (domain.Opportunity, bool) {

	size := decimal.Min(orderSize, upLeg.Depth, downLeg.Depth)
	if !size.IsPositive() {
		return domain.Opportunity{}, false
	}

	return domain.Opportunity{
		MarketID:        m.ID,
		Kind:            kind,
		Legs:            [2]domain.OpportunityLeg{upLeg, downLeg},
		CombinedPrice:   combined,
		SpreadBps:       edge.Mul(bpsScale),
		EstimatedProfit: edge.Sub(fee).Mul(size),
		RequestedSize:   size,
	}, true
}
