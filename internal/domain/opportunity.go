package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityKind says which side of the complementary pair is mispriced.
type OpportunityKind string

const (
	// OpportunityBuyBoth: the two asks sum to less than one.
	OpportunityBuyBoth OpportunityKind = "buy_both"
	// OpportunitySellBoth: the two bids sum to more than one. Only tradable
	// against inventory already held.
	OpportunitySellBoth OpportunityKind = "sell_both"
)

// Side returns the order side every leg of the opportunity trades.
func (k OpportunityKind) Side() Side {
	if k == OpportunitySellBoth {
		return SideSell
	}
	return SideBuy
}

// OpportunityState is the lifecycle of an opportunity.
type OpportunityState string

const (
	OppDetected   OpportunityState = "detected"
	OppApproved   OpportunityState = "approved"
	OppDispatched OpportunityState = "dispatched"
	OppConfirmed  OpportunityState = "confirmed"
	OppRejected   OpportunityState = "rejected"
	OppExpired    OpportunityState = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s OpportunityState) Terminal() bool {
	switch s {
	case OppConfirmed, OppRejected, OppExpired:
		return true
	}
	return false
}

// Active reports whether the opportunity still holds its market's debounce slot.
func (s OpportunityState) Active() bool {
	switch s {
	case OppDetected, OppApproved, OppDispatched:
		return true
	}
	return false
}

var oppTransitions = map[OpportunityState][]OpportunityState{
	OppDetected:   {OppApproved, OppRejected, OppExpired},
	OppApproved:   {OppDispatched, OppRejected, OppExpired},
	OppDispatched: {OppConfirmed, OppRejected, OppExpired},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to OpportunityState) bool {
	for _, s := range oppTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OpportunityLeg is the top-of-book quote a leg was priced from.
type OpportunityLeg struct {
	TokenID string          `json:"token_id"`
	Price   decimal.Decimal `json:"price"`
	Depth   decimal.Decimal `json:"depth"`
	Seq     int64           `json:"seq"`
}

// Opportunity is a detected mispricing across a market's complementary tokens.
type Opportunity struct {
	ID              string            `json:"id"`
	MarketID        string            `json:"market_id"`
	Kind            OpportunityKind   `json:"kind"`
	Legs            [2]OpportunityLeg `json:"legs"`
	CombinedPrice   decimal.Decimal   `json:"combined_price"`
	SpreadBps       decimal.Decimal   `json:"spread_bps"`
	EstimatedProfit decimal.Decimal   `json:"estimated_profit"`
	RequestedSize   decimal.Decimal   `json:"requested_size"`
	ApprovedSize    decimal.Decimal   `json:"approved_size"`
	State           OpportunityState  `json:"state"`
	Reason          ReasonCode        `json:"reason,omitempty"`
	DetectedAt      time.Time         `json:"detected_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Expired reports whether the time-to-live has elapsed at now.
func (o *Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Depth is the size available on both legs at the quoted prices.
func (o *Opportunity) Depth() decimal.Decimal {
	return decimal.Min(o.Legs[0].Depth, o.Legs[1].Depth)
}
