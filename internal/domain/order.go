package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction as the exchange spells it.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TimeInForce is the order lifetime policy.
type TimeInForce string

const (
	FillOrKill        TimeInForce = "FOK"
	GoodTillCancelled TimeInForce = "GTC"
	GoodTillDate      TimeInForce = "GTD"
)

// Valid reports whether t is a supported time-in-force.
func (t TimeInForce) Valid() bool {
	switch t {
	case FillOrKill, GoodTillCancelled, GoodTillDate:
		return true
	}
	return false
}

var (
	minPrice = decimal.Zero
	maxPrice = decimal.NewFromInt(1)
)

// OrderIntent is one leg handed across the signing boundary. It is immutable
// once sent; retries resend the same value.
type OrderIntent struct {
	IdempotencyKey string          `json:"idempotency_key"`
	OpportunityID  string          `json:"opportunity_id,omitempty"`
	MarketID       string          `json:"market_id,omitempty"`
	TokenID        string          `json:"token_id"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Expiration     time.Time       `json:"expiration,omitempty"`
	Attempt        int             `json:"attempt"`
}

// Validate checks the intent is well formed. Errors wrap ErrInvalidOrder.
func (i OrderIntent) Validate() error {
	switch {
	case i.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key required", ErrInvalidOrder)
	case i.TokenID == "":
		return fmt.Errorf("%w: token id required", ErrInvalidOrder)
	case i.Side != SideBuy && i.Side != SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, i.Side)
	case !i.Price.GreaterThan(minPrice) || !i.Price.LessThan(maxPrice):
		return fmt.Errorf("%w: price %s outside (0, 1)", ErrInvalidOrder, i.Price)
	case !i.Size.IsPositive():
		return fmt.Errorf("%w: size %s must be positive", ErrInvalidOrder, i.Size)
	case !i.TimeInForce.Valid():
		return fmt.Errorf("%w: time in force %q", ErrInvalidOrder, i.TimeInForce)
	case i.TimeInForce == GoodTillDate && i.Expiration.IsZero():
		return fmt.Errorf("%w: GTD order needs an expiration", ErrInvalidOrder)
	}
	return nil
}

// Notional is price times size.
func (i OrderIntent) Notional() decimal.Decimal {
	return i.Price.Mul(i.Size)
}
