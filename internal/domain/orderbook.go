package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is a single price/size entry in an order book ladder.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookState tells whether a book may be used for pricing.
type BookState int

const (
	// BookStale is the initial state and the state after a sequence gap or a
	// feed disconnect. A stale book is never priced.
	BookStale BookState = iota
	BookFresh
)

func (s BookState) String() string {
	if s == BookFresh {
		return "fresh"
	}
	return "stale"
}

// OrderBook is an immutable view of one token's book. Bids are sorted
// descending by price, asks ascending. Writers replace the whole value.
type OrderBook struct {
	TokenID   string       `json:"token_id"`
	Seq       int64        `json:"seq"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	State     BookState    `json:"state"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// BestBid returns the top bid level, if any.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// BestPrices is the top of book for a token plus the sequence it came from.
// A zero price means that side of the book is empty.
type BestPrices struct {
	TokenID   string
	Bid       decimal.Decimal
	BidSize   decimal.Decimal
	Ask       decimal.Decimal
	AskSize   decimal.Decimal
	Seq       int64
	UpdatedAt time.Time
}

// HasAsk reports whether the ask side had a level.
func (p BestPrices) HasAsk() bool { return p.Ask.IsPositive() && p.AskSize.IsPositive() }

// HasBid reports whether the bid side had a level.
func (p BestPrices) HasBid() bool { return p.Bid.IsPositive() && p.BidSize.IsPositive() }

// BookEventKind distinguishes full snapshots from sequenced deltas.
type BookEventKind string

const (
	BookEventSnapshot BookEventKind = "snapshot"
	BookEventUpdate   BookEventKind = "update"
)

// BookEvent is the change notification published for every accepted update.
type BookEvent struct {
	TokenID string
	Seq     int64
	Kind    BookEventKind
	At      time.Time
}
