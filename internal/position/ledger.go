// Package position keeps the engine's net holdings per token and the size
// reserved by opportunities that are still in flight.
package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

var (
	// ErrPositionLimit means a buy would push a token past the exposure cap.
	ErrPositionLimit = errors.New("position limit reached")
	// ErrInsufficientInventory means a sell needs more than is held.
	ErrInsufficientInventory = errors.New("insufficient inventory")
)

// Observer is told about every position a fill changed.
type Observer func(p domain.Position)

// Ledger is the single owner of position state. Reservations and fills are
// applied under one lock, so a risk check never sees a half-applied fill.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	buys      map[string]decimal.Decimal // reserved buy size per token
	sells     map[string]decimal.Decimal // reserved sell size per token
	observers []Observer
	now       func() time.Time
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[string]domain.Position),
		buys:      make(map[string]decimal.Decimal),
		sells:     make(map[string]decimal.Decimal),
		now:       time.Now,
	}
}

// Load seeds positions, typically from the position store at startup.
func (l *Ledger) Load(positions []domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		l.positions[p.TokenID] = p
	}
}

// Observe registers an observer for committed fills.
func (l *Ledger) Observe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Position returns the current position of a token (zero if none).
func (l *Ledger) Position(tokenID string) domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[tokenID]
	if !ok {
		return domain.Position{TokenID: tokenID}
	}
	return p
}

// Positions returns every non-empty position sorted by token.
func (l *Ledger) Positions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// Reserved returns the size currently reserved on a token for side.
func (l *Ledger) Reserved(tokenID string, side domain.Side) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reservedFor(side)[tokenID]
}

// Reserve reserves up to size on every token for one market, checking and
// reserving atomically. Buys are limited by the exposure limit minus the held position and
// outstanding buy reservations; sells by inventory not already reserved.
// The granted size is the same on every leg and may be less than size. When
// nothing can be granted it returns ErrPositionLimit or
// ErrInsufficientInventory.
func (l *Ledger) Reserve(marketID string, tokens []string, side domain.Side, size, limit decimal.Decimal) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	granted := size
	for _, tok := range tokens {
		held := l.positions[tok].Size
		var room decimal.Decimal
		if side == domain.SideSell {
			room = held.Sub(l.sells[tok])
		} else {
			room = limit.Sub(held).Sub(l.buys[tok])
		}
		granted = decimal.Min(granted, room)
	}

	if !granted.IsPositive() {
		if side == domain.SideSell {
			return nil, fmt.Errorf("position: market %s: %w", marketID, ErrInsufficientInventory)
		}
		return nil, fmt.Errorf("position: market %s: %w", marketID, ErrPositionLimit)
	}

	r := &Reservation{
		ledger:   l,
		marketID: marketID,
		side:     side,
		size:     granted,
		legs:     make(map[string]decimal.Decimal, len(tokens)),
	}
	book := l.reservedFor(side)
	for _, tok := range tokens {
		book[tok] = book[tok].Add(granted)
		r.legs[tok] = granted
	}
	return r, nil
}

func (l *Ledger) applyLocked(marketID, tokenID string, side domain.Side, filled, price decimal.Decimal) domain.Position {
	p := l.positions[tokenID]
	p.TokenID = tokenID
	if p.MarketID == "" {
		p.MarketID = marketID
	}

	if side == domain.SideSell {
		if p.Size.IsPositive() {
			remaining := decimal.Max(p.Size.Sub(filled), decimal.Zero)
			p.Notional = p.Notional.Mul(remaining).Div(p.Size)
		}
		p.Size = p.Size.Sub(filled)
	} else {
		p.Size = p.Size.Add(filled)
		p.Notional = p.Notional.Add(filled.Mul(price))
	}
	p.UpdatedAt = l.now().UTC()
	l.positions[tokenID] = p
	return p
}

func (l *Ledger) reservedFor(side domain.Side) map[string]decimal.Decimal {
	if side == domain.SideSell {
		return l.sells
	}
	return l.buys
}

// releaseLocked drops up to amount of a leg's reservation. Caller holds l.mu.
func (l *Ledger) releaseLocked(r *Reservation, tokenID string, amount decimal.Decimal) {
	left, ok := r.legs[tokenID]
	if !ok {
		return
	}
	amount = decimal.Min(amount, left)
	r.legs[tokenID] = left.Sub(amount)

	book := l.reservedFor(r.side)
	rest := book[tokenID].Sub(amount)
	if rest.IsPositive() {
		book[tokenID] = rest
	} else {
		delete(book, tokenID)
	}
}

// Reservation is headroom set aside for one opportunity's legs.
type Reservation struct {
	ledger   *Ledger
	marketID string
	side     domain.Side
	size     decimal.Decimal
	legs     map[string]decimal.Decimal // remaining reserved size per token
}

// Size is the per-leg size granted.
func (r *Reservation) Size() decimal.Decimal { return r.size }

// Side is the side the reservation was made for.
func (r *Reservation) Side() domain.Side { return r.side }

// Commit applies a fill on one leg and releases the filled part of that
// leg's reservation.
func (r *Reservation) Commit(tokenID string, filled, price decimal.Decimal) domain.Position {
	l := r.ledger
	l.mu.Lock()
	p := l.applyLocked(r.marketID, tokenID, r.side, filled, price)
	l.releaseLocked(r, tokenID, filled)
	observers := l.observers
	l.mu.Unlock()

	for _, o := range observers {
		o(p)
	}
	return p
}

// Release drops whatever is still reserved. Safe to call more than once.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	for tok, left := range r.legs {
		l.releaseLocked(r, tok, left)
	}
}
