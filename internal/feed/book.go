package feed

import (
	"sort"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// buildLadder returns a sorted copy of levels without empty entries. Bids
// sort descending, asks ascending. A repeated price keeps the last size.
func buildLadder(levels []domain.PriceLevel, desc bool) []domain.PriceLevel {
	return mergeLevels(nil, levels, desc)
}

// mergeLevels applies deltas to a sorted ladder and returns a new ladder.
// A delta with size zero removes the price level. cur is never modified.
func mergeLevels(cur, deltas []domain.PriceLevel, desc bool) []domain.PriceLevel {
	if len(deltas) == 0 {
		return cur
	}

	byPrice := make(map[string]domain.PriceLevel, len(cur)+len(deltas))
	for _, lvl := range cur {
		byPrice[lvl.Price.String()] = lvl
	}
	for _, d := range deltas {
		key := d.Price.String()
		if !d.Size.IsPositive() {
			delete(byPrice, key)
			continue
		}
		byPrice[key] = d
	}

	out := make([]domain.PriceLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

func copyBook(b *domain.OrderBook) domain.OrderBook {
	cp := *b
	cp.Bids = append([]domain.PriceLevel(nil), b.Bids...)
	cp.Asks = append([]domain.PriceLevel(nil), b.Asks...)
	return cp
}
