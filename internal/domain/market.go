package domain

import "time"

// Market is a binary up/down market over a fixed window. Exactly one of the
// two tokens settles at 1, the other at 0.
type Market struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug,omitempty"`
	UpToken   string    `json:"up_token"`
	DownToken string    `json:"down_token"`
	Expiry    time.Time `json:"expiry"`
}

// Tokens returns the complementary pair, up first.
func (m Market) Tokens() [2]string {
	return [2]string{m.UpToken, m.DownToken}
}

// Has reports whether tokenID belongs to the market.
func (m Market) Has(tokenID string) bool {
	return tokenID == m.UpToken || tokenID == m.DownToken
}

// Expired reports whether the market window has closed at now.
func (m Market) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && !now.Before(m.Expiry)
}
