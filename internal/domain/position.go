package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the signed net holding of one token. Size is positive for long
// inventory; Notional is the cost basis of that inventory.
type Position struct {
	TokenID   string          `json:"token_id"`
	MarketID  string          `json:"market_id"`
	Size      decimal.Decimal `json:"size"`
	Notional  decimal.Decimal `json:"notional"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RiskLimits are fixed for the lifetime of the process.
type RiskLimits struct {
	MinSpreadBps    decimal.Decimal
	MaxPositionSize decimal.Decimal
	MaxOrderSize    decimal.Decimal
	MinOrderSize    decimal.Decimal
	ReadOnly        bool
}
