package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the result class of a submission.
type Outcome string

const (
	OutcomeFilled          Outcome = "filled"
	OutcomePartiallyFilled Outcome = "partially_filled"
	OutcomeRejected        Outcome = "rejected"
	OutcomeFailed          Outcome = "failed"
)

// ReasonCode is a stable, wire-visible code for a rejection or failure.
type ReasonCode string

const (
	ReasonNone                  ReasonCode = ""
	ReasonSpreadBelowMin        ReasonCode = "spread_below_min"
	ReasonSizeBelowMin          ReasonCode = "size_below_min"
	ReasonInsufficientDepth     ReasonCode = "insufficient_depth"
	ReasonPositionLimit         ReasonCode = "position_limit"
	ReasonInsufficientInventory ReasonCode = "insufficient_inventory"
	ReasonMarketExpired         ReasonCode = "market_expired"
	ReasonReadOnly              ReasonCode = "read_only"
	ReasonOpportunityExpired    ReasonCode = "opportunity_expired"
	ReasonRetryExhausted        ReasonCode = "retry_exhausted"
	ReasonAuthFailed            ReasonCode = "auth_failed"
	ReasonInvalidOrder          ReasonCode = "invalid_order"
	ReasonExchangeRejected      ReasonCode = "exchange_rejected"
	ReasonRateLimited           ReasonCode = "rate_limited"
	ReasonTransport             ReasonCode = "transport_error"
	ReasonTimeout               ReasonCode = "timeout"
	ReasonOverloaded            ReasonCode = "overloaded"
	ReasonLegFailed             ReasonCode = "leg_failed"
	ReasonCancelled             ReasonCode = "cancelled"
)

// FailureClass tells an operator whether a terminal failure heals by itself.
type FailureClass string

const (
	ClassNone               FailureClass = "none"
	ClassRetryableExhausted FailureClass = "retryable_exhausted"
	ClassNonRetryable       FailureClass = "non_retryable"
	ClassExchangeRejected   FailureClass = "exchange_rejected"
)

// Retryable reports whether a failure with this code may succeed when the
// same request is sent again.
func (c ReasonCode) Retryable() bool {
	switch c {
	case ReasonRateLimited, ReasonTransport, ReasonTimeout, ReasonOverloaded:
		return true
	}
	return false
}

// Class maps a code to its operator-facing failure class.
func (c ReasonCode) Class() FailureClass {
	switch {
	case c == ReasonNone:
		return ClassNone
	case c == ReasonRetryExhausted || c.Retryable():
		return ClassRetryableExhausted
	case c == ReasonExchangeRejected || c == ReasonInsufficientInventory:
		return ClassExchangeRejected
	default:
		return ClassNonRetryable
	}
}

// ExecutionResult is the outcome of one submitted intent.
type ExecutionResult struct {
	IdempotencyKey string          `json:"idempotency_key"`
	OrderID        string          `json:"order_id,omitempty"`
	Outcome        Outcome         `json:"outcome"`
	FilledSize     decimal.Decimal `json:"filled_size"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Code           ReasonCode      `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
	Retryable      bool            `json:"retryable"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// Success reports whether the exchange accepted the order.
func (r ExecutionResult) Success() bool {
	return r.Outcome == OutcomeFilled || r.Outcome == OutcomePartiallyFilled
}

// Failure builds a failed or rejected result for key with the given code.
func Failure(key string, code ReasonCode, msg string) ExecutionResult {
	out := OutcomeRejected
	if code.Retryable() {
		out = OutcomeFailed
	}
	return ExecutionResult{
		IdempotencyKey: key,
		Outcome:        out,
		Code:           code,
		Message:        msg,
		Retryable:      code.Retryable(),
		FilledSize:     decimal.Zero,
		SubmittedAt:    time.Now().UTC(),
	}
}
