package signing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/platform/polymarket"
)

// classify turns the exchange's answer to a post-order call into a result.
func classify(intent domain.OrderIntent, resp polymarket.APIOrderResult, err error) domain.ExecutionResult {
	key := intent.IdempotencyKey
	if err != nil {
		return classifyError(key, err)
	}

	if !resp.Success {
		msg := resp.ErrorMsg
		if msg == "" {
			msg = "order not accepted"
		}
		if resp.ShouldRetry {
			return domain.Failure(key, domain.ReasonTransport, msg)
		}
		return domain.Failure(key, domain.ReasonExchangeRejected, msg)
	}

	res := domain.ExecutionResult{
		IdempotencyKey: key,
		OrderID:        resp.OrderID,
		FilledSize:     resp.FilledSize(intent.Side),
		AvgPrice:       avgPrice(intent, resp),
		SubmittedAt:    time.Now().UTC(),
	}
	switch strings.ToLower(resp.Status) {
	case "matched":
		res.Outcome = domain.OutcomeFilled
		if !res.FilledSize.IsPositive() {
			res.FilledSize = intent.Size
		}
	default:
		// live, delayed, unmatched: accepted but resting or still matching.
		res.Outcome = domain.OutcomePartiallyFilled
	}
	return res
}

// classifyOrder turns an order read back from the exchange into a result.
func classifyOrder(intent domain.OrderIntent, order polymarket.APIOrder) domain.ExecutionResult {
	res := domain.ExecutionResult{
		IdempotencyKey: intent.IdempotencyKey,
		OrderID:        order.ID,
		FilledSize:     order.Matched(),
		AvgPrice:       intent.Price,
		SubmittedAt:    time.Now().UTC(),
	}
	if p, err := decimal.NewFromString(order.Price); err == nil && p.IsPositive() {
		res.AvgPrice = p
	}

	switch {
	case strings.EqualFold(order.Status, "matched"), res.FilledSize.GreaterThanOrEqual(intent.Size):
		res.Outcome = domain.OutcomeFilled
		if !res.FilledSize.IsPositive() {
			res.FilledSize = intent.Size
		}
	case order.Resting(), res.FilledSize.IsPositive():
		res.Outcome = domain.OutcomePartiallyFilled
	default:
		out := domain.Failure(intent.IdempotencyKey, domain.ReasonExchangeRejected,
			"order "+strings.ToLower(order.Status)+" without a fill")
		out.OrderID = order.ID
		return out
	}
	return res
}

// ambiguous reports whether a failed post leaves it unknown if the exchange
// took the order: the request went out but no definite answer came back.
func ambiguous(err error) bool {
	if err == nil || errors.Is(err, domain.ErrUnauthorized) {
		return false
	}
	if apiErr, ok := polymarket.IsAPIError(err); ok {
		return apiErr.StatusCode >= 500
	}
	return true
}

// duplicateRefusal reports whether the exchange refused an order because it
// already holds one with the same hash.
func duplicateRefusal(res domain.ExecutionResult) bool {
	if res.Code != domain.ReasonExchangeRejected {
		return false
	}
	msg := strings.ToLower(res.Message)
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already exists")
}

func classifyError(key string, err error) domain.ExecutionResult {
	msg := err.Error()
	if apiErr, ok := polymarket.IsAPIError(err); ok {
		msg = apiErr.Message
	}

	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return domain.Failure(key, domain.ReasonAuthFailed, msg)
	case errors.Is(err, domain.ErrRateLimited):
		return domain.Failure(key, domain.ReasonRateLimited, msg)
	case errors.Is(err, domain.ErrTransient):
		return domain.Failure(key, domain.ReasonTransport, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Failure(key, domain.ReasonTimeout, msg)
	}

	if apiErr, ok := polymarket.IsAPIError(err); ok {
		if apiErr.ShouldRetry {
			return domain.Failure(key, domain.ReasonTransport, msg)
		}
		return domain.Failure(key, domain.ReasonExchangeRejected, msg)
	}
	// No HTTP answer at all: connection refused, reset, DNS.
	return domain.Failure(key, domain.ReasonTransport, msg)
}

// avgPrice derives the execution price from the matched amounts, falling
// back to the limit price.
func avgPrice(intent domain.OrderIntent, resp polymarket.APIOrderResult) decimal.Decimal {
	making, err1 := decimal.NewFromString(resp.MakingAmount)
	taking, err2 := decimal.NewFromString(resp.TakingAmount)
	if err1 != nil || err2 != nil || !making.IsPositive() || !taking.IsPositive() {
		return intent.Price
	}
	if intent.Side == domain.SideSell {
		// Making shares, taking USDC.
		return taking.Div(making).Round(6)
	}
	return making.Div(taking).Round(6)
}

// terminal reports whether res should be remembered for its key.
func terminal(res domain.ExecutionResult) bool {
	if res.Retryable {
		return false
	}
	return res.Code != domain.ReasonReadOnly
}
