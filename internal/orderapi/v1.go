// Package orderapi is the versioned wire contract between the engine's
// dispatcher and the signing service, plus the HTTP client the dispatcher
// uses to speak it.
package orderapi

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Version is the contract version. Both sides send it in VersionHeader.
const Version = "v1"

// VersionHeader carries Version on every request and response.
const VersionHeader = "X-Contract-Version"

// OrderRequest is one leg to sign and submit. Decimals travel as strings.
type OrderRequest struct {
	TokenID        string `json:"tokenId"`
	Side           string `json:"side"`
	Price          string `json:"price"`
	Size           string `json:"size"`
	OrderType      string `json:"orderType"`
	Expiration     int64  `json:"expiration,omitempty"` // unix seconds, GTD only
	IdempotencyKey string `json:"idempotencyKey"`
	OpportunityID  string `json:"opportunityId,omitempty"`
	MarketID       string `json:"marketId,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
}

// OrderResponse is the outcome of a submission or lookup.
type OrderResponse struct {
	Success        bool   `json:"success"`
	IdempotencyKey string `json:"idempotencyKey"`
	OrderID        string `json:"orderId,omitempty"`
	FilledSize     string `json:"filledSize,omitempty"`
	AvgPrice       string `json:"avgPrice,omitempty"`
	Outcome        string `json:"outcome"`
	ErrorCode      string `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	Retryable      bool   `json:"retryable"`
	SubmittedAt    string `json:"submittedAt,omitempty"`
}

// PendingResponse is returned with 202 while a key is still in flight.
type PendingResponse struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Status         string `json:"status"`
}

// CancelResponse is the body of a successful DELETE /v1/order/{orderId}.
// FilledSize is how much of the order filled before it left the book.
type CancelResponse struct {
	OrderID    string `json:"orderId"`
	Status     string `json:"status"`
	FilledSize string `json:"filledSize"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Wallet   string `json:"wallet,omitempty"`
	ReadOnly bool   `json:"readOnly"`

	// Checks maps each backend probe to "ok" or its error.
	Checks map[string]string `json:"checks,omitempty"`
}

// FromIntent encodes an intent for the wire.
func FromIntent(in domain.OrderIntent) OrderRequest {
	req := OrderRequest{
		TokenID:        in.TokenID,
		Side:           string(in.Side),
		Price:          in.Price.String(),
		Size:           in.Size.String(),
		OrderType:      string(in.TimeInForce),
		IdempotencyKey: in.IdempotencyKey,
		OpportunityID:  in.OpportunityID,
		MarketID:       in.MarketID,
		Attempt:        in.Attempt,
	}
	if !in.Expiration.IsZero() {
		req.Expiration = in.Expiration.Unix()
	}
	return req
}

// Intent decodes and validates the request. Errors wrap
// domain.ErrInvalidOrder.
func (r OrderRequest) Intent() (domain.OrderIntent, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return domain.OrderIntent{}, fmt.Errorf("%w: price %q", domain.ErrInvalidOrder, r.Price)
	}
	size, err := decimal.NewFromString(r.Size)
	if err != nil {
		return domain.OrderIntent{}, fmt.Errorf("%w: size %q", domain.ErrInvalidOrder, r.Size)
	}
	tif := domain.TimeInForce(r.OrderType)
	if tif == "" {
		tif = domain.FillOrKill
	}

	in := domain.OrderIntent{
		IdempotencyKey: r.IdempotencyKey,
		OpportunityID:  r.OpportunityID,
		MarketID:       r.MarketID,
		TokenID:        r.TokenID,
		Side:           domain.Side(r.Side),
		Price:          price,
		Size:           size,
		TimeInForce:    tif,
		Attempt:        r.Attempt,
	}
	if r.Expiration > 0 {
		in.Expiration = time.Unix(r.Expiration, 0).UTC()
	}
	if err := in.Validate(); err != nil {
		return domain.OrderIntent{}, err
	}
	return in, nil
}

// FromResult encodes a result for the wire.
func FromResult(res domain.ExecutionResult) OrderResponse {
	resp := OrderResponse{
		Success:        res.Success(),
		IdempotencyKey: res.IdempotencyKey,
		OrderID:        res.OrderID,
		Outcome:        string(res.Outcome),
		ErrorCode:      string(res.Code),
		ErrorMessage:   res.Message,
		Retryable:      res.Retryable,
	}
	if !res.FilledSize.IsZero() {
		resp.FilledSize = res.FilledSize.String()
	}
	if !res.AvgPrice.IsZero() {
		resp.AvgPrice = res.AvgPrice.String()
	}
	if !res.SubmittedAt.IsZero() {
		resp.SubmittedAt = res.SubmittedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

// Result decodes the response. Unparseable amounts decode as zero.
func (r OrderResponse) Result() domain.ExecutionResult {
	res := domain.ExecutionResult{
		IdempotencyKey: r.IdempotencyKey,
		OrderID:        r.OrderID,
		Outcome:        domain.Outcome(r.Outcome),
		FilledSize:     parseDecimal(r.FilledSize),
		AvgPrice:       parseDecimal(r.AvgPrice),
		Code:           domain.ReasonCode(r.ErrorCode),
		Message:        r.ErrorMessage,
		Retryable:      r.Retryable,
	}
	if t, err := time.Parse(time.RFC3339Nano, r.SubmittedAt); err == nil {
		res.SubmittedAt = t
	}
	return res
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
