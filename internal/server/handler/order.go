package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orderapi"
)

// maxOrderBody bounds a submission request body.
const maxOrderBody = 64 << 10

// Signer is what the order handler needs from the signing service.
type Signer interface {
	Submit(ctx context.Context, intent domain.OrderIntent) (domain.ExecutionResult, error)
	Lookup(ctx context.Context, key string) (domain.ExecutionResult, bool, error)
	Cancel(ctx context.Context, orderID string) (decimal.Decimal, error)
}

// OrderHandler serves the order endpoints of the v1 contract.
type OrderHandler struct {
	signer Signer
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given signer and logger.
func NewOrderHandler(signer Signer, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		signer: signer,
		logger: logger.With(slog.String("handler", "order")),
	}
}

// Submit signs and submits one order intent. Every processed submission
// answers 200 with the outcome in the body, except an overloaded signer
// which answers 503.
// POST /v1/order
func (h *OrderHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if v := r.Header.Get(orderapi.VersionHeader); v != "" && v != orderapi.Version {
		writeError(w, http.StatusBadRequest, "unsupported_version", "unsupported contract version "+v)
		return
	}

	var req orderapi.OrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBody))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(domain.ReasonInvalidOrder), "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, string(domain.ReasonInvalidOrder), "invalid request body: "+err.Error())
		return
	}

	intent, err := req.Intent()
	if err != nil {
		writeError(w, http.StatusBadRequest, string(domain.ReasonInvalidOrder), err.Error())
		return
	}

	res, err := h.signer.Submit(r.Context(), intent)
	if err != nil {
		h.logger.WarnContext(r.Context(), "submit abandoned",
			slog.String("key", intent.IdempotencyKey),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, string(domain.ReasonTimeout), "submission still in progress, look it up by key")
		return
	}

	status := http.StatusOK
	if res.Code == domain.ReasonOverloaded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, orderapi.FromResult(res))
}

// Lookup returns the stored result for an idempotency key.
// GET /v1/order/{key}
func (h *OrderHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	res, done, err := h.signer.Lookup(r.Context(), key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown idempotency key")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "lookup failed", slog.String("key", key), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "lookup failed")
	case !done:
		writeJSON(w, http.StatusAccepted, orderapi.PendingResponse{IdempotencyKey: key, Status: "pending"})
	default:
		writeJSON(w, http.StatusOK, orderapi.FromResult(res))
	}
}

// Cancel takes a resting order off the book and reports its filled size.
// DELETE /v1/order/{orderId}
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("orderId")

	filled, err := h.signer.Cancel(r.Context(), orderID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, orderapi.CancelResponse{
			OrderID:    orderID,
			Status:     "cancelled",
			FilledSize: filled.String(),
		})
	case errors.Is(err, domain.ErrReadOnly):
		writeError(w, http.StatusConflict, string(domain.ReasonReadOnly), "signer is read-only")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown order")
	case errors.Is(err, domain.ErrExchangeRejected):
		writeError(w, http.StatusBadRequest, string(domain.ReasonExchangeRejected), err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusBadGateway, string(domain.ReasonAuthFailed), err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "cancel failed", slog.String("order_id", orderID), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, string(domain.ReasonTransport), "cancel failed")
	}
}
