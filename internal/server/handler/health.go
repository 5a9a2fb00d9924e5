package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/polyarb/internal/orderapi"
)

const checkTimeout = 2 * time.Second

// Check probes one backing service.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	wallet   string
	readOnly bool
	names    []string
	checks   map[string]Check
}

// NewHealthHandler creates a HealthHandler reporting the signer's wallet
// and mode.
func NewHealthHandler(wallet string, readOnly bool) *HealthHandler {
	return &HealthHandler{wallet: wallet, readOnly: readOnly, checks: map[string]Check{}}
}

// WithCheck adds a named backend probe to the report.
func (h *HealthHandler) WithCheck(name string, c Check) *HealthHandler {
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
		sort.Strings(h.names)
	}
	h.checks[name] = c
	return h
}

// HealthCheck reports that the signer is up and which contract it speaks.
// A failing backend marks the status "degraded" but still answers 200: the
// signer keeps serving without its optional backends.
// GET /v1/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := orderapi.HealthResponse{
		Status:   "ok",
		Version:  orderapi.Version,
		Wallet:   h.wallet,
		ReadOnly: h.readOnly,
	}
	if len(h.names) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()
		resp.Checks = make(map[string]string, len(h.names))
		for _, name := range h.names {
			if err := h.checks[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
