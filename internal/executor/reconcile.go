package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/service"
)

// reconcile polls the signer for the outcome of legs that were in flight
// when their opportunity expired. Late fills are committed to positions and
// a late leg still resting is cancelled; no new order is sent. Keys still open when the window closes are logged.
func (d *Dispatcher) reconcile(ctx context.Context, a service.Approval, pending []domain.OrderIntent) {
	deadline := time.Now().Add(d.cfg.ReconcileFor)
	open := make(map[string]domain.OrderIntent, len(pending))
	for _, in := range pending {
		open[in.IdempotencyKey] = in
	}

	for attempt := 1; len(open) > 0; attempt++ {
		for key, in := range open {
			callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
			res, done, err := d.sub.Lookup(callCtx, key)
			cancel()

			switch {
			case err != nil && !errors.Is(err, domain.ErrNotFound):
				d.logger.Debug("reconcile lookup failed", slog.String("key", key), slog.String("error", err.Error()))
			case err != nil, !done:
				// Not seen yet or still in flight.
			default:
				delete(open, key)
				d.logger.Info("late result reconciled",
					slog.String("key", key),
					slog.String("opp_id", in.OpportunityID),
					slog.String("outcome", string(res.Outcome)),
					slog.String("filled", filledOf(res).String()),
				)
				lr := legResult{intent: in, result: res, resolved: true}
				d.commit(a, lr)
				if res.Success() && !complete(lr) {
					d.cancelRest(ctx, a, &lr)
				}
			}
		}
		if len(open) == 0 {
			return
		}

		wait := d.cfg.Backoff.Delay(attempt)
		if time.Now().Add(wait).After(deadline) {
			break
		}
		if !sleep(ctx.Done(), wait) {
			break
		}
	}

	for key, in := range open {
		d.logger.Warn("in-flight leg unresolved after reconcile window",
			slog.String("key", key),
			slog.String("opp_id", in.OpportunityID),
			slog.String("token", in.TokenID),
		)
	}
}
