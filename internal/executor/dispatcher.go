// Package executor hands approved opportunities to the signing service with
// deterministic idempotency keys, bounded retries and expiry handling.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/service"
)

// Submitter sends intents across the trust boundary.
type Submitter interface {
	// Submit sends one intent. A non-nil error means no classified result
	// came back (transport failure, cancellation).
	Submit(ctx context.Context, intent domain.OrderIntent) (domain.ExecutionResult, error)
	// Lookup returns the stored result for key. done is false while the
	// signer still has the key in flight; an unknown key is ErrNotFound.
	Lookup(ctx context.Context, key string) (res domain.ExecutionResult, done bool, err error)
	// Cancel takes a resting order off the book and returns how much of it
	// filled.
	Cancel(ctx context.Context, orderID string) (filled decimal.Decimal, err error)
}

// OpportunityTracker records lifecycle decisions.
type OpportunityTracker interface {
	Transition(id string, to domain.OpportunityState, reason domain.ReasonCode) (domain.Opportunity, error)
}

// Notifier alerts the operator.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the dispatcher.
type Config struct {
	MaxAttempts    int
	RequestTimeout time.Duration
	Backoff        Backoff
	TimeInForce    domain.TimeInForce
	// ReconcileFor bounds how long in-flight keys of an expired opportunity
	// are polled for a late result.
	ReconcileFor time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 200 * time.Millisecond
	}
	if c.Backoff.Max < c.Backoff.Base {
		c.Backoff.Max = 2 * time.Second
	}
	if c.TimeInForce == "" {
		c.TimeInForce = domain.FillOrKill
	}
	if c.ReconcileFor <= 0 {
		c.ReconcileFor = 15 * time.Second
	}
}

// Dispatcher turns approvals into order intents, sends both legs
// concurrently and settles the opportunity from the results.
type Dispatcher struct {
	sub      Submitter
	tracker  OpportunityTracker
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. notifier may be nil.
func NewDispatcher(sub Submitter, tracker OpportunityTracker, notifier Notifier, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		sub:      sub,
		tracker:  tracker,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Run dispatches every approval from in, each on its own goroutine, until
// ctx is cancelled or in is closed. It waits for in-flight dispatches before
// returning.
func (d *Dispatcher) Run(ctx context.Context, in <-chan service.Approval) error {
	d.logger.Info("dispatcher started")
	defer d.logger.Info("dispatcher stopped")
	defer d.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			d.drain(in)
			return ctx.Err()
		case a, ok := <-in:
			if !ok {
				return nil
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.Dispatch(ctx, a)
			}()
		}
	}
}

// drain releases approvals that will never be dispatched.
func (d *Dispatcher) drain(in <-chan service.Approval) {
	for {
		select {
		case a, ok := <-in:
			if !ok {
				return
			}
			a.Reservation.Release()
			d.transition(a.Opportunity.ID, domain.OppRejected, domain.ReasonCancelled)
		default:
			return
		}
	}
}

// legResult is what one leg ended with.
type legResult struct {
	intent   domain.OrderIntent
	result   domain.ExecutionResult
	resolved bool // false when expiry cut the leg off without a final answer
}

// Dispatch executes one approval to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, a service.Approval) {
	opp := a.Opportunity
	defer a.Reservation.Release()

	log := d.logger.With(
		slog.String("opp_id", opp.ID),
		slog.String("market", opp.MarketID),
	)

	intents := make([]domain.OrderIntent, 0, len(opp.Legs))
	for _, leg := range opp.Legs {
		intents = append(intents, buildIntent(opp, leg, a.Size, d.cfg.TimeInForce))
	}

	if _, err := d.tracker.Transition(opp.ID, domain.OppDispatched, domain.ReasonNone); err != nil {
		log.Info("opportunity no longer dispatchable", slog.String("error", err.Error()))
		return
	}

	if a.DryRun {
		for _, in := range intents {
			log.Info("read-only: would submit",
				slog.String("key", in.IdempotencyKey),
				slog.String("token", in.TokenID),
				slog.String("side", string(in.Side)),
				slog.String("price", in.Price.String()),
				slog.String("size", in.Size.String()),
				slog.String("tif", string(in.TimeInForce)),
			)
		}
		d.transition(opp.ID, domain.OppRejected, domain.ReasonReadOnly)
		return
	}

	legCtx, cancel := context.WithDeadline(ctx, opp.ExpiresAt)
	defer cancel()

	results := make([]legResult, len(intents))
	var g errgroup.Group
	for i, in := range intents {
		g.Go(func() error {
			results[i] = d.sendLeg(legCtx, in)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.resolved {
			d.commit(a, r)
		}
	}

	var unresolved []domain.OrderIntent
	for _, r := range results {
		if !r.resolved {
			unresolved = append(unresolved, r.intent)
		}
	}
	if len(unresolved) > 0 {
		log.Warn("opportunity expired in flight", slog.Int("unresolved_legs", len(unresolved)))
		d.transition(opp.ID, domain.OppExpired, domain.ReasonOpportunityExpired)
		d.reconcile(ctx, a, unresolved)
		return
	}

	d.settle(ctx, log, a, results)
}

// sendLeg submits one intent, retrying retryable failures with the same key
// until the attempt budget or ctx runs out.
func (d *Dispatcher) sendLeg(ctx context.Context, intent domain.OrderIntent) legResult {
	var last domain.ExecutionResult
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		intent.Attempt = attempt

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		res, err := d.sub.Submit(callCtx, intent)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return legResult{intent: intent}
			}
			code := domain.ReasonTransport
			if errors.Is(err, context.DeadlineExceeded) {
				code = domain.ReasonTimeout
			}
			res = domain.Failure(intent.IdempotencyKey, code, err.Error())
		}
		if !res.Retryable {
			return legResult{intent: intent, result: res, resolved: true}
		}
		last = res

		d.logger.Warn("leg attempt failed",
			slog.String("key", intent.IdempotencyKey),
			slog.Int("attempt", attempt),
			slog.String("code", string(res.Code)),
			slog.String("message", res.Message),
		)
		if attempt == d.cfg.MaxAttempts {
			break
		}
		if !sleep(ctx.Done(), d.cfg.Backoff.Delay(attempt)) {
			return legResult{intent: intent}
		}
	}

	exhausted := domain.Failure(intent.IdempotencyKey, domain.ReasonRetryExhausted,
		fmt.Sprintf("%d attempts, last: %s %s", d.cfg.MaxAttempts, last.Code, last.Message))
	exhausted.Outcome = domain.OutcomeFailed
	return legResult{intent: intent, result: exhausted, resolved: true}
}

// settle decides the final state once every leg has a result. A leg only
// counts when its whole size filled; an accepted leg that is short has its
// remainder cancelled first.
func (d *Dispatcher) settle(ctx context.Context, log *slog.Logger, a service.Approval, results []legResult) {
	opp := a.Opportunity
	var failed *legResult
	withFill := 0
	for i := range results {
		r := &results[i]
		if r.result.Success() && !complete(*r) {
			d.cancelRest(ctx, a, r)
		}
		if filledOf(r.result).IsPositive() {
			withFill++
		}
		if !complete(*r) && failed == nil {
			failed = r
		}
	}

	if failed == nil {
		log.Info("opportunity confirmed", slog.Int("legs", len(results)))
		d.transition(opp.ID, domain.OppConfirmed, domain.ReasonNone)
		return
	}

	code := failed.result.Code
	if code == domain.ReasonNone {
		code = domain.ReasonLegFailed
	}
	msg := failed.result.Message
	if failed.result.Success() {
		msg = fmt.Sprintf("filled %s of %s", filledOf(failed.result), failed.intent.Size)
		if failed.result.Message != "" {
			msg += ", " + failed.result.Message
		}
	}
	log.Warn("opportunity rejected",
		slog.String("reason", string(code)),
		slog.String("class", string(code.Class())),
		slog.String("token", failed.intent.TokenID),
		slog.String("message", msg),
	)
	d.transition(opp.ID, domain.OppRejected, code)

	if withFill > 0 {
		d.notify(ctx, "partial_execution", "Partial execution",
			fmt.Sprintf("opportunity %s on market %s: %d of %d legs hold fills, leg %s failed with %s (%s)",
				opp.ID, opp.MarketID, withFill, len(results), failed.intent.TokenID, code, msg))
	}
	if code == domain.ReasonExchangeRejected {
		d.notify(ctx, "exchange_rejected", "Order rejected by exchange",
			fmt.Sprintf("opportunity %s leg %s: %s", opp.ID, failed.intent.TokenID, msg))
	}
}

// complete reports whether a leg filled its whole size.
func complete(r legResult) bool {
	return r.result.Outcome == domain.OutcomeFilled ||
		(r.result.Success() && r.result.FilledSize.GreaterThanOrEqual(r.intent.Size))
}

// cancelRest takes the unfilled remainder of a short leg off the book and
// commits whatever filled before it left. r is updated to the final fill.
func (d *Dispatcher) cancelRest(ctx context.Context, a service.Approval, r *legResult) {
	log := d.logger.With(
		slog.String("key", r.intent.IdempotencyKey),
		slog.String("order_id", r.result.OrderID),
	)
	if r.result.OrderID == "" {
		log.Error("short leg has no order id, remainder may still rest")
		r.result.Message = "remainder not cancelled: no order id"
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	final, err := d.sub.Cancel(callCtx, r.result.OrderID)
	cancel()
	if err != nil {
		log.Error("cancel of remainder failed", slog.String("error", err.Error()))
		r.result.Message = "remainder not cancelled: " + err.Error()
		return
	}

	if more := final.Sub(r.result.FilledSize); more.IsPositive() {
		late := *r
		late.result.FilledSize = more
		d.commit(a, late)
		r.result.FilledSize = final
	}
	if r.result.FilledSize.GreaterThanOrEqual(r.intent.Size) {
		r.result.Outcome = domain.OutcomeFilled
		return
	}
	log.Info("remainder cancelled", slog.String("filled", r.result.FilledSize.String()))
	r.result.Message = "remainder cancelled"
}

// commit applies a leg's fill to the position ledger.
func (d *Dispatcher) commit(a service.Approval, r legResult) {
	if !r.result.Success() || !r.result.FilledSize.IsPositive() || a.Reservation == nil {
		return
	}
	price := r.result.AvgPrice
	if !price.IsPositive() {
		price = r.intent.Price
	}
	p := a.Reservation.Commit(r.intent.TokenID, r.result.FilledSize, price)
	d.logger.Info("fill committed",
		slog.String("opp_id", r.intent.OpportunityID),
		slog.String("token", r.intent.TokenID),
		slog.String("filled", r.result.FilledSize.String()),
		slog.String("position", p.Size.String()),
	)
}

func (d *Dispatcher) transition(id string, to domain.OpportunityState, reason domain.ReasonCode) {
	if _, err := d.tracker.Transition(id, to, reason); err != nil {
		d.logger.Debug("transition skipped",
			slog.String("opp_id", id),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) notify(ctx context.Context, event, title, msg string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, event, title, msg); err != nil {
		d.logger.Warn("notify failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// filledOf reports the filled size of a result, zero when it did not fill.
func filledOf(r domain.ExecutionResult) decimal.Decimal {
	if !r.Success() {
		return decimal.Zero
	}
	return r.FilledSize
}
