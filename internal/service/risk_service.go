// Package service holds the risk governor that gates detected opportunities
// before anything is sent for execution.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/position"
)

// Rejection is returned by Approve when an opportunity fails a risk check.
type Rejection struct {
	Reason domain.ReasonCode
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk_service: rejected (%s): %s", r.Reason, r.Detail)
}

func reject(code domain.ReasonCode, format string, args ...any) *Rejection {
	return &Rejection{Reason: code, Detail: fmt.Sprintf(format, args...)}
}

// Approval is a risk-checked opportunity ready for dispatch.
type Approval struct {
	Opportunity domain.Opportunity
	Size        decimal.Decimal
	Reservation *position.Reservation
	// DryRun is set in read-only mode: every stage runs, nothing is sent.
	DryRun bool
}

// MarketLookup resolves a market by ID.
type MarketLookup interface {
	Get(id string) (domain.Market, bool)
}

// OpportunityTracker records lifecycle decisions.
type OpportunityTracker interface {
	Approve(id string, size decimal.Decimal) (domain.Opportunity, error)
	Transition(id string, to domain.OpportunityState, reason domain.ReasonCode) (domain.Opportunity, error)
}

// RiskService checks opportunities against the process-wide risk limits
// and reserves position headroom for the ones it approves.
type RiskService struct {
	limits  domain.RiskLimits
	ledger  *position.Ledger
	markets MarketLookup
	tracker OpportunityTracker
	logger  *slog.Logger
	now     func() time.Time
}

// NewRiskService creates a RiskService with all required dependencies.
func NewRiskService(
	limits domain.RiskLimits,
	ledger *position.Ledger,
	markets MarketLookup,
	tracker OpportunityTracker,
	logger *slog.Logger,
) *RiskService {
	return &RiskService{
		limits:  limits,
		ledger:  ledger,
		markets: markets,
		tracker: tracker,
		logger:  logger.With(slog.String("component", "risk_service")),
		now:     time.Now,
	}
}

// Approve validates an opportunity and returns the size it may trade.
//
// Checks performed, in order:
//  1. Market and opportunity not expired
//  2. Spread at least MinSpreadBps
//  3. Size clamped to MaxOrderSize and to the depth of both legs
//  4. Exposure cap (buys) or inventory (sells), reserved in the ledger
//  5. Size at least MinOrderSize
//
// A failed check returns a *Rejection. In read-only mode the approval is
// marked DryRun and the would-be intents are logged.
func (s *RiskService) Approve(ctx context.Context, opp domain.Opportunity) (Approval, error) {
	now := s.now()

	// Check 1: expiry.
	m, ok := s.markets.Get(opp.MarketID)
	if !ok {
		return Approval{}, reject(domain.ReasonMarketExpired, "market %s is not in the catalog", opp.MarketID)
	}
	if m.Expired(now) {
		return Approval{}, reject(domain.ReasonMarketExpired, "market %s closed at %s", m.ID, m.Expiry.Format(time.RFC3339))
	}
	if opp.Expired(now) {
		return Approval{}, reject(domain.ReasonOpportunityExpired, "opportunity expired at %s", opp.ExpiresAt.Format(time.RFC3339Nano))
	}

	// Check 2: minimum spread.
	if opp.SpreadBps.LessThan(s.limits.MinSpreadBps) {
		return Approval{}, reject(domain.ReasonSpreadBelowMin, "spread %s bps < min %s bps", opp.SpreadBps.StringFixed(1), s.limits.MinSpreadBps)
	}

	// Check 3: order size and depth.
	depth := opp.Depth()
	if !depth.IsPositive() {
		return Approval{}, reject(domain.ReasonInsufficientDepth, "no depth at quoted prices")
	}
	size := decimal.Min(opp.RequestedSize, depth)
	if s.limits.MaxOrderSize.IsPositive() {
		size = decimal.Min(size, s.limits.MaxOrderSize)
	}
	if size.LessThan(s.limits.MinOrderSize) {
		code := domain.ReasonSizeBelowMin
		if depth.LessThan(s.limits.MinOrderSize) {
			code = domain.ReasonInsufficientDepth
		}
		return Approval{}, reject(code, "size %s < min order size %s (depth %s)", size, s.limits.MinOrderSize, depth)
	}

	// Check 4: exposure cap or inventory.
	side := opp.Kind.Side()
	tokens := []string{opp.Legs[0].TokenID, opp.Legs[1].TokenID}
	res, err := s.ledger.Reserve(opp.MarketID, tokens, side, size, s.limits.MaxPositionSize)
	switch {
	case errors.Is(err, position.ErrPositionLimit):
		return Approval{}, reject(domain.ReasonPositionLimit, "no headroom under max position %s", s.limits.MaxPositionSize)
	case errors.Is(err, position.ErrInsufficientInventory):
		return Approval{}, reject(domain.ReasonInsufficientInventory, "no inventory to sell")
	case err != nil:
		return Approval{}, fmt.Errorf("risk_service: reserve: %w", err)
	}

	// Check 5: the reserved size may be below the minimum.
	if res.Size().LessThan(s.limits.MinOrderSize) {
		res.Release()
		code := domain.ReasonPositionLimit
		if side == domain.SideSell {
			code = domain.ReasonInsufficientInventory
		}
		return Approval{}, reject(code, "only %s available, min order size %s", res.Size(), s.limits.MinOrderSize)
	}

	a := Approval{Opportunity: opp, Size: res.Size(), Reservation: res, DryRun: s.limits.ReadOnly}
	if a.DryRun {
		for _, leg := range opp.Legs {
			s.logger.InfoContext(ctx, "read-only: would submit",
				slog.String("opp_id", opp.ID),
				slog.String("token", leg.TokenID),
				slog.String("side", string(side)),
				slog.String("price", leg.Price.String()),
				slog.String("size", a.Size.String()),
			)
		}
	}
	return a, nil
}

// Run gates every opportunity from in and forwards approvals to out until
// ctx is cancelled or in is closed. Lifecycle decisions go to the tracker.
func (s *RiskService) Run(ctx context.Context, in <-chan domain.Opportunity, out chan<- Approval) error {
	for {
		var opp domain.Opportunity
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-in:
			if !ok {
				return nil
			}
			opp = o
		}

		a, err := s.Approve(ctx, opp)
		if err != nil {
			var rej *Rejection
			if !errors.As(err, &rej) {
				s.logger.ErrorContext(ctx, "risk_service: approve failed", slog.String("opp_id", opp.ID), slog.String("error", err.Error()))
				rej = &Rejection{Reason: domain.ReasonInvalidOrder, Detail: err.Error()}
			}
			s.logger.InfoContext(ctx, "opportunity rejected",
				slog.String("opp_id", opp.ID),
				slog.String("reason", string(rej.Reason)),
				slog.String("detail", rej.Detail),
			)
			if _, err := s.tracker.Transition(opp.ID, domain.OppRejected, rej.Reason); err != nil {
				s.logger.DebugContext(ctx, "risk_service: reject transition", slog.String("opp_id", opp.ID), slog.String("error", err.Error()))
			}
			continue
		}

		approved, err := s.tracker.Approve(opp.ID, a.Size)
		if err != nil {
			// Expired between detection and approval.
			a.Reservation.Release()
			s.logger.InfoContext(ctx, "opportunity gone before approval", slog.String("opp_id", opp.ID), slog.String("error", err.Error()))
			continue
		}
		a.Opportunity = approved

		select {
		case <-ctx.Done():
			a.Reservation.Release()
			return ctx.Err()
		case out <- a:
		}
	}
}
