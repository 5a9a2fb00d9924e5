package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore backed by the given
// connection pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunitySelectCols = `id, market_id, kind, legs, combined_price, spread_bps,
	estimated_profit, requested_size, approved_size, state, reason,
	detected_at, expires_at, updated_at`

// Upsert inserts an opportunity or updates its lifecycle columns.
func (s *OpportunityStore) Upsert(ctx context.Context, opp domain.Opportunity) error {
	legs, err := json.Marshal(opp.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal opportunity legs: %w", err)
	}

	const query = `
		INSERT INTO opportunities (
			id, market_id, kind, legs, combined_price, spread_bps,
			estimated_profit, requested_size, approved_size, state, reason,
			detected_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			approved_size = EXCLUDED.approved_size,
			state         = EXCLUDED.state,
			reason        = EXCLUDED.reason,
			updated_at    = EXCLUDED.updated_at`

	updated := opp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, query,
		opp.ID, opp.MarketID, string(opp.Kind), legs,
		opp.CombinedPrice, opp.SpreadBps, opp.EstimatedProfit,
		opp.RequestedSize, opp.ApprovedSize,
		string(opp.State), string(opp.Reason),
		opp.DetectedAt, opp.ExpiresAt, updated,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// Get returns the opportunity with the given id.
func (s *OpportunityStore) Get(ctx context.Context, id string) (domain.Opportunity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+opportunitySelectCols+` FROM opportunities WHERE id = $1`, id)
	opp, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Opportunity{}, fmt.Errorf("postgres: opportunity %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", id, err)
	}
	return opp, nil
}

// ListRecent returns opportunities newest first.
func (s *OpportunityStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Opportunity, error) {
	query := `SELECT ` + opportunitySelectCols + ` FROM opportunities WHERE 1=1`
	query, args := appendListOpts(query, "detected_at", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	return collectOpportunities(rows)
}

// ListBefore returns every opportunity detected strictly before the cutoff,
// oldest first.
func (s *OpportunityStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+opportunitySelectCols+` FROM opportunities WHERE detected_at < $1 ORDER BY detected_at`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities before %s: %w", before.Format(time.RFC3339), err)
	}
	return collectOpportunities(rows)
}

// DeleteBefore removes opportunities detected strictly before the cutoff.
func (s *OpportunityStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM opportunities WHERE detected_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOpportunity(row pgx.Row) (domain.Opportunity, error) {
	var (
		o                   domain.Opportunity
		legs                []byte
		kind, state, reason string
	)
	if err := row.Scan(
		&o.ID, &o.MarketID, &kind, &legs, &o.CombinedPrice, &o.SpreadBps,
		&o.EstimatedProfit, &o.RequestedSize, &o.ApprovedSize, &state, &reason,
		&o.DetectedAt, &o.ExpiresAt, &o.UpdatedAt,
	); err != nil {
		return domain.Opportunity{}, err
	}
	if err := json.Unmarshal(legs, &o.Legs); err != nil {
		return domain.Opportunity{}, fmt.Errorf("unmarshal legs: %w", err)
	}
	o.Kind = domain.OpportunityKind(kind)
	o.State = domain.OpportunityState(state)
	o.Reason = domain.ReasonCode(reason)
	return o, nil
}

func collectOpportunities(rows pgx.Rows) ([]domain.Opportunity, error) {
	defer rows.Close()
	var out []domain.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: opportunity rows: %w", err)
	}
	return out, nil
}

// appendListOpts adds the time filter, ordering and pagination of opts to a
// query that already has a WHERE clause.
func appendListOpts(query, timeCol string, opts domain.ListOpts, args ...any) (string, []any) {
	if args == nil {
		args = []any{}
	}
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY " + timeCol + " DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
