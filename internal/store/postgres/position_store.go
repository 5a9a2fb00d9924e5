package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Upsert writes the current net position for a token.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (token_id, market_id, size, notional, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token_id) DO UPDATE SET
			market_id  = EXCLUDED.market_id,
			size       = EXCLUDED.size,
			notional   = EXCLUDED.notional,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, query, p.TokenID, p.MarketID, p.Size, p.Notional, p.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.TokenID, err)
	}
	return nil
}

// List returns every stored position.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT token_id, market_id, size, notional, updated_at FROM positions ORDER BY token_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.TokenID, &p.MarketID, &p.Size, &p.Notional, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return out, nil
}
