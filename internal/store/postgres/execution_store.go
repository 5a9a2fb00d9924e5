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

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. One row
// per idempotency key; later attempts update the row.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given
// connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `intent, wallet, idempotency_key, order_id, outcome, filled_size,
	avg_price, code, message, retryable, submitted_at`

// Record stores an execution. A key whose row already holds a successful
// outcome keeps it.
func (s *ExecutionStore) Record(ctx context.Context, exec domain.Execution) error {
	intent, err := json.Marshal(exec.Intent)
	if err != nil {
		return fmt.Errorf("postgres: marshal intent: %w", err)
	}
	res := exec.Result
	submitted := res.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}

	const query = `
		INSERT INTO executions (
			idempotency_key, opportunity_id, wallet, token_id, side, price, size,
			time_in_force, intent, order_id, outcome, filled_size, avg_price,
			code, message, retryable, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			order_id     = EXCLUDED.order_id,
			outcome      = EXCLUDED.outcome,
			filled_size  = EXCLUDED.filled_size,
			avg_price    = EXCLUDED.avg_price,
			code         = EXCLUDED.code,
			message      = EXCLUDED.message,
			retryable    = EXCLUDED.retryable,
			attempts     = executions.attempts + 1,
			updated_at   = NOW()
		WHERE executions.outcome NOT IN ('filled', 'partially_filled')`

	in := exec.Intent
	_, err = s.pool.Exec(ctx, query,
		in.IdempotencyKey, in.OpportunityID, exec.Wallet, in.TokenID, string(in.Side),
		in.Price, in.Size, string(in.TimeInForce), intent,
		res.OrderID, string(res.Outcome), res.FilledSize, res.AvgPrice,
		string(res.Code), res.Message, res.Retryable, submitted,
	)
	if err != nil {
		return fmt.Errorf("postgres: record execution %s: %w", in.IdempotencyKey, err)
	}
	return nil
}

// GetByKey returns the execution stored for an idempotency key.
func (s *ExecutionStore) GetByKey(ctx context.Context, key string) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionSelectCols+` FROM executions WHERE idempotency_key = $1`, key)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Execution{}, fmt.Errorf("postgres: execution %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", key, err)
	}
	return exec, nil
}

// ListBefore returns every execution submitted strictly before the cutoff,
// oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionSelectCols+` FROM executions WHERE submitted_at < $1 ORDER BY submitted_at`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: execution rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes executions submitted strictly before the cutoff.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE submitted_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanExecution(row pgx.Row) (domain.Execution, error) {
	var (
		e             domain.Execution
		intent        []byte
		outcome, code string
	)
	r := &e.Result
	if err := row.Scan(
		&intent, &e.Wallet, &r.IdempotencyKey, &r.OrderID, &outcome, &r.FilledSize,
		&r.AvgPrice, &code, &r.Message, &r.Retryable, &r.SubmittedAt,
	); err != nil {
		return domain.Execution{}, err
	}
	if err := json.Unmarshal(intent, &e.Intent); err != nil {
		return domain.Execution{}, fmt.Errorf("unmarshal intent: %w", err)
	}
	r.Outcome = domain.Outcome(outcome)
	r.Code = domain.ReasonCode(code)
	return e, nil
}
