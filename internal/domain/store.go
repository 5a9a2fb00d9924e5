package domain

import (
	"context"
	"time"
)

// ListOpts controls pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OpportunityStore persists detected opportunities and their lifecycle.
type OpportunityStore interface {
	Upsert(ctx context.Context, opp Opportunity) error
	Get(ctx context.Context, id string) (Opportunity, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Opportunity, error)
	ListBefore(ctx context.Context, before time.Time) ([]Opportunity, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Execution is the signer's record of one submission.
type Execution struct {
	Intent OrderIntent     `json:"intent"`
	Result ExecutionResult `json:"result"`
	Wallet string          `json:"wallet"`
}

// ExecutionStore persists submissions made by the signing service.
type ExecutionStore interface {
	Record(ctx context.Context, exec Execution) error
	GetByKey(ctx context.Context, key string) (Execution, error)
	ListBefore(ctx context.Context, before time.Time) ([]Execution, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// PositionStore persists the position ledger.
type PositionStore interface {
	Upsert(ctx context.Context, p Position) error
	List(ctx context.Context) ([]Position, error)
}

// AuditEntry is a single audit log record.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore provides an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, eventPrefix string, opts ListOpts) ([]AuditEntry, error)
}
