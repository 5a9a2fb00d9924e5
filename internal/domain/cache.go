package domain

import (
	"context"
	"time"
)

// ResultCache remembers the terminal result of every idempotency key.
// Put only stores the first result written for a key and reports whether it
// won; later writers should use the stored value instead.
type ResultCache interface {
	Get(ctx context.Context, key string) (ExecutionResult, bool, error)
	Put(ctx context.Context, key string, res ExecutionResult, ttl time.Duration) (bool, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channels.
const (
	ChannelOpportunities = "opportunities"
	ChannelExecutions    = "executions"
)
