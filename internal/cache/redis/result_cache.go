package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// ResultCache implements domain.ResultCache with one JSON value per
// idempotency key. The first writer wins via SET NX, so signers sharing a
// Redis agree on a single result per key.
type ResultCache struct {
	client *Client
	rdb    *redis.Client
}

// NewResultCache creates a ResultCache backed by the given Client.
func NewResultCache(c *Client) *ResultCache {
	return &ResultCache{client: c, rdb: c.Underlying()}
}

// Get returns the cached result for key.
func (rc *ResultCache) Get(ctx context.Context, key string) (domain.ExecutionResult, bool, error) {
	data, err := rc.rdb.Get(ctx, rc.client.Key("result", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ExecutionResult{}, false, nil
	}
	if err != nil {
		return domain.ExecutionResult{}, false, fmt.Errorf("redis: get result %s: %w", key, err)
	}

	var res domain.ExecutionResult
	if err := json.Unmarshal(data, &res); err != nil {
		return domain.ExecutionResult{}, false, fmt.Errorf("redis: decode result %s: %w", key, err)
	}
	return res, true, nil
}

// Put stores res for key if no result is stored yet.
func (rc *ResultCache) Put(ctx context.Context, key string, res domain.ExecutionResult, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("redis: encode result %s: %w", key, err)
	}
	ok, err := rc.rdb.SetNX(ctx, rc.client.Key("result", key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: put result %s: %w", key, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.ResultCache = (*ResultCache)(nil)
