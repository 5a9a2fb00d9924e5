package signing

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

type cachedResult struct {
	res     domain.ExecutionResult
	expires time.Time
}

// MemoryCache is an in-process domain.ResultCache used when Redis is not
// configured. It is safe for concurrent use.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cachedResult
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cachedResult),
		now:     time.Now,
	}
}

// Get returns the result stored for key if it has not expired.
func (m *MemoryCache) Get(_ context.Context, key string) (domain.ExecutionResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		return domain.ExecutionResult{}, false, nil
	}
	return e.res, true, nil
}

// Put stores res for key unless a live entry already exists. It reports
// whether this call's value was stored.
func (m *MemoryCache) Put(_ context.Context, key string, res domain.ExecutionResult, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	m.entries[key] = cachedResult{res: res, expires: now.Add(ttl)}
	return true, nil
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (m *MemoryCache) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, key)
		}
	}
}

// Run calls Cleanup every interval until ctx is cancelled.
func (m *MemoryCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

var _ domain.ResultCache = (*MemoryCache)(nil)
