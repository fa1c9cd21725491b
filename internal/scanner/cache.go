package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

// MemoryResultCache is the in-process scan result cache keyed by config hash.
type MemoryResultCache struct {
	mu      sync.Mutex
	entries map[string]cachedScan
	clock   clock.Clock
}

type cachedScan struct {
	resp    domain.ScanResponse
	expires time.Time
}

// NewMemoryResultCache creates an empty cache.
func NewMemoryResultCache(c clock.Clock) *MemoryResultCache {
	return &MemoryResultCache{
		entries: make(map[string]cachedScan),
		clock:   c,
	}
}

// Get returns the cached response when present and live.
func (m *MemoryResultCache) Get(ctx context.Context, configHash string) (domain.ScanResponse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[configHash]
	if !ok {
		return domain.ScanResponse{}, false, nil
	}
	if m.clock.Now().After(e.expires) {
		delete(m.entries, configHash)
		return domain.ScanResponse{}, false, nil
	}
	return e.resp, true, nil
}

// Put stores a response under the TTL.
func (m *MemoryResultCache) Put(ctx context.Context, configHash string, resp domain.ScanResponse, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[configHash] = cachedScan{resp: resp, expires: m.clock.Now().Add(ttl)}
	return nil
}

// Compile-time interface check.
var _ domain.ScanResultCache = (*MemoryResultCache)(nil)
