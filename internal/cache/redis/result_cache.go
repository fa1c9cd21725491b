package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rcmckee/tradewire/internal/domain"
)

const defaultScanTTL = 60 * time.Second

// ResultCache implements domain.ScanResultCache on redis under
// scan:{configHash} keys with JSON bodies.
type ResultCache struct {
	rdb *redis.Client
}

// NewResultCache creates the cache.
func NewResultCache(c *Client) *ResultCache {
	return &ResultCache{rdb: c.Underlying()}
}

// Get returns the cached response when live.
func (rc *ResultCache) Get(ctx context.Context, configHash string) (domain.ScanResponse, bool, error) {
	data, err := rc.rdb.Get(ctx, "scan:"+configHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ScanResponse{}, false, nil
		}
		return domain.ScanResponse{}, false, fmt.Errorf("redis: scan cache get: %w", err)
	}

	var resp domain.ScanResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return domain.ScanResponse{}, false, fmt.Errorf("redis: scan cache decode: %w", err)
	}
	return resp, true, nil
}

// Put stores the response under the TTL.
func (rc *ResultCache) Put(ctx context.Context, configHash string, resp domain.ScanResponse, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultScanTTL
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("redis: scan cache encode: %w", err)
	}
	if err := rc.rdb.Set(ctx, "scan:"+configHash, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: scan cache put: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ScanResultCache = (*ResultCache)(nil)
