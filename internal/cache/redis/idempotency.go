package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/idempotency"
)

// IdempotencyStore implements domain.IdempotencyStore on redis. Records live
// under idem:{scopedKey} with the TTL enforced by redis itself; the periodic
// sweeper is a no-op here.
//
// Connection failures are reported as domain.ErrStoreUnavailable so callers
// can apply the documented fail-closed policy.
type IdempotencyStore struct {
	rdb *redis.Client
}

// NewIdempotencyStore creates the store.
func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{rdb: c.Underlying()}
}

type idemRecord struct {
	RequestHash string `json:"request_hash"`
	Response    []byte `json:"response"`
}

func idemKey(key string, scope domain.IdempotencyScope) string {
	return "idem:" + idempotency.ScopedKey(key, scope)
}

// Check probes the scoped key.
func (s *IdempotencyStore) Check(ctx context.Context, key, requestHash string, scope domain.IdempotencyScope) (domain.IdempotencyResult, error) {
	data, err := s.rdb.Get(ctx, idemKey(key, scope)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.IdempotencyResult{Status: domain.IdempotencyMiss}, nil
		}
		return domain.IdempotencyResult{}, fmt.Errorf("redis: idempotency check: %w", domain.ErrStoreUnavailable)
	}

	var rec idemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.IdempotencyResult{}, fmt.Errorf("redis: idempotency decode: %w", err)
	}
	if rec.RequestHash != requestHash {
		return domain.IdempotencyResult{Status: domain.IdempotencyConflict}, nil
	}
	return domain.IdempotencyResult{Status: domain.IdempotencyHit, Response: rec.Response}, nil
}

// Put stores the response once per scoped key. SETNX gives the append-only
// behavior; a losing race re-reads and verifies the stored hash.
func (s *IdempotencyStore) Put(ctx context.Context, key, requestHash string, response []byte, scope domain.IdempotencyScope, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}

	data, err := json.Marshal(idemRecord{RequestHash: requestHash, Response: response})
	if err != nil {
		return fmt.Errorf("redis: idempotency encode: %w", err)
	}

	k := idemKey(key, scope)
	set, err := s.rdb.SetNX(ctx, k, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: idempotency put: %w", domain.ErrStoreUnavailable)
	}
	if set {
		return nil
	}

	existing, err := s.rdb.Get(ctx, k).Bytes()
	if err != nil {
		return fmt.Errorf("redis: idempotency reread: %w", domain.ErrStoreUnavailable)
	}
	var rec idemRecord
	if err := json.Unmarshal(existing, &rec); err != nil {
		return fmt.Errorf("redis: idempotency decode: %w", err)
	}
	if rec.RequestHash != requestHash {
		return domain.ErrIdempotencyConflict
	}
	return nil
}

// Sweep is a no-op: redis expires records itself.
func (s *IdempotencyStore) Sweep(ctx context.Context) (int, error) { return 0, nil }

// Compile-time interface check.
var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)

// DedupSet implements domain.DedupSet on redis under dedup:{id} keys.
type DedupSet struct {
	rdb *redis.Client
}

// NewDedupSet creates the set.
func NewDedupSet(c *Client) *DedupSet {
	return &DedupSet{rdb: c.Underlying()}
}

// Seen marks id and reports whether it was already live.
func (d *DedupSet) Seen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	set, err := d.rdb.SetNX(ctx, "dedup:"+id, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup: %w", domain.ErrStoreUnavailable)
	}
	return !set, nil
}

// Sweep is a no-op: redis expires ids itself.
func (d *DedupSet) Sweep(ctx context.Context) (int, error) { return 0, nil }

// Compile-time interface check.
var _ domain.DedupSet = (*DedupSet)(nil)
