// Package idempotency implements the request-fingerprint cache that turns
// at-least-once delivery into at-most-once application, plus the TTL dedup
// set used by webhook intake.
package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

// DefaultTTL is the record lifetime when the caller passes none.
const DefaultTTL = 24 * time.Hour

type record struct {
	requestHash string
	response    []byte
	createdAt   time.Time
	expiresAt   time.Time
}

// MemoryStore is the in-process IdempotencyStore. Expired records are
// collected lazily on access and in bulk by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
	clock   clock.Clock
	logger  *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(c clock.Clock, logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record),
		clock:   c,
		logger:  logger,
	}
}

// Check probes for a live record under the scoped key. A live record with a
// different request hash is a conflict; the probe never executes anything.
func (s *MemoryStore) Check(ctx context.Context, key, requestHash string, scope domain.IdempotencyScope) (domain.IdempotencyResult, error) {
	scoped := ScopedKey(key, scope)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[scoped]
	if !ok {
		return domain.IdempotencyResult{Status: domain.IdempotencyMiss}, nil
	}

	if s.clock.Now().After(rec.expiresAt) {
		delete(s.records, scoped)
		return domain.IdempotencyResult{Status: domain.IdempotencyMiss}, nil
	}

	if rec.requestHash != requestHash {
		s.logger.WarnContext(ctx, "idempotency: key reused with different request",
			slog.String("key", key),
		)
		return domain.IdempotencyResult{Status: domain.IdempotencyConflict}, nil
	}

	return domain.IdempotencyResult{
		Status:   domain.IdempotencyHit,
		Response: rec.response,
	}, nil
}

// Put stores the response under the scoped key. Repeated puts with the same
// hash are no-ops; a different hash against a live record fails.
func (s *MemoryStore) Put(ctx context.Context, key, requestHash string, response []byte, scope domain.IdempotencyScope, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	scoped := ScopedKey(key, scope)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[scoped]; ok && now.Before(rec.expiresAt) {
		if rec.requestHash == requestHash {
			return nil
		}
		return domain.ErrIdempotencyConflict
	}

	s.records[scoped] = record{
		requestHash: requestHash,
		response:    response,
		createdAt:   now,
		expiresAt:   now.Add(ttl),
	}
	return nil
}

// Sweep removes every expired record and returns the count removed.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, rec := range s.records {
		if now.After(rec.expiresAt) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Compile-time interface check.
var _ domain.IdempotencyStore = (*MemoryStore)(nil)

// MemoryDedup is the in-process DedupSet used by webhook intake.
type MemoryDedup struct {
	mu    sync.Mutex
	seen  map[string]time.Time // id -> expiry
	clock clock.Clock
}

// NewMemoryDedup creates an empty dedup set.
func NewMemoryDedup(c clock.Clock) *MemoryDedup {
	return &MemoryDedup{
		seen:  make(map[string]time.Time),
		clock: c,
	}
}

// Seen marks id and reports whether it was already live.
func (d *MemoryDedup) Seen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.seen[id]; ok && now.Before(expiry) {
		return true, nil
	}
	d.seen[id] = now.Add(ttl)
	return false, nil
}

// Sweep removes expired ids and returns the count removed.
func (d *MemoryDedup) Sweep(ctx context.Context) (int, error) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, expiry := range d.seen {
		if now.After(expiry) {
			delete(d.seen, id)
			removed++
		}
	}
	return removed, nil
}

// Compile-time interface check.
var _ domain.DedupSet = (*MemoryDedup)(nil)
