// Package marketdata ships the in-process MarketDataProvider used by paper
// mode and tests. Real vendor adapters implement the same interface outside
// this module.
package marketdata

import (
	"context"
	"fmt"
	"sync"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

// StaticProvider serves snapshots from a fixed in-memory table.
type StaticProvider struct {
	mu        sync.RWMutex
	snapshots map[string]domain.AssetSnapshot
	clock     clock.Clock
}

// NewStaticProvider creates an empty provider.
func NewStaticProvider(c clock.Clock) *StaticProvider {
	return &StaticProvider{
		snapshots: make(map[string]domain.AssetSnapshot),
		clock:     c,
	}
}

// Load replaces or adds snapshots.
func (p *StaticProvider) Load(snaps ...domain.AssetSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range snaps {
		if s.AssetType == "" {
			s.AssetType = domain.AssetStock
		}
		p.snapshots[s.Symbol] = s
	}
}

// Remove drops symbols from the table.
func (p *StaticProvider) Remove(symbols ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		delete(p.snapshots, s)
	}
}

// Symbols lists the universe for an asset type.
func (p *StaticProvider) Symbols(ctx context.Context, assetType domain.AssetType) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for sym, snap := range p.snapshots {
		if snap.AssetType == assetType {
			out = append(out, sym)
		}
	}
	return out, nil
}

// Snapshot returns the stored snapshot stamped with the current time.
func (p *StaticProvider) Snapshot(ctx context.Context, symbol string, tf domain.Timeframe) (domain.AssetSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.AssetSnapshot{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.snapshots[symbol]
	if !ok {
		return domain.AssetSnapshot{}, fmt.Errorf("marketdata: %s: %w", symbol, domain.ErrNotFound)
	}
	snap.At = p.clock.Now()
	return snap, nil
}

// Compile-time interface check.
var _ domain.MarketDataProvider = (*StaticProvider)(nil)
