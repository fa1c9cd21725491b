// Package scanner implements the multi-asset scanner core: universe
// assembly, bounded-concurrency snapshot fetches, ordered filter evaluation,
// ranking, result caching, and interval streaming.
package scanner

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/idempotency"
)

const (
	// DefaultCacheTTL is the result cache lifetime.
	DefaultCacheTTL = 60 * time.Second
	// fetchConcurrency bounds concurrent upstream snapshot requests.
	fetchConcurrency = 50
	// maxResultLimit clamps a config's result limit.
	maxResultLimit = 1000
	// defaultResultLimit applies when a config specifies none.
	defaultResultLimit = 100
)

// Engine runs scanner configurations against the registered providers.
type Engine struct {
	mu        sync.RWMutex
	providers map[domain.AssetType]domain.MarketDataProvider

	cache    domain.ScanResultCache
	cacheTTL time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewEngine creates an engine with the given result cache.
func NewEngine(cache domain.ScanResultCache, c clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		providers: make(map[domain.AssetType]domain.MarketDataProvider),
		cache:     cache,
		cacheTTL:  DefaultCacheTTL,
		clock:     c,
		logger:    logger.With(slog.String("component", "scanner")),
	}
}

// SetCacheTTL overrides the result cache lifetime.
func (e *Engine) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		e.cacheTTL = ttl
	}
}

// RegisterProvider installs the data provider for an asset type.
func (e *Engine) RegisterProvider(at domain.AssetType, p domain.MarketDataProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providers[at] = p
}

func (e *Engine) provider(at domain.AssetType) (domain.MarketDataProvider, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.providers[at]
	return p, ok
}

// ConfigHash content-addresses a scanner configuration.
func ConfigHash(cfg domain.ScannerConfig) (string, error) {
	return idempotency.HashRequest(cfg)
}

// Run executes one scan. force bypasses the result cache. A caller deadline
// on ctx bounds the fetch stage: completed snapshots still produce a partial
// result.
func (e *Engine) Run(ctx context.Context, cfg domain.ScannerConfig, force bool) (domain.ScanResponse, error) {
	started := e.clock.Now()

	hash, err := ConfigHash(cfg)
	if err != nil {
		return domain.ScanResponse{}, err
	}

	if !force && e.cache != nil {
		if cached, ok, cacheErr := e.cache.Get(ctx, hash); cacheErr == nil && ok {
			cached.CacheHit = true
			e.logger.DebugContext(ctx, "scanner: cache hit",
				slog.String("scanner", cfg.Name),
				slog.String("config_hash", hash),
			)
			return cached, nil
		}
	}

	universe := e.buildUniverse(ctx, cfg)
	e.logger.InfoContext(ctx, "scanner: scanning",
		slog.String("scanner", cfg.Name),
		slog.Int("universe", len(universe)),
	)

	snapshots := e.fetchSnapshots(ctx, universe, cfg.Timeframe)

	checks := checksFor(cfg)
	active := 0
	for _, c := range checks {
		if c.active {
			active++
		}
	}

	var results []domain.ScanResult
	for _, snap := range snapshots {
		result, pass := e.evaluate(snap, checks, active, cfg.Timeframe)
		if pass {
			results = append(results, result)
		}
	}

	sortResults(results, cfg)

	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultResultLimit
	}
	if limit > maxResultLimit {
		limit = maxResultLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	for i := range results {
		results[i].Rank = i + 1
	}

	resp := domain.ScanResponse{
		ScannerID:      hash,
		ScannerName:    cfg.Name,
		At:             e.clock.Now(),
		Results:        results,
		TotalMatches:   len(results),
		TotalScanned:   len(snapshots),
		DurationMs:     e.clock.Since(started).Milliseconds(),
		FiltersApplied: active,
		ConfigHash:     hash,
		CacheHit:       false,
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, hash, resp, e.cacheTTL); err != nil {
			e.logger.WarnContext(ctx, "scanner: cache put failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return resp, nil
}

// buildUniverse unions the configured symbols with each requested asset-type
// provider's universe, then subtracts exclusions.
func (e *Engine) buildUniverse(ctx context.Context, cfg domain.ScannerConfig) []string {
	seen := make(map[string]bool)
	var universe []string

	add := func(sym string) {
		if !seen[sym] {
			seen[sym] = true
			universe = append(universe, sym)
		}
	}

	for _, sym := range cfg.Universe {
		add(sym)
	}
	for _, at := range cfg.AssetTypes {
		p, ok := e.provider(at)
		if !ok {
			continue
		}
		symbols, err := p.Symbols(ctx, at)
		if err != nil {
			e.logger.WarnContext(ctx, "scanner: provider universe failed",
				slog.String("asset_type", string(at)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, sym := range symbols {
			add(sym)
		}
	}

	if len(cfg.ExcludeSymbols) > 0 {
		excluded := make(map[string]bool, len(cfg.ExcludeSymbols))
		for _, sym := range cfg.ExcludeSymbols {
			excluded[sym] = true
		}
		filtered := universe[:0]
		for _, sym := range universe {
			if !excluded[sym] {
				filtered = append(filtered, sym)
			}
		}
		universe = filtered
	}
	return universe
}

// fetchSnapshots pulls snapshots with bounded concurrency. A failed fetch
// drops its symbol; a canceled context stops scheduling and the completed
// snapshots flow into a partial result.
func (e *Engine) fetchSnapshots(ctx context.Context, universe []string, tf domain.Timeframe) []domain.AssetSnapshot {
	var (
		mu        sync.Mutex
		snapshots []domain.AssetSnapshot
	)

	g := &errgroup.Group{}
	g.SetLimit(fetchConcurrency)

	for _, sym := range universe {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			at := classifySymbol(sym)
			p, ok := e.provider(at)
			if !ok {
				return nil
			}
			snap, err := p.Snapshot(ctx, sym, tf)
			if err != nil {
				e.logger.WarnContext(ctx, "scanner: fetch failed",
					slog.String("symbol", sym),
					slog.String("error", err.Error()),
				)
				return nil
			}
			snap.Symbol = sym
			if snap.AssetType == "" {
				snap.AssetType = at
			}
			mu.Lock()
			snapshots = append(snapshots, snap)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Symbol < snapshots[j].Symbol })
	return snapshots
}

// classifySymbol infers the asset type from symbol conventions.
func classifySymbol(sym string) domain.AssetType {
	switch {
	case hasSuffix(sym, "-USD") || hasSuffix(sym, "USDT"):
		return domain.AssetCrypto
	case containsRune(sym, '='):
		return domain.AssetForex
	case len(sym) > 0 && sym[0] == '^':
		return domain.AssetIndex
	default:
		return domain.AssetStock
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func containsRune(s string, r byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == r {
			return true
		}
	}
	return false
}

// evaluate applies the ordered filters to one snapshot. The snapshot matches
// only when every active filter passes; the match score is the passed/active
// ratio scaled to 100.
func (e *Engine) evaluate(snap domain.AssetSnapshot, checks []filterCheck, active int, tf domain.Timeframe) (domain.ScanResult, bool) {
	var matched []string
	for _, c := range checks {
		if !c.active {
			continue
		}
		if !c.pass(snap) {
			return domain.ScanResult{}, false
		}
		matched = append(matched, c.name)
	}

	score := 100.0
	if active > 0 {
		score = float64(len(matched)) / float64(active) * 100
	}

	return domain.ScanResult{
		Symbol:          snap.Symbol,
		AssetType:       snap.AssetType,
		Price:           snap.Price,
		Change:          snap.Change,
		ChangePercent:   snap.ChangePercent,
		Volume:          snap.Volume,
		MatchScore:      score,
		MatchedFilters:  matched,
		IndicatorValues: snap.Indicators,
		At:              e.clock.Now(),
		Timeframe:       tf,
	}, true
}

// sortResults orders by the configured key, falling back to match score
// descending; ties always break by symbol ascending.
func sortResults(results []domain.ScanResult, cfg domain.ScannerConfig) {
	key := cfg.SortBy
	desc := cfg.SortOrder != "asc"
	if key == "" {
		key = "match_score"
		desc = true
	}

	value := func(r domain.ScanResult) (float64, bool) {
		switch key {
		case "match_score":
			return r.MatchScore, true
		case "price":
			return r.Price, true
		case "change":
			return r.Change, true
		case "change_percent":
			return r.ChangePercent, true
		case "volume":
			return float64(r.Volume), true
		default:
			if v, ok := r.IndicatorValues[key]; ok {
				return v, true
			}
			return r.MatchScore, true
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		vi, _ := value(results[i])
		vj, _ := value(results[j])
		if vi != vj {
			if desc {
				return vi > vj
			}
			return vi < vj
		}
		return results[i].Symbol < results[j].Symbol
	})
}
