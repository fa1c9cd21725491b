package aggregate

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

func newTestService(cfg Config) *Service {
	fake := clock.NewFake(time.Date(2025, 6, 3, 11, 0, 0, 0, time.UTC))
	return New(cfg, fake, slog.Default())
}

func input(id string, results ...domain.ScanResult) Input {
	return Input{
		ScannerID:   id,
		ScannerName: id,
		Response:    domain.ScanResponse{ScannerID: id, Results: results},
	}
}

func result(symbol string, score float64, filters ...string) domain.ScanResult {
	return domain.ScanResult{Symbol: symbol, MatchScore: score, MatchedFilters: filters}
}

func TestMinScannersRequired(t *testing.T) {
	svc := newTestService(DefaultConfig())

	out := svc.Aggregate([]Input{
		input("s1", result("AAPL", 90, "price")),
		input("s2", result("MSFT", 90, "price")),
	})
	assert.Empty(t, out, "symbols seen by a single scanner are dropped")

	out = svc.Aggregate([]Input{
		input("s1", result("AAPL", 90, "price")),
		input("s2", result("AAPL", 88, "technical")),
	})
	require.Len(t, out, 1)
	assert.Equal(t, "AAPL", out[0].Symbol)
	assert.Equal(t, 2, out[0].ScannerCount)
}

func TestConsensusScenario(t *testing.T) {
	// Three scanners report AAPL {80, 85, 82} via three filter categories
	// with equal weights: base + diversity + consensus lands in [90,100]
	// and confidence stays at or above 95.
	svc := newTestService(DefaultConfig())

	out := svc.Aggregate([]Input{
		input("s1", result("AAPL", 80, "technical")),
		input("s2", result("AAPL", 85, "fundamental")),
		input("s3", result("AAPL", 82, "momentum")),
	})
	require.Len(t, out, 1)

	r := out[0]
	assert.GreaterOrEqual(t, r.AggregateScore, 90.0)
	assert.LessOrEqual(t, r.AggregateScore, 100.0)
	assert.GreaterOrEqual(t, r.Confidence, 95.0)
	assert.Equal(t, 3, r.ScannerCount)
	assert.InDelta(t, 4.5, r.DiversityScore, 0.001, "three distinct filter kinds")
	assert.InDelta(t, 6.0, r.ConsensusScore, 0.001, "2 points per scanner")
}

func TestScoreBounds(t *testing.T) {
	svc := newTestService(Config{MinScannersRequired: 2, MaxResults: 10, MinAggregateScore: 0})

	out := svc.Aggregate([]Input{
		input("s1", result("AAPL", 100, "price", "volume", "technical", "fundamental", "momentum")),
		input("s2", result("AAPL", 100, "price", "volume", "technical", "fundamental", "momentum")),
		input("s3", result("AAPL", 100, "pattern")),
		input("s4", result("AAPL", 100, "custom")),
		input("s5", result("AAPL", 100, "price")),
		input("s6", result("AAPL", 100, "price")),
	})
	require.Len(t, out, 1)
	assert.LessOrEqual(t, out[0].AggregateScore, 100.0, "bonuses never push past 100")
	assert.GreaterOrEqual(t, out[0].Confidence, 0.0)
	assert.LessOrEqual(t, out[0].Confidence, 100.0)
}

func TestMonotonicInScores(t *testing.T) {
	svc := newTestService(Config{MinScannersRequired: 2, MaxResults: 10, MinAggregateScore: 0})

	low := svc.Aggregate([]Input{
		input("s1", result("AAPL", 60, "price")),
		input("s2", result("AAPL", 60, "technical")),
	})
	high := svc.Aggregate([]Input{
		input("s1", result("AAPL", 80, "price")),
		input("s2", result("AAPL", 80, "technical")),
	})
	require.Len(t, low, 1)
	require.Len(t, high, 1)
	assert.Greater(t, high[0].AggregateScore, low[0].AggregateScore,
		"aggregate score is monotonic in per-scanner scores with weights held constant")
}

func TestConfiguredWeightsDominate(t *testing.T) {
	svc := newTestService(Config{MinScannersRequired: 2, MaxResults: 10, MinAggregateScore: 0})
	svc.SetWeight("heavy", Weight{Weight: 10, ConfidenceMultiplier: 1})
	svc.SetWeight("light", Weight{Weight: 0.1, ConfidenceMultiplier: 1})

	out := svc.Aggregate([]Input{
		input("heavy", result("AAPL", 90, "price")),
		input("light", result("AAPL", 10, "technical")),
	})
	require.Len(t, out, 1)

	// Base is pulled toward the heavy scanner: (90*10 + 10*0.1) / 10.1 ~= 89.2.
	assert.Greater(t, out[0].AggregateScore, 85.0)
}

func TestReliabilityDerivedWeights(t *testing.T) {
	svc := newTestService(Config{MinScannersRequired: 2, MaxResults: 10, MinAggregateScore: 0})

	// 3 of 4 successes at average score 80: 0.7*0.75 + 0.3*0.8 = 0.765.
	svc.RecordFeedback("s1", true, 80)
	svc.RecordFeedback("s1", true, 80)
	svc.RecordFeedback("s1", true, 80)
	svc.RecordFeedback("s1", false, 80)

	rel, ok := svc.Reliability("s1")
	require.True(t, ok)
	assert.InDelta(t, 0.765, rel, 0.0001)
}

func TestPriorityEscalation(t *testing.T) {
	svc := newTestService(Config{MinScannersRequired: 2, MaxResults: 10, MinAggregateScore: 0})
	svc.SetPortfolio([]string{"PORT"})
	svc.SetWatchlist([]string{"WATCH"})

	out := svc.Aggregate([]Input{
		input("s1",
			result("PORT", 80, "price"),
			result("WATCH", 80, "price"),
			result("OTHER", 80, "price"),
		),
		input("s2",
			result("PORT", 80, "technical"),
			result("WATCH", 80, "technical"),
			result("OTHER", 80, "technical"),
		),
	})
	require.Len(t, out, 3)

	byName := map[string]domain.AggregatedResult{}
	for _, r := range out {
		byName[r.Symbol] = r
	}

	// Scores land ~87: portfolio >= 80 escalates to critical, watchlist
	// >= 85 to high, plain symbols need >= 90 with 4 scanners.
	assert.Equal(t, domain.PriorityCritical, byName["PORT"].Priority)
	assert.Equal(t, domain.PriorityHigh, byName["WATCH"].Priority)
	assert.Equal(t, domain.PriorityLow, byName["OTHER"].Priority)
}

func TestInsightsDeterministic(t *testing.T) {
	svc := newTestService(Config{MinScannersRequired: 2, MaxResults: 10, MinAggregateScore: 0})
	svc.SetPortfolio([]string{"AAPL"})

	inputs := []Input{
		input("s1", result("AAPL", 85, "technical")),
		input("s2", result("AAPL", 88, "technical")),
		input("s3", result("AAPL", 84, "technical")),
		input("s4", result("AAPL", 86, "technical")),
	}

	first := svc.Aggregate(inputs)
	second := svc.Aggregate(inputs)
	require.Len(t, first, 1)

	assert.Equal(t, first[0].Insights, second[0].Insights, "insights are deterministic")

	types := map[string]bool{}
	for _, ins := range first[0].Insights {
		types[ins.Type] = true
	}
	assert.True(t, types["consensus"], "4+ scanners averaging >= 80")
	assert.True(t, types["pattern"], "dominant filter fired on 60%+")
	assert.True(t, types["portfolio"])
}

func TestMaxResultsCap(t *testing.T) {
	svc := newTestService(Config{MinScannersRequired: 2, MaxResults: 2, MinAggregateScore: 0})

	var in1, in2 Input
	in1.ScannerID, in1.ScannerName = "s1", "s1"
	in2.ScannerID, in2.ScannerName = "s2", "s2"
	for i := 0; i < 5; i++ {
		sym := fmt.Sprintf("SYM%d", i)
		in1.Response.Results = append(in1.Response.Results, result(sym, 80+float64(i), "price"))
		in2.Response.Results = append(in2.Response.Results, result(sym, 80+float64(i), "technical"))
	}

	out := svc.Aggregate([]Input{in1, in2})
	require.Len(t, out, 2)
	assert.GreaterOrEqual(t, out[0].AggregateScore, out[1].AggregateScore, "ranked by score")
}

func TestSectorDistribution(t *testing.T) {
	svc := newTestService(DefaultConfig())
	svc.SetSectorMap(map[string]string{"AAPL": "Technology", "XOM": "Energy"})

	dist := svc.SectorDistribution([]domain.AggregatedResult{
		{Symbol: "AAPL"}, {Symbol: "XOM"}, {Symbol: "ZZZ"},
	})
	assert.Equal(t, map[string]int{"Technology": 1, "Energy": 1, "unknown": 1}, dist)
}
