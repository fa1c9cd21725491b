package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcmckee/tradewire/internal/domain"
)

func condSnap() domain.AssetSnapshot {
	return domain.AssetSnapshot{
		Symbol:        "AAPL",
		AssetType:     domain.AssetStock,
		Price:         150.5,
		High:          152,
		Low:           148,
		ChangePercent: 2.5,
		Volume:        2_000_000,
		AvgVolume:     1_000_000,
		Sector:        "Technology",
		Indicators:    map[string]float64{"rsi": 65, "macd_histogram": 0.4},
		Fundamentals:  map[string]float64{"pe_ratio": 28},
		History:       []float64{148, 149.5},
	}
}

func TestEvalConditionOperators(t *testing.T) {
	snap := condSnap()

	tests := []struct {
		name string
		cond domain.FilterCondition
		want bool
	}{
		{"eq match", domain.FilterCondition{Field: "price", Op: domain.OpEquals, Value: 150.5}, true},
		{"eq mismatch", domain.FilterCondition{Field: "price", Op: domain.OpEquals, Value: 150.6}, false},
		{"neq", domain.FilterCondition{Field: "price", Op: domain.OpNotEquals, Value: 10.0}, true},
		{"gt", domain.FilterCondition{Field: "price", Op: domain.OpGreater, Value: 100.0}, true},
		{"gte boundary", domain.FilterCondition{Field: "price", Op: domain.OpGreaterEqual, Value: 150.5}, true},
		{"lt", domain.FilterCondition{Field: "price", Op: domain.OpLess, Value: 100.0}, false},
		{"lte", domain.FilterCondition{Field: "change_percent", Op: domain.OpLessEqual, Value: 2.5}, true},
		{"between", domain.FilterCondition{Field: "price", Op: domain.OpBetween, Value: []any{100.0, 200.0}}, true},
		{"between outside", domain.FilterCondition{Field: "price", Op: domain.OpBetween, Value: []any{10.0, 20.0}}, false},
		{"not_between", domain.FilterCondition{Field: "price", Op: domain.OpNotBetween, Value: []any{10.0, 20.0}}, true},
		{"in", domain.FilterCondition{Field: "sector", Op: domain.OpIn, Value: []any{"Technology", "Energy"}}, true},
		{"not_in", domain.FilterCondition{Field: "sector", Op: domain.OpNotIn, Value: []any{"Energy"}}, true},
		{"contains", domain.FilterCondition{Field: "sector", Op: domain.OpContains, Value: "tech"}, true},
		{"indicator path", domain.FilterCondition{Field: "indicators.rsi", Op: domain.OpGreater, Value: 60.0}, true},
		{"fundamental path", domain.FilterCondition{Field: "fundamentals.pe_ratio", Op: domain.OpLess, Value: 30.0}, true},
		{"unknown field", domain.FilterCondition{Field: "bogus.path", Op: domain.OpGreater, Value: 1.0}, false},
		{"volume ratio derived", domain.FilterCondition{Field: "volume_ratio", Op: domain.OpGreaterEqual, Value: 2.0}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvalCondition(snap, tc.cond))
		})
	}
}

func TestCrossesWithHistory(t *testing.T) {
	snap := condSnap() // prev close 149.5, current 150.5

	assert.True(t, EvalCondition(snap, domain.FilterCondition{
		Field: "price", Op: domain.OpCrossesAbove, Value: 150.0,
	}), "crossed from 149.5 to 150.5 over 150")

	assert.False(t, EvalCondition(snap, domain.FilterCondition{
		Field: "price", Op: domain.OpCrossesAbove, Value: 149.0,
	}), "already above 149 before, no cross")

	assert.False(t, EvalCondition(snap, domain.FilterCondition{
		Field: "price", Op: domain.OpCrossesBelow, Value: 150.0,
	}))
}

func TestCrossesDegradeWithoutHistory(t *testing.T) {
	snap := condSnap()
	snap.History = nil

	// Degrades to a plain comparison against the current value.
	assert.True(t, EvalCondition(snap, domain.FilterCondition{
		Field: "price", Op: domain.OpCrossesAbove, Value: 149.0,
	}))
	assert.True(t, EvalCondition(snap, domain.FilterCondition{
		Field: "price", Op: domain.OpCrossesBelow, Value: 151.0,
	}))
}

func TestEvalGroupLogic(t *testing.T) {
	snap := condSnap()

	priceHigh := domain.FilterCondition{Field: "price", Op: domain.OpGreater, Value: 1000.0}
	priceOK := domain.FilterCondition{Field: "price", Op: domain.OpGreater, Value: 100.0}
	volumeOK := domain.FilterCondition{Field: "volume", Op: domain.OpGreater, Value: 1_000_000.0}

	andGroup := domain.FilterGroup{Operator: "AND", Conditions: []domain.FilterCondition{priceOK, volumeOK}}
	assert.True(t, EvalGroup(snap, andGroup))

	andFail := domain.FilterGroup{Operator: "AND", Conditions: []domain.FilterCondition{priceOK, priceHigh}}
	assert.False(t, EvalGroup(snap, andFail))

	orGroup := domain.FilterGroup{Operator: "OR", Conditions: []domain.FilterCondition{priceHigh, volumeOK}}
	assert.True(t, EvalGroup(snap, orGroup))

	nested := domain.FilterGroup{
		Operator:   "AND",
		Conditions: []domain.FilterCondition{priceOK},
		Groups:     []domain.FilterGroup{orGroup},
	}
	assert.True(t, EvalGroup(snap, nested))
}
