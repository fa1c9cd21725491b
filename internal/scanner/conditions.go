package scanner

import (
	"strconv"
	"strings"

	"github.com/rcmckee/tradewire/internal/domain"
)

// FieldValue resolves a dotted-path accessor against a snapshot. Supported
// roots: the flat OHLCV fields plus "indicators.*" and "fundamentals.*".
func FieldValue(snap domain.AssetSnapshot, path string) (any, bool) {
	switch path {
	case "symbol":
		return snap.Symbol, true
	case "asset_type":
		return string(snap.AssetType), true
	case "sector":
		return snap.Sector, true
	case "price":
		return snap.Price, true
	case "open":
		return snap.Open, true
	case "high":
		return snap.High, true
	case "low":
		return snap.Low, true
	case "prev_close":
		return snap.PrevClose, true
	case "change":
		return snap.Change, true
	case "change_percent":
		return snap.ChangePercent, true
	case "volume":
		return float64(snap.Volume), true
	case "avg_volume":
		return float64(snap.AvgVolume), true
	case "volume_ratio":
		if snap.AvgVolume <= 0 {
			return nil, false
		}
		return float64(snap.Volume) / float64(snap.AvgVolume), true
	}

	if rest, ok := strings.CutPrefix(path, "indicators."); ok {
		v, ok := snap.Indicators[rest]
		return v, ok
	}
	if rest, ok := strings.CutPrefix(path, "fundamentals."); ok {
		v, ok := snap.Fundamentals[rest]
		return v, ok
	}
	return nil, false
}

// EvalCondition evaluates one (field, op, value) predicate. Unresolvable
// fields and malformed values evaluate to false rather than failing the scan.
func EvalCondition(snap domain.AssetSnapshot, cond domain.FilterCondition) bool {
	fieldValue, ok := FieldValue(snap, cond.Field)
	if !ok {
		return false
	}

	switch cond.Op {
	case domain.OpEquals:
		return compareEqual(fieldValue, cond.Value)
	case domain.OpNotEquals:
		return !compareEqual(fieldValue, cond.Value)
	case domain.OpGreater:
		return compareNumeric(fieldValue, cond.Value, func(a, b float64) bool { return a > b })
	case domain.OpGreaterEqual:
		return compareNumeric(fieldValue, cond.Value, func(a, b float64) bool { return a >= b })
	case domain.OpLess:
		return compareNumeric(fieldValue, cond.Value, func(a, b float64) bool { return a < b })
	case domain.OpLessEqual:
		return compareNumeric(fieldValue, cond.Value, func(a, b float64) bool { return a <= b })
	case domain.OpBetween:
		return compareBetween(fieldValue, cond.Value)
	case domain.OpNotBetween:
		lo, hi, v, ok := betweenOperands(fieldValue, cond.Value)
		return ok && !(v >= lo && v <= hi)
	case domain.OpIn:
		return containsValue(cond.Value, fieldValue)
	case domain.OpNotIn:
		if _, listOK := cond.Value.([]any); !listOK {
			return false
		}
		return !containsValue(cond.Value, fieldValue)
	case domain.OpContains:
		return strings.Contains(
			strings.ToLower(toString(fieldValue)),
			strings.ToLower(toString(cond.Value)),
		)
	case domain.OpCrossesAbove:
		return crossesAbove(snap, cond)
	case domain.OpCrossesBelow:
		return crossesBelow(snap, cond)
	default:
		return false
	}
}

// EvalGroup evaluates a filter-condition tree: leaves are predicates,
// branches combine with AND/OR.
func EvalGroup(snap domain.AssetSnapshot, group domain.FilterGroup) bool {
	results := make([]bool, 0, len(group.Conditions)+len(group.Groups))
	for _, cond := range group.Conditions {
		results = append(results, EvalCondition(snap, cond))
	}
	for _, nested := range group.Groups {
		results = append(results, EvalGroup(snap, nested))
	}
	if len(results) == 0 {
		return true
	}

	if strings.EqualFold(group.Operator, "OR") {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	// AND is the default operator.
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

// crossesAbove checks whether the price moved from at-or-below to above the
// target between the previous close and now. History holds closes, so only
// the price field uses it; other fields, and price without history, get a
// plain greater-than comparison.
func crossesAbove(snap domain.AssetSnapshot, cond domain.FilterCondition) bool {
	target, ok := toFloat(cond.Value)
	if !ok {
		return false
	}
	current, ok := toFloat(mustField(snap, cond.Field))
	if !ok {
		return false
	}

	if cond.Field == "price" && len(snap.History) > 0 {
		prev := snap.History[len(snap.History)-1]
		return prev <= target && current > target
	}
	return current > target
}

func crossesBelow(snap domain.AssetSnapshot, cond domain.FilterCondition) bool {
	target, ok := toFloat(cond.Value)
	if !ok {
		return false
	}
	current, ok := toFloat(mustField(snap, cond.Field))
	if !ok {
		return false
	}

	if cond.Field == "price" && len(snap.History) > 0 {
		prev := snap.History[len(snap.History)-1]
		return prev >= target && current < target
	}
	return current < target
}

func mustField(snap domain.AssetSnapshot, path string) any {
	v, _ := FieldValue(snap, path)
	return v
}

func compareEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		diff := af - bf
		if diff < 0 {
			diff = -diff
		}
		return diff < 1e-10
	}
	return strings.EqualFold(toString(a), toString(b))
}

func compareNumeric(a, b any, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && cmp(af, bf)
}

func betweenOperands(fieldValue, rangeValue any) (lo, hi, v float64, ok bool) {
	list, isList := rangeValue.([]any)
	if !isList || len(list) != 2 {
		return 0, 0, 0, false
	}
	lo, loOK := toFloat(list[0])
	hi, hiOK := toFloat(list[1])
	v, vOK := toFloat(fieldValue)
	return lo, hi, v, loOK && hiOK && vOK
}

func compareBetween(fieldValue, rangeValue any) bool {
	lo, hi, v, ok := betweenOperands(fieldValue, rangeValue)
	return ok && v >= lo && v <= hi
}

func containsValue(listValue, fieldValue any) bool {
	list, ok := listValue.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if compareEqual(fieldValue, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
