package domain

import "time"

// CompareOp is a filter-condition comparison operator.
type CompareOp string

const (
	OpEquals       CompareOp = "eq"
	OpNotEquals    CompareOp = "neq"
	OpGreater      CompareOp = "gt"
	OpGreaterEqual CompareOp = "gte"
	OpLess         CompareOp = "lt"
	OpLessEqual    CompareOp = "lte"
	OpBetween      CompareOp = "between"
	OpNotBetween   CompareOp = "not_between"
	OpIn           CompareOp = "in"
	OpNotIn        CompareOp = "not_in"
	OpContains     CompareOp = "contains"
	OpCrossesAbove CompareOp = "crosses_above"
	OpCrossesBelow CompareOp = "crosses_below"
)

// FilterCondition is a single (field, op, value) predicate. Field uses dotted
// paths into the snapshot, e.g. "indicators.rsi".
type FilterCondition struct {
	Field string    `json:"field"`
	Op    CompareOp `json:"operator"`
	Value any       `json:"value"`
}

// FilterGroup combines conditions and nested groups with AND/OR.
type FilterGroup struct {
	Operator   string            `json:"operator"` // "AND" or "OR"
	Conditions []FilterCondition `json:"conditions,omitempty"`
	Groups     []FilterGroup     `json:"groups,omitempty"`
}

// PriceFilter bounds price behavior.
type PriceFilter struct {
	MinPrice         *float64 `json:"min_price,omitempty"`
	MaxPrice         *float64 `json:"max_price,omitempty"`
	MinChangePercent *float64 `json:"min_change_percent,omitempty"`
	AboveVWAP        *bool    `json:"above_vwap,omitempty"`
	NearHighPercent  *float64 `json:"near_high_percent,omitempty"`
	NearLowPercent   *float64 `json:"near_low_percent,omitempty"`
}

// VolumeFilter bounds traded volume.
type VolumeFilter struct {
	MinVolume    *int64   `json:"min_volume,omitempty"`
	MaxVolume    *int64   `json:"max_volume,omitempty"`
	VolumeRatio  *float64 `json:"volume_ratio,omitempty"`
	DollarVolume *float64 `json:"dollar_volume,omitempty"`
}

// TechnicalFilter bounds indicator values.
type TechnicalFilter struct {
	RSIMin            *float64 `json:"rsi_min,omitempty"`
	RSIMax            *float64 `json:"rsi_max,omitempty"`
	MACDSignal        string   `json:"macd_signal,omitempty"` // "bullish" or "bearish"
	ADXMin            *float64 `json:"adx_min,omitempty"`
	BollingerPosition string   `json:"bollinger_position,omitempty"`
}

// FundamentalFilter bounds fundamental metrics.
type FundamentalFilter struct {
	MarketCapMin *float64 `json:"market_cap_min,omitempty"`
	MarketCapMax *float64 `json:"market_cap_max,omitempty"`
	PERatioMin   *float64 `json:"pe_ratio_min,omitempty"`
	PERatioMax   *float64 `json:"pe_ratio_max,omitempty"`
	Sectors      []string `json:"sectors,omitempty"`
}

// MomentumFilter bounds momentum measures.
type MomentumFilter struct {
	RateOfChange     *float64 `json:"rate_of_change,omitempty"`
	RelativeStrength *float64 `json:"relative_strength,omitempty"`
}

// PatternFilter matches detected chart patterns.
type PatternFilter struct {
	PatternTypes  []string `json:"pattern_types,omitempty"`
	ConfidenceMin *float64 `json:"confidence_min,omitempty"`
}

// ScannerConfig is a user-defined, content-addressed filter pipeline over an
// asset universe.
type ScannerConfig struct {
	Name           string      `json:"name"`
	AssetTypes     []AssetType `json:"asset_types"`
	Universe       []string    `json:"universe,omitempty"`
	ExcludeSymbols []string    `json:"exclude_symbols,omitempty"`
	Timeframe      Timeframe   `json:"timeframe"`

	PriceFilter       *PriceFilter       `json:"price_filter,omitempty"`
	VolumeFilter      *VolumeFilter      `json:"volume_filter,omitempty"`
	TechnicalFilter   *TechnicalFilter   `json:"technical_filter,omitempty"`
	FundamentalFilter *FundamentalFilter `json:"fundamental_filter,omitempty"`
	MomentumFilter    *MomentumFilter    `json:"momentum_filter,omitempty"`
	PatternFilter     *PatternFilter     `json:"pattern_filter,omitempty"`
	CustomConditions  *FilterGroup       `json:"custom_conditions,omitempty"`

	SortBy    string `json:"sort_by,omitempty"`
	SortOrder string `json:"sort_order,omitempty"` // "asc" or "desc"
	Limit     int    `json:"limit,omitempty"`      // clamped to 1000
}

// ScanResult is a single matching symbol from a scanner run.
type ScanResult struct {
	Symbol          string             `json:"symbol"`
	AssetType       AssetType          `json:"asset_type"`
	Price           float64            `json:"price"`
	Change          float64            `json:"change"`
	ChangePercent   float64            `json:"change_percent"`
	Volume          int64              `json:"volume"`
	MatchScore      float64            `json:"match_score"`
	MatchedFilters  []string           `json:"matched_filters"`
	IndicatorValues map[string]float64 `json:"indicator_values,omitempty"`
	Rank            int                `json:"rank"`
	At              time.Time          `json:"at"`
	Timeframe       Timeframe          `json:"timeframe"`
}

// ScanResponse is the full result of one scanner run.
type ScanResponse struct {
	ScannerID      string       `json:"scanner_id"`
	ScannerName    string       `json:"scanner_name"`
	At             time.Time    `json:"at"`
	Results        []ScanResult `json:"results"`
	TotalMatches   int          `json:"total_matches"`
	TotalScanned   int          `json:"total_scanned"`
	DurationMs     int64        `json:"duration_ms"`
	FiltersApplied int          `json:"filters_applied"`
	ConfigHash     string       `json:"config_hash"`
	CacheHit       bool         `json:"cache_hit"`
}
