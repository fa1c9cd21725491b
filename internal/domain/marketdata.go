package domain

import (
	"context"
	"time"
)

// AssetType classifies the instruments a scanner can cover.
type AssetType string

const (
	AssetStock  AssetType = "stock"
	AssetCrypto AssetType = "crypto"
	AssetForex  AssetType = "forex"
	AssetIndex  AssetType = "index"
)

// Timeframe is the bar interval a snapshot was computed over.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1m"
	Timeframe5Min  Timeframe = "5m"
	Timeframe15Min Timeframe = "15m"
	Timeframe1Hour Timeframe = "1h"
	Timeframe1Day  Timeframe = "1d"
	Timeframe1Week Timeframe = "1w"
)

// Pattern is a detected chart pattern with a confidence in [0,100].
type Pattern struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// AssetSnapshot is the OHLCV + indicator view of one symbol at one instant,
// produced by a MarketDataProvider. Filter evaluation treats it as read-only.
type AssetSnapshot struct {
	Symbol        string             `json:"symbol"`
	AssetType     AssetType          `json:"asset_type"`
	Price         float64            `json:"price"`
	Open          float64            `json:"open"`
	High          float64            `json:"high"`
	Low           float64            `json:"low"`
	PrevClose     float64            `json:"prev_close"`
	Change        float64            `json:"change"`
	ChangePercent float64            `json:"change_percent"`
	Volume        int64              `json:"volume"`
	AvgVolume     int64              `json:"avg_volume"`
	Indicators    map[string]float64 `json:"indicators,omitempty"`
	Fundamentals  map[string]float64 `json:"fundamentals,omitempty"`
	Sector        string             `json:"sector,omitempty"`
	Patterns      []Pattern          `json:"patterns,omitempty"`
	// History holds recent closes oldest-first when the provider supplies
	// them; crossesAbove/crossesBelow use it for the price field only and
	// degrade to plain comparisons without it.
	History []float64 `json:"history,omitempty"`
	At      time.Time `json:"at"`
}

// MarketDataProvider supplies asset universes and snapshots. Vendor adapters
// live outside this module; the paper provider ships for tests and paper mode.
type MarketDataProvider interface {
	Symbols(ctx context.Context, assetType AssetType) ([]string, error)
	Snapshot(ctx context.Context, symbol string, tf Timeframe) (AssetSnapshot, error)
}
