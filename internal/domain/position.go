package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide indicates long or short inventory.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position is a holding in one symbol, maintained by the broker adapter from
// the authoritative source (or derived, for the paper adapter).
type Position struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AccountType classifies the trading account.
type AccountType string

const (
	AccountCash   AccountType = "cash"
	AccountMargin AccountType = "margin"
	AccountPDT    AccountType = "pdt"
)

// Account is authoritative at the broker and cached with a TTL.
type Account struct {
	ID               string          `json:"id"`
	Type             AccountType     `json:"type"`
	Cash             decimal.Decimal `json:"cash"`
	BuyingPower      decimal.Decimal `json:"buying_power"`
	Equity           decimal.Decimal `json:"equity"`
	LongMarketValue  decimal.Decimal `json:"long_market_value"`
	ShortMarketValue decimal.Decimal `json:"short_market_value"`
	DayTradeCount    int             `json:"day_trade_count"`
	Restricted       bool            `json:"restricted"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Quote is a streaming top-of-book quote.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	At     time.Time       `json:"at"`
}
