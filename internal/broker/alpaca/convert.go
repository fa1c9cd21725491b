package alpaca

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/domain"
)

// statusFromWire maps venue order statuses to the normalized lifecycle.
var statusFromWire = map[string]domain.OrderStatus{
	"new":             domain.OrderStatusSubmitted,
	"accepted":        domain.OrderStatusAccepted,
	"partial_fill":    domain.OrderStatusPartiallyFilled,
	"partially_filled": domain.OrderStatusPartiallyFilled,
	"filled":          domain.OrderStatusFilled,
	"done_for_day":    domain.OrderStatusExpired,
	"expired":         domain.OrderStatusExpired,
	"canceled":        domain.OrderStatusCanceled,
	"replaced":        domain.OrderStatusAccepted,
	"pending_cancel":  domain.OrderStatusPending,
	"pending_replace": domain.OrderStatusPending,
	"pending_new":     domain.OrderStatusPending,
	"rejected":        domain.OrderStatusRejected,
	"suspended":       domain.OrderStatusRejected,
	"calculated":      domain.OrderStatusAccepted,
}

// statusToWire maps normalized statuses back to venue strings.
var statusToWire = map[domain.OrderStatus]string{
	domain.OrderStatusPending:         "pending_new",
	domain.OrderStatusSubmitted:       "new",
	domain.OrderStatusAccepted:        "accepted",
	domain.OrderStatusPartiallyFilled: "partial_fill",
	domain.OrderStatusFilled:          "filled",
	domain.OrderStatusCanceled:        "canceled",
	domain.OrderStatusRejected:        "rejected",
	domain.OrderStatusExpired:         "done_for_day",
}

var orderTypeToWire = map[domain.OrderType]string{
	domain.OrderTypeMarket:       "market",
	domain.OrderTypeLimit:        "limit",
	domain.OrderTypeStop:         "stop",
	domain.OrderTypeStopLimit:    "stop_limit",
	domain.OrderTypeTrailingStop: "trailing_stop",
}

var orderTypeFromWire = map[string]domain.OrderType{
	"market":        domain.OrderTypeMarket,
	"limit":         domain.OrderTypeLimit,
	"stop":          domain.OrderTypeStop,
	"stop_limit":    domain.OrderTypeStopLimit,
	"trailing_stop": domain.OrderTypeTrailingStop,
}

var tifToWire = map[domain.TimeInForce]string{
	domain.TIFDay: "day",
	domain.TIFGTC: "gtc",
	domain.TIFIOC: "ioc",
	domain.TIFFOK: "fok",
}

var tifFromWire = map[string]domain.TimeInForce{
	"day": domain.TIFDay,
	"gtc": domain.TIFGTC,
	"ioc": domain.TIFIOC,
	"fok": domain.TIFFOK,
}

// wireOrder is the venue's order JSON.
type wireOrder struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Qty            string `json:"qty"`
	Type           string `json:"type"`
	TimeInForce    string `json:"time_in_force"`
	LimitPrice     string `json:"limit_price"`
	StopPrice      string `json:"stop_price"`
	TrailPrice     string `json:"trail_price"`
	TrailPercent   string `json:"trail_percent"`
	ExtendedHours  bool   `json:"extended_hours"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	SubmittedAt    string `json:"submitted_at"`
	FilledAt       string `json:"filled_at"`
	CanceledAt     string `json:"canceled_at"`
	AssetID        string `json:"asset_id"`
	AssetClass     string `json:"asset_class"`
}

func parseWireTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (w wireOrder) toDomain(accountID string) domain.Order {
	qty, _ := decimal.NewFromString(w.Qty)
	filled, _ := decimal.NewFromString(w.FilledQty)

	status, ok := statusFromWire[w.Status]
	if !ok {
		status = domain.OrderStatusPending
	}
	orderType, ok := orderTypeFromWire[w.Type]
	if !ok {
		orderType = domain.OrderTypeMarket
	}
	tif, ok := tifFromWire[w.TimeInForce]
	if !ok {
		tif = domain.TIFDay
	}

	order := domain.Order{
		ID:            w.ID,
		ClientRef:     w.ClientOrderID,
		AccountID:     accountID,
		Symbol:        w.Symbol,
		Side:          domain.OrderSide(w.Side),
		Quantity:      qty,
		Type:          orderType,
		TimeInForce:   tif,
		LimitPrice:    mustP(w.LimitPrice),
		StopPrice:     mustP(w.StopPrice),
		TrailAmount:   mustP(w.TrailPrice),
		TrailPercent:  mustP(w.TrailPercent),
		ExtendedHours: w.ExtendedHours,
		Status:        status,
		FilledQty:     filled,
		AvgFillPrice:  mustP(w.FilledAvgPrice),
		Commission:    decimal.Zero,
		SubmittedAt:   parseWireTime(w.SubmittedAt),
		FilledAt:      parseWireTime(w.FilledAt),
		CanceledAt:    parseWireTime(w.CanceledAt),
		BrokerMeta: map[string]string{
			"venue_id":    w.ID,
			"asset_id":    w.AssetID,
			"asset_class": w.AssetClass,
		},
	}
	if t := parseWireTime(w.CreatedAt); t != nil {
		order.CreatedAt = *t
	}
	if t := parseWireTime(w.UpdatedAt); t != nil {
		order.UpdatedAt = *t
	}
	return order
}

// wirePosition is the venue's position JSON.
type wirePosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	MarketValue   string `json:"market_value"`
	AvgEntryPrice string `json:"avg_entry_price"`
	UnrealizedPL  string `json:"unrealized_pl"`
	CurrentPrice  string `json:"current_price"`
}

func (w wirePosition) toDomain(accountID string, now time.Time) domain.Position {
	qty, _ := decimal.NewFromString(w.Qty)
	side := domain.PositionLong
	if qty.IsNegative() {
		side = domain.PositionShort
	}

	pos := domain.Position{
		AccountID: accountID,
		Symbol:    w.Symbol,
		Side:      side,
		Quantity:  qty.Abs(),
		UpdatedAt: now,
	}
	if p := mustP(w.AvgEntryPrice); p != nil {
		pos.AvgCost = *p
	}
	if p := mustP(w.MarketValue); p != nil {
		pos.MarketValue = p.Abs()
	}
	if p := mustP(w.UnrealizedPL); p != nil {
		pos.UnrealizedPnL = *p
	}
	if p := mustP(w.CurrentPrice); p != nil {
		pos.CurrentPrice = *p
	}
	return pos
}

// wireAccount is the venue's account JSON.
type wireAccount struct {
	ID               string `json:"id"`
	Cash             string `json:"cash"`
	BuyingPower      string `json:"buying_power"`
	Equity           string `json:"equity"`
	LongMarketValue  string `json:"long_market_value"`
	ShortMarketValue string `json:"short_market_value"`
	DaytradeCount    int    `json:"daytrade_count"`
	PatternDayTrader bool   `json:"pattern_day_trader"`
	AccountBlocked   bool   `json:"account_blocked"`
	TradingBlocked   bool   `json:"trading_blocked"`
}

func (w wireAccount) toDomain(now time.Time) domain.Account {
	acct := domain.Account{
		ID:            w.ID,
		Type:          domain.AccountMargin,
		DayTradeCount: w.DaytradeCount,
		Restricted:    w.AccountBlocked || w.TradingBlocked,
		UpdatedAt:     now,
	}
	if w.PatternDayTrader {
		acct.Type = domain.AccountPDT
	}
	if p := mustP(w.Cash); p != nil {
		acct.Cash = *p
	}
	if p := mustP(w.BuyingPower); p != nil {
		acct.BuyingPower = *p
	}
	if p := mustP(w.Equity); p != nil {
		acct.Equity = *p
	}
	if p := mustP(w.LongMarketValue); p != nil {
		acct.LongMarketValue = *p
	}
	if p := mustP(w.ShortMarketValue); p != nil {
		acct.ShortMarketValue = *p
	}
	return acct
}

// wireWebhook is the venue's callback payload.
type wireWebhook struct {
	WebhookID string `json:"webhook_id"`
	EventType string `json:"event_type"`
	AccountID string `json:"account_id"`
	Data      struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
		Reason  string `json:"reason"`
		Fill    struct {
			Quantity string `json:"quantity"`
			Price    string `json:"price"`
		} `json:"fill"`
		CumulativeFilledQuantity string `json:"cumulative_filled_quantity"`
		TotalQuantity            string `json:"total_quantity"`
	} `json:"data"`
}

// ParseWebhook maps a venue callback into normalized events.
func (a *Adapter) ParseWebhook(rawBody []byte) ([]broker.WebhookEvent, error) {
	var payload wireWebhook
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, domain.WrapBrokerError(domain.KindValidation, "malformed alpaca webhook", err)
	}
	if payload.Data.OrderID == "" {
		return nil, domain.NewBrokerError(domain.KindValidation, "alpaca webhook missing order_id")
	}

	status, ok := statusFromWire[payload.Data.Status]
	if !ok && payload.Data.Status != "" {
		return nil, domain.NewBrokerError(domain.KindValidation,
			"unknown alpaca order status "+payload.Data.Status)
	}

	evt := broker.WebhookEvent{
		WebhookID:     payload.WebhookID,
		OrderID:       payload.Data.OrderID,
		EventType:     payload.EventType,
		Status:        status,
		Reason:        payload.Data.Reason,
		FillQty:       mustP(payload.Data.Fill.Quantity),
		FillPrice:     mustP(payload.Data.Fill.Price),
		CumulativeQty: mustP(payload.Data.CumulativeFilledQuantity),
		TotalQty:      mustP(payload.Data.TotalQuantity),
	}
	return []broker.WebhookEvent{evt}, nil
}
