package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce is the order's time-in-force policy.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status has no outgoing transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a normalized client intent to buy or sell a quantity of a symbol.
// It is created by the lifecycle manager on placement and mutated only under
// the per-order lock.
type Order struct {
	ID            string            `json:"id"`
	ClientRef     string            `json:"client_ref,omitempty"`
	AccountID     string            `json:"account_id"`
	Symbol        string            `json:"symbol"`
	Side          OrderSide         `json:"side"`
	Quantity      decimal.Decimal   `json:"quantity"`
	Type          OrderType         `json:"type"`
	TimeInForce   TimeInForce       `json:"time_in_force"`
	LimitPrice    *decimal.Decimal  `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal  `json:"stop_price,omitempty"`
	TrailAmount   *decimal.Decimal  `json:"trail_amount,omitempty"`
	TrailPercent  *decimal.Decimal  `json:"trail_percent,omitempty"`
	ExtendedHours bool              `json:"extended_hours"`
	Status        OrderStatus       `json:"status"`
	FilledQty     decimal.Decimal   `json:"filled_qty"`
	AvgFillPrice  *decimal.Decimal  `json:"avg_fill_price,omitempty"`
	Commission    decimal.Decimal   `json:"commission"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	SubmittedAt   *time.Time        `json:"submitted_at,omitempty"`
	FilledAt      *time.Time        `json:"filled_at,omitempty"`
	CanceledAt    *time.Time        `json:"canceled_at,omitempty"`
	BrokerMeta    map[string]string `json:"broker_meta,omitempty"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// OrderRequest is the client-supplied shape of a new order, before the
// lifecycle manager assigns ids and timestamps.
type OrderRequest struct {
	ClientRef     string           `json:"client_ref,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Type          OrderType        `json:"type"`
	TimeInForce   TimeInForce      `json:"time_in_force"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TrailAmount   *decimal.Decimal `json:"trail_amount,omitempty"`
	TrailPercent  *decimal.Decimal `json:"trail_percent,omitempty"`
	ExtendedHours bool             `json:"extended_hours"`
}

// OrderUpdate carries the mutable fields of an order modification.
type OrderUpdate struct {
	OrderID     string           `json:"order_id"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce *TimeInForce     `json:"time_in_force,omitempty"`
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	Status *OrderStatus
	Symbol string
	Limit  int
}

// Fill is an immutable execution record reporting that some quantity of an
// order traded at a price.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	At         time.Time       `json:"at"`
	Venue      string          `json:"venue,omitempty"`
}

// OrderEvent records a single lifecycle transition. Append-only.
type OrderEvent struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	Label     string            `json:"label"`
	OldStatus OrderStatus       `json:"old_status,omitempty"`
	NewStatus OrderStatus       `json:"new_status"`
	Quantity  *decimal.Decimal  `json:"quantity,omitempty"`
	Price     *decimal.Decimal  `json:"price,omitempty"`
	At        time.Time         `json:"at"`
	Meta      map[string]string `json:"meta,omitempty"`
}
