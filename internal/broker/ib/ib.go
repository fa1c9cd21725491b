// Package ib implements the IB-like broker adapter. Orders flow over a
// persistent session to a local gateway process that mints numeric order ids;
// the adapter maps them to normalized string ids.
package ib

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

// GatewayConfig locates the local gateway.
type GatewayConfig struct {
	Host     string
	Port     int
	ClientID int
}

// SignatureVerifier checks an inbound webhook. The venue's scheme is
// unspecified; deployments plug their own. A nil verifier accepts unsigned
// payloads.
type SignatureVerifier func(rawBody []byte, headers map[string]string) error

// statusFromGateway maps gateway order states to the normalized lifecycle.
// The gateway spells cancellation "cancelled"; it is normalized here at the
// boundary.
var statusFromGateway = map[string]domain.OrderStatus{
	"pendingsubmit": domain.OrderStatusPending,
	"presubmitted":  domain.OrderStatusSubmitted,
	"submitted":     domain.OrderStatusSubmitted,
	"accepted":      domain.OrderStatusAccepted,
	"partialfill":   domain.OrderStatusPartiallyFilled,
	"filled":        domain.OrderStatusFilled,
	"cancelled":     domain.OrderStatusCanceled,
	"canceled":      domain.OrderStatusCanceled,
	"inactive":      domain.OrderStatusRejected,
	"apicancelled":  domain.OrderStatusCanceled,
}

var orderTypeToGateway = map[domain.OrderType]string{
	domain.OrderTypeMarket:       "MKT",
	domain.OrderTypeLimit:        "LMT",
	domain.OrderTypeStop:         "STP",
	domain.OrderTypeStopLimit:    "STP LMT",
	domain.OrderTypeTrailingStop: "TRAIL",
}

var tifToGateway = map[domain.TimeInForce]string{
	domain.TIFDay: "DAY",
	domain.TIFGTC: "GTC",
	domain.TIFIOC: "IOC",
	domain.TIFFOK: "FOK",
}

// Adapter is the IB-like venue client.
type Adapter struct {
	*broker.Base
	gw       GatewayConfig
	verifier SignatureVerifier

	mu          sync.Mutex
	conn        net.Conn
	rw          *bufio.ReadWriter
	nextOrderID int64
	nextReqID   int
	byNormal    map[string]int64 // normalized id -> gateway numeric id
	byNumeric   map[int64]string
	// subscriptions tracks live market-data requests by symbol -> reqId.
	subscriptions map[string]int
}

// New creates an IB adapter for the given gateway.
func New(cfg broker.Config, gw GatewayConfig, c clock.Clock, logger *slog.Logger) *Adapter {
	cfg.Kind = broker.KindIB
	if gw.Host == "" {
		gw.Host = "localhost"
	}
	if gw.Port == 0 {
		if cfg.PaperTrading {
			gw.Port = 7497
		} else {
			gw.Port = 7496
		}
	}
	return &Adapter{
		Base:          broker.NewBase(cfg, c, logger),
		gw:            gw,
		byNormal:      make(map[string]int64),
		byNumeric:     make(map[int64]string),
		subscriptions: make(map[string]int),
	}
}

// SetSignatureVerifier installs the deployment's webhook scheme.
func (a *Adapter) SetSignatureVerifier(v SignatureVerifier) { a.verifier = v }

func (a *Adapter) Kind() broker.Kind { return broker.KindIB }

// Connect dials the gateway and performs the id handshake.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: a.Cfg.ConnectTimeout}
	addr := fmt.Sprintf("%s:%d", a.gw.Host, a.gw.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return domain.WrapBrokerError(domain.KindConnection, "dial gateway "+addr, err)
	}
	a.conn = conn
	a.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	resp, err := a.callLocked(gatewayRequest{Type: "handshake", ClientID: a.gw.ClientID})
	if err != nil {
		conn.Close()
		a.conn = nil
		return err
	}
	a.nextOrderID = resp.NextOrderID

	a.Logger.InfoContext(ctx, "ib: connected",
		slog.String("gateway", addr),
		slog.Int64("next_order_id", a.nextOrderID),
	)
	return nil
}

// Disconnect closes the gateway session.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.rw = nil
	a.Logger.InfoContext(ctx, "ib: disconnected")
	return err
}

// MarketOpen asks the gateway clock.
func (a *Adapter) MarketOpen(ctx context.Context) (bool, error) {
	resp, err := a.call(gatewayRequest{Type: "market_hours"})
	if err != nil {
		return false, err
	}
	return resp.MarketOpen, nil
}

// Place submits an order; the gateway assigns the numeric id.
func (a *Adapter) Place(ctx context.Context, req domain.OrderRequest, accountID string) (domain.Order, error) {
	if err := a.CheckRateLimit(); err != nil {
		return domain.Order{}, err
	}
	if err := a.ValidateOrder(req); err != nil {
		return domain.Order{}, err
	}

	a.mu.Lock()
	if a.conn == nil {
		a.mu.Unlock()
		return domain.Order{}, domain.NewBrokerError(domain.KindConnection, "not connected to gateway")
	}
	numericID := a.nextOrderID
	a.nextOrderID++
	a.mu.Unlock()

	gwOrder := gatewayOrder{
		OrderID:     numericID,
		Symbol:      a.FormatSymbol(req.Symbol),
		Action:      actionFor(req.Side),
		Quantity:    req.Quantity.String(),
		OrderType:   orderTypeToGateway[req.Type],
		TIF:         tifToGateway[req.TimeInForce],
		Account:     accountID,
		OutsideRTH:  req.ExtendedHours,
	}
	if req.LimitPrice != nil {
		gwOrder.LimitPrice = req.LimitPrice.String()
	}
	if req.StopPrice != nil {
		gwOrder.AuxPrice = req.StopPrice.String()
	}
	if req.TrailAmount != nil {
		gwOrder.AuxPrice = req.TrailAmount.String()
	}

	var resp gatewayResponse
	err := a.Retry(ctx, func() error {
		var callErr error
		resp, callErr = a.call(gatewayRequest{Type: "place", Order: &gwOrder})
		return callErr
	})
	if err != nil {
		return domain.Order{}, err
	}

	normalID := fmt.Sprintf("IB_%d", numericID)
	a.mu.Lock()
	a.byNormal[normalID] = numericID
	a.byNumeric[numericID] = normalID
	a.mu.Unlock()

	order := a.orderFromGateway(resp.Order, req, accountID, normalID)
	a.Orders.Put(order.ID, order)
	return order, nil
}

// Cancel cancels an order by its normalized id.
func (a *Adapter) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	if err := a.CheckRateLimit(); err != nil {
		return domain.Order{}, err
	}

	numericID, err := a.numericFor(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	resp, err := a.call(gatewayRequest{Type: "cancel", OrderID: numericID})
	if err != nil {
		return domain.Order{}, err
	}

	a.InvalidateEntity(orderID, "", "")
	return a.orderFromGateway(resp.Order, domain.OrderRequest{}, "", orderID), nil
}

// Modify replaces the resting order's mutable fields; the gateway reuses the
// numeric id.
func (a *Adapter) Modify(ctx context.Context, upd domain.OrderUpdate) (domain.Order, error) {
	if err := a.CheckRateLimit(); err != nil {
		return domain.Order{}, err
	}

	numericID, err := a.numericFor(upd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}

	gwOrder := gatewayOrder{OrderID: numericID}
	if upd.Quantity != nil {
		gwOrder.Quantity = upd.Quantity.String()
	}
	if upd.LimitPrice != nil {
		gwOrder.LimitPrice = upd.LimitPrice.String()
	}
	if upd.StopPrice != nil {
		gwOrder.AuxPrice = upd.StopPrice.String()
	}
	if upd.TimeInForce != nil {
		gwOrder.TIF = tifToGateway[*upd.TimeInForce]
	}

	resp, err := a.call(gatewayRequest{Type: "modify", Order: &gwOrder})
	if err != nil {
		return domain.Order{}, err
	}

	a.InvalidateEntity(upd.OrderID, "", "")
	return a.orderFromGateway(resp.Order, domain.OrderRequest{}, "", upd.OrderID), nil
}

// Get fetches one order.
func (a *Adapter) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if cached, ok := a.Orders.Get(orderID); ok {
		return cached, nil
	}

	numericID, err := a.numericFor(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	resp, err := a.call(gatewayRequest{Type: "get_order", OrderID: numericID})
	if err != nil {
		return domain.Order{}, err
	}

	order := a.orderFromGateway(resp.Order, domain.OrderRequest{}, "", orderID)
	a.Orders.Put(order.ID, order)
	return order, nil
}

// List fetches open orders.
func (a *Adapter) List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	resp, err := a.call(gatewayRequest{Type: "open_orders"})
	if err != nil {
		return nil, err
	}

	var out []domain.Order
	for _, gw := range resp.Orders {
		normalID := a.normalFor(gw.OrderID)
		order := a.orderFromGateway(&gw, domain.OrderRequest{}, "", normalID)
		if f.Status != nil && order.Status != *f.Status {
			continue
		}
		if f.Symbol != "" && order.Symbol != f.Symbol {
			continue
		}
		out = append(out, order)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Positions fetches positions.
func (a *Adapter) Positions(ctx context.Context, accountID, symbol string) ([]domain.Position, error) {
	resp, err := a.call(gatewayRequest{Type: "positions", Account: accountID})
	if err != nil {
		return nil, err
	}

	var out []domain.Position
	for _, gp := range resp.Positions {
		if symbol != "" && gp.Symbol != symbol {
			continue
		}
		pos := gp.toDomain(accountID, a.Clock.Now())
		a.Positions.Put(pos.Symbol, pos)
		out = append(out, pos)
	}
	return out, nil
}

// Account fetches account values.
func (a *Adapter) Account(ctx context.Context, accountID string) (domain.Account, error) {
	if cached, ok := a.Accounts.Get(accountID); ok {
		return cached, nil
	}

	resp, err := a.call(gatewayRequest{Type: "account", Account: accountID})
	if err != nil {
		return domain.Account{}, err
	}
	if resp.Account == nil {
		return domain.Account{}, domain.NewBrokerError(domain.KindInternal, "gateway returned no account")
	}

	acct := resp.Account.toDomain(a.Clock.Now())
	a.Accounts.Put(acct.ID, acct)
	return acct, nil
}

// StreamQuotes subscribes market data by reqId per symbol.
func (a *Adapter) StreamQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	a.mu.Lock()
	for _, sym := range symbols {
		if _, ok := a.subscriptions[sym]; ok {
			continue
		}
		a.nextReqID++
		a.subscriptions[sym] = 1000 + a.nextReqID
	}
	a.mu.Unlock()

	out := make(chan domain.Quote, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.mu.Lock()
				for _, sym := range symbols {
					delete(a.subscriptions, sym)
				}
				a.mu.Unlock()
				return
			case <-ticker.C:
				resp, err := a.call(gatewayRequest{Type: "ticks", Symbols: symbols})
				if err != nil {
					continue
				}
				for _, q := range resp.Quotes {
					select {
					case out <- q.toDomain(a.Clock.Now()):
					default:
					}
				}
			}
		}
	}()
	return out, nil
}

// VerifyWebhook delegates to the pluggable verifier; the venue scheme is
// pending vendor documentation.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers map[string]string) error {
	if a.verifier == nil {
		return nil
	}
	return a.verifier(rawBody, headers)
}

// gatewayWebhook is the callback shape the local gateway relays.
type gatewayWebhook struct {
	WebhookID string `json:"webhook_id"`
	Events    []struct {
		OrderID   int64  `json:"order_id"`
		Status    string `json:"status"`
		FillQty   string `json:"fill_qty,omitempty"`
		FillPrice string `json:"fill_price,omitempty"`
		Reason    string `json:"reason,omitempty"`
	} `json:"events"`
}

// ParseWebhook maps a gateway callback into normalized events.
func (a *Adapter) ParseWebhook(rawBody []byte) ([]broker.WebhookEvent, error) {
	var payload gatewayWebhook
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, domain.WrapBrokerError(domain.KindValidation, "malformed ib webhook", err)
	}

	out := make([]broker.WebhookEvent, 0, len(payload.Events))
	for _, e := range payload.Events {
		status, ok := statusFromGateway[e.Status]
		if !ok {
			return nil, domain.NewBrokerError(domain.KindValidation, "unknown ib order status "+e.Status)
		}
		evt := broker.WebhookEvent{
			WebhookID: payload.WebhookID,
			OrderID:   a.normalFor(e.OrderID),
			EventType: "order_" + string(status),
			Status:    status,
			Reason:    e.Reason,
		}
		if e.FillQty != "" {
			if q, err := decimal.NewFromString(e.FillQty); err == nil {
				evt.FillQty = &q
			}
		}
		if e.FillPrice != "" {
			if p, err := decimal.NewFromString(e.FillPrice); err == nil {
				evt.FillPrice = &p
			}
		}
		out = append(out, evt)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Gateway session plumbing
// ---------------------------------------------------------------------------

func actionFor(side domain.OrderSide) string {
	if side == domain.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

func (a *Adapter) numericFor(orderID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byNormal[orderID]
	if !ok {
		return 0, domain.NewBrokerError(domain.KindOrderNotFound,
			fmt.Sprintf("order %s unknown to gateway session", orderID))
	}
	return id, nil
}

func (a *Adapter) normalFor(numericID int64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byNumeric[numericID]; ok {
		return id
	}
	id := fmt.Sprintf("IB_%d", numericID)
	a.byNumeric[numericID] = id
	a.byNormal[id] = numericID
	return id
}

// call performs one synchronous request/response exchange with the gateway.
func (a *Adapter) call(req gatewayRequest) (gatewayResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callLocked(req)
}

func (a *Adapter) callLocked(req gatewayRequest) (gatewayResponse, error) {
	if a.conn == nil {
		return gatewayResponse{}, domain.NewBrokerError(domain.KindConnection, "not connected to gateway")
	}

	deadline := a.Clock.Now().Add(a.Cfg.RequestTimeout)
	_ = a.conn.SetDeadline(deadline)

	raw, err := json.Marshal(req)
	if err != nil {
		return gatewayResponse{}, domain.WrapBrokerError(domain.KindInternal, "marshal gateway request", err)
	}
	raw = append(raw, '\n')
	if _, err := a.rw.Write(raw); err != nil {
		return gatewayResponse{}, domain.WrapBrokerError(domain.KindConnection, "write to gateway", err)
	}
	if err := a.rw.Flush(); err != nil {
		return gatewayResponse{}, domain.WrapBrokerError(domain.KindConnection, "flush to gateway", err)
	}

	line, err := a.rw.ReadBytes('\n')
	if err != nil {
		return gatewayResponse{}, domain.WrapBrokerError(domain.KindConnection, "read from gateway", err)
	}

	var resp gatewayResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return gatewayResponse{}, domain.WrapBrokerError(domain.KindInternal, "decode gateway response", err)
	}
	if resp.Error != "" {
		return gatewayResponse{}, gatewayError(resp)
	}
	return resp, nil
}

func gatewayError(resp gatewayResponse) error {
	switch resp.ErrorCode {
	case "not_found":
		return domain.NewBrokerError(domain.KindOrderNotFound, resp.Error)
	case "auth":
		return domain.NewBrokerError(domain.KindAuthentication, resp.Error)
	case "validation":
		return domain.NewBrokerError(domain.KindValidation, resp.Error)
	case "funds":
		return domain.NewBrokerError(domain.KindInsufficientFunds, resp.Error)
	case "pacing":
		return domain.NewBrokerError(domain.KindRateLimit, resp.Error)
	default:
		return domain.NewBrokerError(domain.KindInternal, resp.Error)
	}
}

// orderFromGateway builds a normalized order, preferring gateway fields and
// falling back to the request.
func (a *Adapter) orderFromGateway(gw *gatewayOrder, req domain.OrderRequest, accountID, normalID string) domain.Order {
	now := a.Clock.Now()
	order := domain.Order{
		ID:          normalID,
		AccountID:   accountID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Status:      domain.OrderStatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
		SubmittedAt: &now,
		BrokerMeta:  map[string]string{},
	}
	if gw == nil {
		return order
	}

	order.BrokerMeta["gateway_order_id"] = fmt.Sprintf("%d", gw.OrderID)
	if gw.Symbol != "" {
		order.Symbol = gw.Symbol
	}
	if gw.Quantity != "" {
		if q, err := decimal.NewFromString(gw.Quantity); err == nil {
			order.Quantity = q
		}
	}
	if gw.FilledQty != "" {
		if q, err := decimal.NewFromString(gw.FilledQty); err == nil {
			order.FilledQty = q
		}
	}
	if gw.AvgFillPrice != "" {
		if p, err := decimal.NewFromString(gw.AvgFillPrice); err == nil {
			order.AvgFillPrice = &p
		}
	}
	if gw.Status != "" {
		if st, ok := statusFromGateway[gw.Status]; ok {
			order.Status = st
		}
	}
	if gw.Action == "SELL" {
		order.Side = domain.OrderSideSell
	} else if gw.Action == "BUY" {
		order.Side = domain.OrderSideBuy
	}
	return order
}

// Wire shapes for the gateway's line-delimited JSON protocol.

type gatewayRequest struct {
	Type     string        `json:"type"`
	ClientID int           `json:"client_id,omitempty"`
	OrderID  int64         `json:"order_id,omitempty"`
	Order    *gatewayOrder `json:"order,omitempty"`
	Account  string        `json:"account,omitempty"`
	Symbols  []string      `json:"symbols,omitempty"`
}

type gatewayOrder struct {
	OrderID      int64  `json:"order_id"`
	Symbol       string `json:"symbol,omitempty"`
	Action       string `json:"action,omitempty"`
	Quantity     string `json:"quantity,omitempty"`
	OrderType    string `json:"order_type,omitempty"`
	TIF          string `json:"tif,omitempty"`
	LimitPrice   string `json:"limit_price,omitempty"`
	AuxPrice     string `json:"aux_price,omitempty"`
	Account      string `json:"account,omitempty"`
	OutsideRTH   bool   `json:"outside_rth,omitempty"`
	Status       string `json:"status,omitempty"`
	FilledQty    string `json:"filled_qty,omitempty"`
	AvgFillPrice string `json:"avg_fill_price,omitempty"`
}

type gatewayPosition struct {
	Symbol       string `json:"symbol"`
	Quantity     string `json:"quantity"`
	AvgCost      string `json:"avg_cost"`
	MarketPrice  string `json:"market_price"`
	MarketValue  string `json:"market_value"`
	UnrealizedPL string `json:"unrealized_pnl"`
}

func (g gatewayPosition) toDomain(accountID string, now time.Time) domain.Position {
	qty, _ := decimal.NewFromString(g.Quantity)
	side := domain.PositionLong
	if qty.IsNegative() {
		side = domain.PositionShort
	}
	pos := domain.Position{
		AccountID: accountID,
		Symbol:    g.Symbol,
		Side:      side,
		Quantity:  qty.Abs(),
		UpdatedAt: now,
	}
	if d, err := decimal.NewFromString(g.AvgCost); err == nil {
		pos.AvgCost = d
	}
	if d, err := decimal.NewFromString(g.MarketPrice); err == nil {
		pos.CurrentPrice = d
	}
	if d, err := decimal.NewFromString(g.MarketValue); err == nil {
		pos.MarketValue = d.Abs()
	}
	if d, err := decimal.NewFromString(g.UnrealizedPL); err == nil {
		pos.UnrealizedPnL = d
	}
	return pos
}

type gatewayAccount struct {
	AccountID        string `json:"account_id"`
	Cash             string `json:"cash"`
	BuyingPower      string `json:"buying_power"`
	Equity           string `json:"equity"`
	LongMarketValue  string `json:"long_market_value"`
	ShortMarketValue string `json:"short_market_value"`
	DayTradeCount    int    `json:"day_trade_count"`
	Restricted       bool   `json:"restricted"`
}

func (g gatewayAccount) toDomain(now time.Time) domain.Account {
	acct := domain.Account{
		ID:            g.AccountID,
		Type:          domain.AccountMargin,
		DayTradeCount: g.DayTradeCount,
		Restricted:    g.Restricted,
		UpdatedAt:     now,
	}
	if d, err := decimal.NewFromString(g.Cash); err == nil {
		acct.Cash = d
	}
	if d, err := decimal.NewFromString(g.BuyingPower); err == nil {
		acct.BuyingPower = d
	}
	if d, err := decimal.NewFromString(g.Equity); err == nil {
		acct.Equity = d
	}
	if d, err := decimal.NewFromString(g.LongMarketValue); err == nil {
		acct.LongMarketValue = d
	}
	if d, err := decimal.NewFromString(g.ShortMarketValue); err == nil {
		acct.ShortMarketValue = d
	}
	return acct
}

type gatewayQuote struct {
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Last   string `json:"last"`
}

func (g gatewayQuote) toDomain(now time.Time) domain.Quote {
	q := domain.Quote{Symbol: g.Symbol, At: now}
	if d, err := decimal.NewFromString(g.Bid); err == nil {
		q.Bid = d
	}
	if d, err := decimal.NewFromString(g.Ask); err == nil {
		q.Ask = d
	}
	if d, err := decimal.NewFromString(g.Last); err == nil {
		q.Last = d
	}
	return q
}

type gatewayResponse struct {
	Type        string            `json:"type"`
	Error       string            `json:"error,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	NextOrderID int64             `json:"next_order_id,omitempty"`
	MarketOpen  bool              `json:"market_open,omitempty"`
	Order       *gatewayOrder     `json:"order,omitempty"`
	Orders      []gatewayOrder    `json:"orders,omitempty"`
	Positions   []gatewayPosition `json:"positions,omitempty"`
	Account     *gatewayAccount   `json:"account,omitempty"`
	Quotes      []gatewayQuote    `json:"quotes,omitempty"`
}

// Compile-time interface checks.
var (
	_ broker.Adapter       = (*Adapter)(nil)
	_ broker.QuoteStreamer = (*Adapter)(nil)
)
