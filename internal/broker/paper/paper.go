// Package paper implements the simulated broker adapter: plausible fills,
// partial fills, slippage, commissions, and account tracking without touching
// a real venue.
package paper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/clock"
	wirecrypto "github.com/rcmckee/tradewire/internal/crypto"
	"github.com/rcmckee/tradewire/internal/domain"
)

// SimConfig tunes the fill simulation.
type SimConfig struct {
	InitialCash         decimal.Decimal
	FillLatency         time.Duration
	SlippageBps         float64
	PartialFillProb     float64
	RejectionProb       float64
	SimulateCommissions bool
	MarketHoursOnly     bool
	OpenHour            int
	OpenMinute          int
	CloseHour           int
	CloseMinute         int
	// PriceDriftBps bounds the random walk applied to the simulated tape on
	// each read. Zero pins prices, which tests rely on.
	PriceDriftBps float64
	Seed          int64
}

// DefaultSimConfig returns the simulation defaults: $100k cash, 100ms fills,
// 5bps slippage, US cash-session hours.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		InitialCash:         decimal.NewFromInt(100_000),
		FillLatency:         100 * time.Millisecond,
		SlippageBps:         5,
		PartialFillProb:     0.1,
		RejectionProb:       0.02,
		SimulateCommissions: true,
		MarketHoursOnly:     true,
		OpenHour:            9,
		OpenMinute:          30,
		CloseHour:           16,
		CloseMinute:         0,
		PriceDriftBps:       20,
		Seed:                1,
	}
}

const accountID = "PAPER_ACCOUNT_001"

// defaultPrices seeds the simulated tape.
var defaultPrices = map[string]string{
	"AAPL": "150.00",
	"MSFT": "300.00",
	"GOOG": "120.00",
	"AMZN": "140.00",
	"TSLA": "200.00",
	"META": "350.00",
	"NVDA": "450.00",
	"SPY":  "430.00",
	"QQQ":  "360.00",
}

// EventSink receives the adapter's simulated order callbacks, in order. It is
// the paper equivalent of a venue webhook delivery.
type EventSink func(evt broker.WebhookEvent)

// Adapter is the paper broker.
type Adapter struct {
	*broker.Base
	sim SimConfig
	ids *clock.IDMinter

	sink EventSink

	mu           sync.Mutex
	connected    bool
	orderCounter int
	orders       map[string]*domain.Order
	fills        map[string][]domain.Fill
	positions    map[string]*domain.Position
	account      domain.Account
	prices       map[string]decimal.Decimal
	rng          *rand.Rand

	wg sync.WaitGroup
}

// New creates a paper adapter. The sink receives simulated fill callbacks; a
// nil sink discards them.
func New(cfg broker.Config, sim SimConfig, c clock.Clock, ids *clock.IDMinter, logger *slog.Logger, sink EventSink) *Adapter {
	cfg.Kind = broker.KindPaper
	cfg.PaperTrading = true

	a := &Adapter{
		Base:      broker.NewBase(cfg, c, logger),
		sim:       sim,
		ids:       ids,
		sink:      sink,
		orders:    make(map[string]*domain.Order),
		fills:     make(map[string][]domain.Fill),
		positions: make(map[string]*domain.Position),
		prices:    make(map[string]decimal.Decimal),
		rng:       rand.New(rand.NewSource(sim.Seed)),
	}
	for sym, px := range defaultPrices {
		a.prices[sym] = mustDecimal(px)
	}
	a.account = domain.Account{
		ID:          accountID,
		Type:        domain.AccountMargin,
		Cash:        sim.InitialCash,
		BuyingPower: sim.InitialCash.Mul(decimal.NewFromInt(2)),
		Equity:      sim.InitialCash,
		UpdatedAt:   c.Now(),
	}
	return a
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (a *Adapter) Kind() broker.Kind { return broker.KindPaper }

// Connect marks the simulated session up.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.Logger.InfoContext(ctx, "paper: connected")
	return nil
}

// Disconnect waits for in-flight fill simulations to settle.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.wg.Wait()
	a.Logger.InfoContext(ctx, "paper: disconnected")
	return nil
}

// MarketOpen applies the simulated session window on weekdays.
func (a *Adapter) MarketOpen(ctx context.Context) (bool, error) {
	if !a.sim.MarketHoursOnly {
		return true, nil
	}
	now := a.Clock.Now()
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, nil
	}
	sessionOpen := time.Date(now.Year(), now.Month(), now.Day(), a.sim.OpenHour, a.sim.OpenMinute, 0, 0, now.Location())
	sessionClose := time.Date(now.Year(), now.Month(), now.Day(), a.sim.CloseHour, a.sim.CloseMinute, 0, 0, now.Location())
	return !now.Before(sessionOpen) && !now.After(sessionClose), nil
}

// Place validates, checks funds, installs the order as submitted, and starts
// the asynchronous fill simulation.
func (a *Adapter) Place(ctx context.Context, req domain.OrderRequest, acctID string) (domain.Order, error) {
	if err := a.CheckRateLimit(); err != nil {
		return domain.Order{}, err
	}
	if err := a.ValidateOrder(req); err != nil {
		return domain.Order{}, err
	}

	if !req.ExtendedHours {
		open, _ := a.MarketOpen(ctx)
		if !open {
			return domain.Order{}, domain.WrapBrokerError(domain.KindValidation,
				"market is closed and extended hours not enabled", domain.ErrMarketClosed)
		}
	}

	a.mu.Lock()
	if a.rng.Float64() < a.sim.RejectionProb {
		a.mu.Unlock()
		return domain.Order{}, domain.NewBrokerError(domain.KindValidation, "order rejected by simulated venue")
	}

	a.orderCounter++
	now := a.Clock.Now()
	order := domain.Order{
		ID:            fmt.Sprintf("PAPER_%08d", a.orderCounter),
		ClientRef:     req.ClientRef,
		AccountID:     acctID,
		Symbol:        a.FormatSymbol(req.Symbol),
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TrailAmount:   req.TrailAmount,
		TrailPercent:  req.TrailPercent,
		ExtendedHours: req.ExtendedHours,
		Status:        domain.OrderStatusSubmitted,
		FilledQty:     decimal.Zero,
		Commission:    decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
		SubmittedAt:   &now,
		BrokerMeta:    map[string]string{"paper_trading": "true"},
	}

	if err := a.validateBuyingPowerLocked(order); err != nil {
		a.mu.Unlock()
		return domain.Order{}, err
	}

	a.orders[order.ID] = &order
	snapshot := order
	a.mu.Unlock()

	a.Orders.Put(order.ID, snapshot)

	a.wg.Add(1)
	go a.simulateFill(order.ID)

	return snapshot, nil
}

// Cancel cancels a resting order.
func (a *Adapter) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	if err := a.CheckRateLimit(); err != nil {
		return domain.Order{}, err
	}

	a.mu.Lock()
	order, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return domain.Order{}, domain.NewBrokerError(domain.KindOrderNotFound,
			fmt.Sprintf("order %s not found", orderID))
	}

	switch order.Status {
	case domain.OrderStatusPending, domain.OrderStatusSubmitted, domain.OrderStatusAccepted:
	default:
		status := order.Status
		a.mu.Unlock()
		return domain.Order{}, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("cannot cancel order in status %s", status))
	}

	now := a.Clock.Now()
	order.Status = domain.OrderStatusCanceled
	order.CanceledAt = &now
	order.UpdatedAt = now
	snapshot := *order
	a.mu.Unlock()

	a.InvalidateEntity(orderID, snapshot.Symbol, snapshot.AccountID)
	a.emit(broker.WebhookEvent{
		WebhookID: a.ids.New(clock.PrefixWebhook),
		OrderID:   orderID,
		EventType: "order_canceled",
		Status:    domain.OrderStatusCanceled,
	})
	return snapshot, nil
}

// Modify updates a resting order's mutable fields.
func (a *Adapter) Modify(ctx context.Context, upd domain.OrderUpdate) (domain.Order, error) {
	if err := a.CheckRateLimit(); err != nil {
		return domain.Order{}, err
	}

	a.mu.Lock()
	order, ok := a.orders[upd.OrderID]
	if !ok {
		a.mu.Unlock()
		return domain.Order{}, domain.NewBrokerError(domain.KindOrderNotFound,
			fmt.Sprintf("order %s not found", upd.OrderID))
	}

	switch order.Status {
	case domain.OrderStatusPending, domain.OrderStatusSubmitted, domain.OrderStatusAccepted:
	default:
		status := order.Status
		a.mu.Unlock()
		return domain.Order{}, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("cannot modify order in status %s", status))
	}

	if upd.Quantity != nil {
		order.Quantity = *upd.Quantity
	}
	if upd.LimitPrice != nil {
		order.LimitPrice = upd.LimitPrice
	}
	if upd.StopPrice != nil {
		order.StopPrice = upd.StopPrice
	}
	if upd.TimeInForce != nil {
		order.TimeInForce = *upd.TimeInForce
	}
	order.UpdatedAt = a.Clock.Now()
	snapshot := *order
	a.mu.Unlock()

	a.InvalidateEntity(upd.OrderID, snapshot.Symbol, snapshot.AccountID)
	return snapshot, nil
}

// Get returns an order by id, serving the TTL cache first.
func (a *Adapter) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if cached, ok := a.Orders.Get(orderID); ok {
		return cached, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[orderID]
	if !ok {
		return domain.Order{}, domain.NewBrokerError(domain.KindOrderNotFound,
			fmt.Sprintf("order %s not found", orderID))
	}
	return *order, nil
}

// List returns orders matching the filter.
func (a *Adapter) List(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []domain.Order
	for _, o := range a.orders {
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		out = append(out, *o)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Positions returns current positions, refreshed at current prices.
func (a *Adapter) Positions(ctx context.Context, acctID, symbol string) ([]domain.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []domain.Position
	for _, p := range a.positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		a.refreshPositionLocked(p)
		out = append(out, *p)
	}
	return out, nil
}

// Account returns the simulated account after recomputing derived values.
func (a *Adapter) Account(ctx context.Context, acctID string) (domain.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recomputeAccountLocked()
	return a.account, nil
}

// VerifyWebhook accepts unsigned paper payloads; when a secret is configured
// the alpaca-style HMAC header is required.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers map[string]string) error {
	if a.Cfg.WebhookSecret == "" {
		return nil
	}
	sig := headers["X-Paper-Signature"]
	if sig == "" {
		return domain.NewBrokerError(domain.KindAuthentication, "missing paper webhook signature")
	}
	if !wirecrypto.VerifyWebhookHex(a.Cfg.WebhookSecret, rawBody, sig) {
		return domain.NewBrokerError(domain.KindAuthentication, "invalid paper webhook signature")
	}
	return nil
}

// paperWebhook is the paper venue's callback shape; statuses are native.
type paperWebhook struct {
	WebhookID string `json:"webhook_id"`
	Events    []struct {
		OrderID   string `json:"order_id"`
		EventType string `json:"event_type"`
		Status    string `json:"status"`
		FillQty   string `json:"fill_qty,omitempty"`
		FillPrice string `json:"fill_price,omitempty"`
		Reason    string `json:"reason,omitempty"`
	} `json:"events"`
}

// ParseWebhook maps a paper payload to normalized events.
func (a *Adapter) ParseWebhook(rawBody []byte) ([]broker.WebhookEvent, error) {
	var payload paperWebhook
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, domain.WrapBrokerError(domain.KindValidation, "malformed paper webhook", err)
	}

	out := make([]broker.WebhookEvent, 0, len(payload.Events))
	for _, e := range payload.Events {
		evt := broker.WebhookEvent{
			WebhookID: payload.WebhookID,
			OrderID:   e.OrderID,
			EventType: e.EventType,
			Status:    domain.OrderStatus(e.Status),
			Reason:    e.Reason,
		}
		if e.FillQty != "" {
			q, err := decimal.NewFromString(e.FillQty)
			if err != nil {
				return nil, domain.WrapBrokerError(domain.KindValidation, "bad fill_qty", err)
			}
			evt.FillQty = &q
		}
		if e.FillPrice != "" {
			p, err := decimal.NewFromString(e.FillPrice)
			if err != nil {
				return nil, domain.WrapBrokerError(domain.KindValidation, "bad fill_price", err)
			}
			evt.FillPrice = &p
		}
		out = append(out, evt)
	}
	return out, nil
}

// StreamQuotes emits random-walk quotes for the requested symbols until the
// context is canceled.
func (a *Adapter) StreamQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	out := make(chan domain.Quote, 64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(out)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sym := range symbols {
					mid := a.marketPrice(sym)
					half := mid.Mul(mustDecimal("0.0005"))
					q := domain.Quote{
						Symbol: sym,
						Bid:    mid.Sub(half),
						Ask:    mid.Add(half),
						Last:   mid,
						At:     a.Clock.Now(),
					}
					select {
					case out <- q:
					default:
					}
				}
			}
		}
	}()
	return out, nil
}

// SetPrice pins a simulated price; tests use it for deterministic fills.
func (a *Adapter) SetPrice(symbol string, price decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices[a.FormatSymbol(symbol)] = price
}

// Fills returns the fills recorded for an order.
func (a *Adapter) Fills(orderID string) []domain.Fill {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Fill(nil), a.fills[orderID]...)
}

// WaitIdle blocks until every in-flight fill simulation has finished.
func (a *Adapter) WaitIdle() { a.wg.Wait() }

// ---------------------------------------------------------------------------
// Simulation internals
// ---------------------------------------------------------------------------

func (a *Adapter) emit(evt broker.WebhookEvent) {
	if a.sink != nil {
		a.sink(evt)
	}
}

func (a *Adapter) validateBuyingPowerLocked(order domain.Order) error {
	if order.Side == domain.OrderSideBuy {
		ref := a.marketPriceLocked(order.Symbol)
		if order.LimitPrice != nil {
			ref = *order.LimitPrice
		}
		notional := order.Quantity.Mul(ref)
		if notional.GreaterThan(a.account.BuyingPower) {
			return domain.NewBrokerError(domain.KindInsufficientFunds,
				fmt.Sprintf("insufficient buying power: need %s, have %s", notional, a.account.BuyingPower))
		}
		return nil
	}

	pos, ok := a.positions[order.Symbol]
	if !ok || pos.Quantity.LessThan(order.Quantity) {
		have := decimal.Zero
		if ok {
			have = pos.Quantity
		}
		return domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("insufficient shares to sell: need %s, have %s", order.Quantity, have))
	}
	return nil
}

// simulateFill runs the asynchronous fill pipeline for one order.
func (a *Adapter) simulateFill(orderID string) {
	defer a.wg.Done()

	time.Sleep(a.sim.FillLatency)

	a.mu.Lock()
	order, ok := a.orders[orderID]
	if !ok || order.Status != domain.OrderStatusSubmitted {
		a.mu.Unlock()
		return
	}
	order.Status = domain.OrderStatusAccepted
	order.UpdatedAt = a.Clock.Now()
	a.mu.Unlock()

	a.emit(broker.WebhookEvent{
		WebhookID: a.ids.New(clock.PrefixWebhook),
		OrderID:   orderID,
		EventType: "order_accepted",
		Status:    domain.OrderStatusAccepted,
	})

	a.mu.Lock()
	var events []broker.WebhookEvent
	switch order.Type {
	case domain.OrderTypeMarket:
		events = a.executeMarketLocked(order)
	case domain.OrderTypeLimit:
		events = a.executeLimitLocked(order)
	case domain.OrderTypeStop, domain.OrderTypeStopLimit:
		events = a.executeStopLocked(order)
	default:
		// Trailing stops take the stop path, which uses StopPrice; the trail
		// amount or percent is not applied, so one without a stop price rests.
		events = a.executeStopLocked(order)
	}
	a.mu.Unlock()

	for _, evt := range events {
		a.emit(evt)
	}
}

func (a *Adapter) executeMarketLocked(order *domain.Order) []broker.WebhookEvent {
	mid := a.marketPriceLocked(order.Symbol)
	slip := decimal.NewFromFloat(a.sim.SlippageBps / 10000.0)

	var px decimal.Decimal
	if order.Side == domain.OrderSideBuy {
		px = mid.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		px = mid.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	qty := order.Remaining()
	if a.rng.Float64() < a.sim.PartialFillProb {
		frac := 0.5 + a.rng.Float64()*0.45
		qty = qty.Mul(decimal.NewFromFloat(frac)).Floor()
		if !qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}
	}

	return []broker.WebhookEvent{a.executeFillLocked(order, qty, px)}
}

func (a *Adapter) executeLimitLocked(order *domain.Order) []broker.WebhookEvent {
	mid := a.marketPriceLocked(order.Symbol)

	executable := (order.Side == domain.OrderSideBuy && mid.LessThanOrEqual(*order.LimitPrice)) ||
		(order.Side == domain.OrderSideSell && mid.GreaterThanOrEqual(*order.LimitPrice))
	if !executable {
		// Order rests at the venue. It is not evaluated again at later
		// prices; only a cancel resolves it.
		return nil
	}

	qty := order.Remaining()
	if a.rng.Float64() < a.sim.PartialFillProb {
		frac := 0.3 + a.rng.Float64()*0.5
		qty = qty.Mul(decimal.NewFromFloat(frac)).Floor()
		if !qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}
	}

	return []broker.WebhookEvent{a.executeFillLocked(order, qty, *order.LimitPrice)}
}

func (a *Adapter) executeStopLocked(order *domain.Order) []broker.WebhookEvent {
	if order.StopPrice == nil {
		return nil
	}
	mid := a.marketPriceLocked(order.Symbol)

	triggered := (order.Side == domain.OrderSideBuy && mid.GreaterThanOrEqual(*order.StopPrice)) ||
		(order.Side == domain.OrderSideSell && mid.LessThanOrEqual(*order.StopPrice))
	if !triggered {
		return nil
	}

	px := mid
	if order.Type == domain.OrderTypeStopLimit && order.LimitPrice != nil {
		px = *order.LimitPrice
	}
	return []broker.WebhookEvent{a.executeFillLocked(order, order.Remaining(), px)}
}

// executeFillLocked applies one fill to the adapter's book, account, and
// positions, and returns the callback event for the caller to emit once the
// lock is released.
func (a *Adapter) executeFillLocked(order *domain.Order, qty, px decimal.Decimal) broker.WebhookEvent {
	commission := decimal.Zero
	if a.sim.SimulateCommissions {
		commission = a.Commission(qty, px)
	}

	now := a.Clock.Now()
	fill := domain.Fill{
		ID:         a.ids.New(clock.PrefixFill),
		OrderID:    order.ID,
		Quantity:   qty,
		Price:      px,
		Commission: commission,
		At:         now,
		Venue:      "PAPER_EXCHANGE",
	}

	prevFilled := order.FilledQty
	order.FilledQty = prevFilled.Add(qty)
	order.Commission = order.Commission.Add(commission)
	if order.AvgFillPrice == nil || prevFilled.IsZero() {
		order.AvgFillPrice = &px
	} else {
		weighted := order.AvgFillPrice.Mul(prevFilled).Add(px.Mul(qty)).Div(order.FilledQty)
		order.AvgFillPrice = &weighted
	}

	eventType := "order_partially_filled"
	status := domain.OrderStatusPartiallyFilled
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		eventType = "order_filled"
		status = domain.OrderStatusFilled
		order.FilledAt = &now
	}
	order.Status = status
	order.UpdatedAt = now

	a.fills[order.ID] = append(a.fills[order.ID], fill)
	a.applyFillToPositionLocked(*order, fill)
	a.applyFillToAccountLocked(*order, fill)
	a.recomputeAccountLocked()

	cum := order.FilledQty
	total := order.Quantity
	return broker.WebhookEvent{
		WebhookID:     a.ids.New(clock.PrefixWebhook),
		OrderID:       order.ID,
		EventType:     eventType,
		Status:        status,
		FillQty:       &qty,
		FillPrice:     &px,
		CumulativeQty: &cum,
		TotalQty:      &total,
	}
}

func (a *Adapter) applyFillToPositionLocked(order domain.Order, fill domain.Fill) {
	pos, ok := a.positions[order.Symbol]
	if !ok {
		side := domain.PositionLong
		qty := fill.Quantity
		if order.Side == domain.OrderSideSell {
			side = domain.PositionShort
		}
		a.positions[order.Symbol] = &domain.Position{
			AccountID:    order.AccountID,
			Symbol:       order.Symbol,
			Side:         side,
			Quantity:     qty,
			AvgCost:      fill.Price,
			CurrentPrice: fill.Price,
			MarketValue:  qty.Mul(fill.Price),
			UpdatedAt:    fill.At,
		}
		return
	}

	if order.Side == domain.OrderSideBuy {
		newQty := pos.Quantity.Add(fill.Quantity)
		pos.AvgCost = pos.AvgCost.Mul(pos.Quantity).Add(fill.Price.Mul(fill.Quantity)).Div(newQty)
		pos.Quantity = newQty
	} else {
		pos.Quantity = pos.Quantity.Sub(fill.Quantity)
	}
	pos.UpdatedAt = fill.At

	if pos.Quantity.IsZero() {
		delete(a.positions, order.Symbol)
	}
}

func (a *Adapter) applyFillToAccountLocked(order domain.Order, fill domain.Fill) {
	value := fill.Quantity.Mul(fill.Price)
	if order.Side == domain.OrderSideBuy {
		a.account.Cash = a.account.Cash.Sub(value).Sub(fill.Commission)
	} else {
		a.account.Cash = a.account.Cash.Add(value).Sub(fill.Commission)
	}
}

func (a *Adapter) refreshPositionLocked(pos *domain.Position) {
	px := a.marketPriceLocked(pos.Symbol)
	pos.CurrentPrice = px
	pos.MarketValue = pos.Quantity.Abs().Mul(px)
	cost := pos.AvgCost.Mul(pos.Quantity)
	pos.UnrealizedPnL = pos.Quantity.Mul(px).Sub(cost)
	pos.UpdatedAt = a.Clock.Now()
}

func (a *Adapter) recomputeAccountLocked() {
	long := decimal.Zero
	short := decimal.Zero
	for _, pos := range a.positions {
		a.refreshPositionLocked(pos)
		if pos.Side == domain.PositionLong {
			long = long.Add(pos.MarketValue)
		} else {
			short = short.Add(pos.MarketValue)
		}
	}
	a.account.LongMarketValue = long
	a.account.ShortMarketValue = short
	a.account.Equity = a.account.Cash.Add(long).Sub(short)
	a.account.BuyingPower = a.account.Cash.Mul(decimal.NewFromInt(2))
	a.account.UpdatedAt = a.Clock.Now()
}

// marketPrice returns the current simulated price, nudging the tape with a
// small random walk on every read.
func (a *Adapter) marketPrice(symbol string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.marketPriceLocked(symbol)
}

func (a *Adapter) marketPriceLocked(symbol string) decimal.Decimal {
	base, ok := a.prices[symbol]
	if !ok {
		base = decimal.NewFromInt(100)
	}
	if a.sim.PriceDriftBps == 0 {
		return base
	}
	drift := decimal.NewFromFloat((a.rng.Float64() - 0.5) * 2 * a.sim.PriceDriftBps / 10000.0)
	px := base.Mul(decimal.NewFromInt(1).Add(drift)).Round(2)
	a.prices[symbol] = px
	return px
}

// Compile-time interface checks.
var (
	_ broker.Adapter       = (*Adapter)(nil)
	_ broker.QuoteStreamer = (*Adapter)(nil)
)
