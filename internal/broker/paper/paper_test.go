package paper

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/clock"
	wirecrypto "github.com/rcmckee/tradewire/internal/crypto"
	"github.com/rcmckee/tradewire/internal/domain"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []broker.WebhookEvent
}

func (r *eventRecorder) sink(evt broker.WebhookEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) all() []broker.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.WebhookEvent(nil), r.events...)
}

func testSim() SimConfig {
	sim := DefaultSimConfig()
	sim.FillLatency = time.Millisecond
	sim.PartialFillProb = 0
	sim.RejectionProb = 0
	sim.PriceDriftBps = 0
	sim.SimulateCommissions = true
	sim.MarketHoursOnly = false
	return sim
}

func newTestAdapter(t *testing.T, sim SimConfig) (*Adapter, *eventRecorder, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)) // Monday
	rec := &eventRecorder{}
	cfg := broker.Config{
		RateLimitPerMinute: 1000,
		CommissionPerShare: decimal.RequireFromString("0.005"),
		MinCommission:      decimal.RequireFromString("1.00"),
	}
	a := New(cfg, sim, fake, clock.NewIDMinter(fake), slog.Default(), rec.sink)
	require.NoError(t, a.Connect(context.Background()))
	return a, rec, fake
}

func buyReq(qty string) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:      "AAPL",
		Side:        domain.OrderSideBuy,
		Quantity:    decimal.RequireFromString(qty),
		Type:        domain.OrderTypeMarket,
		TimeInForce: domain.TIFDay,
	}
}

func TestMarketOrderFillsWithSlippageAndCommission(t *testing.T) {
	a, rec, _ := newTestAdapter(t, testSim())
	a.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	order, err := a.Place(context.Background(), buyReq("10"), "ACC1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)

	a.WaitIdle()

	got, err := a.Get(context.Background(), order.ID)
	require.NoError(t, err)
	// The cache may still hold the submitted snapshot; read the live book.
	a.Orders.Invalidate(order.ID)
	got, err = a.Get(context.Background(), order.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("10")))
	assert.True(t, got.AvgFillPrice.Equal(decimal.RequireFromString("150.075")),
		"5bps slippage over 150.00, got %s", got.AvgFillPrice)
	// 10 shares * 0.005 = 0.05 -> the 1.00 minimum applies.
	assert.True(t, got.Commission.Equal(decimal.RequireFromString("1.00")))

	events := rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, "order_accepted", events[0].EventType)
	last := events[len(events)-1]
	assert.Equal(t, "order_filled", last.EventType)
	require.NotNil(t, last.CumulativeQty)
	assert.True(t, last.CumulativeQty.Equal(decimal.RequireFromString("10")))
}

func TestSellWithoutPositionRejected(t *testing.T) {
	a, _, _ := newTestAdapter(t, testSim())
	a.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	req := buyReq("5")
	req.Side = domain.OrderSideSell
	_, err := a.Place(context.Background(), req, "ACC1")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestPositionAndAccountAfterFill(t *testing.T) {
	a, _, _ := newTestAdapter(t, testSim())
	a.SetPrice("AAPL", decimal.RequireFromString("100.00"))

	_, err := a.Place(context.Background(), buyReq("10"), "ACC1")
	require.NoError(t, err)
	a.WaitIdle()

	positions, err := a.Positions(context.Background(), "ACC1", "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, domain.PositionLong, positions[0].Side)
	assert.True(t, positions[0].Quantity.Equal(decimal.RequireFromString("10")))

	acct, err := a.Account(context.Background(), "ACC1")
	require.NoError(t, err)
	// Cash dropped by fill value (10 * 100.05) + 1.00 commission.
	expectedCash := decimal.RequireFromString("100000").
		Sub(decimal.RequireFromString("1000.5")).
		Sub(decimal.RequireFromString("1.00"))
	assert.True(t, acct.Cash.Equal(expectedCash), "cash %s", acct.Cash)
	assert.True(t, acct.BuyingPower.Equal(acct.Cash.Mul(decimal.NewFromInt(2))),
		"buying power recomputed at 2x cash")
}

func TestLimitOrderRestsUntilPriceReached(t *testing.T) {
	a, _, _ := newTestAdapter(t, testSim())
	a.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	px := decimal.RequireFromString("140.00")
	req := buyReq("5")
	req.Type = domain.OrderTypeLimit
	req.LimitPrice = &px

	order, err := a.Place(context.Background(), req, "ACC1")
	require.NoError(t, err)
	a.WaitIdle()

	a.Orders.Invalidate(order.ID)
	got, err := a.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, got.Status, "buy limit below market rests")
	assert.True(t, got.FilledQty.IsZero())
}

func TestCancelRestingOrder(t *testing.T) {
	sim := testSim()
	sim.FillLatency = time.Hour
	a, rec, _ := newTestAdapter(t, sim)
	a.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	order, err := a.Place(context.Background(), buyReq("5"), "ACC1")
	require.NoError(t, err)

	canceled, err := a.Cancel(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, canceled.Status)
	assert.NotNil(t, canceled.CanceledAt)

	_, err = a.Cancel(context.Background(), order.ID)
	require.Error(t, err, "cannot cancel twice")

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "order_canceled", events[0].EventType)
}

func TestMarketHoursEnforced(t *testing.T) {
	sim := testSim()
	sim.MarketHoursOnly = true
	sim.OpenHour, sim.OpenMinute = 9, 30
	sim.CloseHour, sim.CloseMinute = 16, 0
	a, _, fake := newTestAdapter(t, sim)

	// 14:00 UTC Monday is inside the window.
	open, err := a.MarketOpen(context.Background())
	require.NoError(t, err)
	assert.True(t, open)

	// Saturday.
	fake.Advance(5 * 24 * time.Hour)
	open, err = a.MarketOpen(context.Background())
	require.NoError(t, err)
	assert.False(t, open)

	_, err = a.Place(context.Background(), buyReq("1"), "ACC1")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestRejectionProbability(t *testing.T) {
	sim := testSim()
	sim.RejectionProb = 1.0
	a, _, _ := newTestAdapter(t, sim)

	_, err := a.Place(context.Background(), buyReq("1"), "ACC1")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestParseWebhookRoundTrip(t *testing.T) {
	a, _, _ := newTestAdapter(t, testSim())

	body := []byte(`{"webhook_id":"wh-9","events":[{"order_id":"PAPER_00000001","event_type":"order_filled","status":"filled","fill_qty":"3","fill_price":"10.00"}]}`)
	events, err := a.ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "wh-9", events[0].WebhookID)
	assert.Equal(t, domain.OrderStatusFilled, events[0].Status)
	assert.True(t, events[0].FillQty.Equal(decimal.RequireFromString("3")))

	_, err = a.ParseWebhook([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestVerifyWebhookWithSecret(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	cfg := broker.Config{WebhookSecret: "paper-secret", RateLimitPerMinute: 10}
	a := New(cfg, testSim(), fake, clock.NewIDMinter(fake), slog.Default(), nil)

	body := []byte(`{"webhook_id":"wh-1","events":[]}`)
	sig := wirecrypto.SignWebhookHex("paper-secret", body)

	assert.NoError(t, a.VerifyWebhook(body, map[string]string{"X-Paper-Signature": sig}))

	err := a.VerifyWebhook(body, map[string]string{"X-Paper-Signature": "bad"})
	require.Error(t, err)
	assert.Equal(t, domain.KindAuthentication, domain.KindOf(err))

	err = a.VerifyWebhook(body, nil)
	require.Error(t, err)
}

func TestVerifyWebhookUnsignedAllowedWithoutSecret(t *testing.T) {
	a, _, _ := newTestAdapter(t, testSim())
	assert.NoError(t, a.VerifyWebhook([]byte("{}"), nil))
}
