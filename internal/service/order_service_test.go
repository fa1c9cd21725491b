package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/broker/paper"
	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/hub"
	"github.com/rcmckee/tradewire/internal/idempotency"
	"github.com/rcmckee/tradewire/internal/lifecycle"
	"github.com/rcmckee/tradewire/internal/webhook"
)

type fixture struct {
	svc     *OrderService
	intake  *webhook.Intake
	adapter *paper.Adapter
	lm      *lifecycle.Manager
	hub     *hub.Hub
	clock   *clock.Fake
}

// newFixture wires the full paper order plane: adapter callbacks feed the
// webhook intake, the lifecycle publishes to the hub.
func newFixture(t *testing.T, sim paper.SimConfig) *fixture {
	t.Helper()
	logger := slog.Default()
	// A weekday inside the simulated session.
	fake := clock.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	ids := clock.NewIDMinter(fake)

	lm := lifecycle.NewManager(fake, ids, logger)
	h := hub.New(hub.DefaultOptions(), fake, logger)
	lm.AddListener(NewHubBridge(h))

	registry := broker.NewRegistry()

	var intake *webhook.Intake
	sink := func(evt broker.WebhookEvent) {
		intake.Apply(context.Background(), broker.KindPaper, []broker.WebhookEvent{evt})
	}

	adapter := paper.New(broker.Config{RateLimitPerMinute: 1000}, sim, fake, ids, logger, sink)
	registry.Register(adapter)

	intake = webhook.NewIntake(registry, lm, idempotency.NewMemoryDedup(fake), logger)
	intake.SetSynchronous()

	svc := NewOrderService(registry, lm, idempotency.NewMemoryStore(fake, logger), nil, nil, fake, logger)
	return &fixture{svc: svc, intake: intake, adapter: adapter, lm: lm, hub: h, clock: fake}
}

func deterministicSim() paper.SimConfig {
	sim := paper.DefaultSimConfig()
	sim.FillLatency = 5 * time.Millisecond
	sim.SlippageBps = 5
	sim.PartialFillProb = 0
	sim.RejectionProb = 0
	sim.SimulateCommissions = false
	sim.PriceDriftBps = 0
	sim.MarketHoursOnly = true
	sim.OpenHour, sim.OpenMinute = 0, 0
	sim.CloseHour, sim.CloseMinute = 23, 59
	return sim
}

func marketBuy(qty string) PlaceOrderRequest {
	return PlaceOrderRequest{
		Order: domain.OrderRequest{
			Symbol:      "AAPL",
			Side:        domain.OrderSideBuy,
			Quantity:    decimal.RequireFromString(qty),
			Type:        domain.OrderTypeMarket,
			TimeInForce: domain.TIFDay,
		},
		AccountID: "ACC1",
	}
}

func TestPaperFillPipelineEndToEnd(t *testing.T) {
	// Market-buy 10 AAPL at a pinned 150.00 with 5 bps slippage and no
	// partial fills: filledQty 10 at 150.075, one terminal event on the
	// AAPL subject.
	fx := newFixture(t, deterministicSim())
	fx.adapter.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	conn, sink, err := fx.hub.ConnectInProcess("watcher", domain.UserPrincipal{ID: "u1"})
	require.NoError(t, err)
	fx.hub.SubscribeSymbols(conn, []string{"AAPL"}, hub.TypeOrderEvent)

	user := domain.UserPrincipal{ID: "u1", AccountIDs: []string{"ACC1"}}
	resp := fx.svc.Place(context.Background(), user, broker.KindPaper, marketBuy("10"), "")
	require.True(t, resp.Success, "place failed: %s", resp.Error)
	require.NotNil(t, resp.Order)
	assert.Equal(t, domain.OrderStatusSubmitted, resp.Order.Status)

	fx.adapter.WaitIdle()

	order, err := fx.lm.Get(resp.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.True(t, order.FilledQty.Equal(decimal.RequireFromString("10")))
	assert.True(t, order.AvgFillPrice.Equal(decimal.RequireFromString("150.075")),
		"avg fill price %s", order.AvgFillPrice)

	// The terminal transition must reach the AAPL subject.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-sink:
			var env struct {
				Type string `json:"type"`
				Data struct {
					NewStatus string `json:"new_status"`
					OrderID   string `json:"order_id"`
				} `json:"data"`
			}
			require.NoError(t, json.Unmarshal(raw, &env))
			if env.Data.NewStatus == string(domain.OrderStatusFilled) {
				assert.Equal(t, "order_event", env.Type)
				assert.Equal(t, order.ID, env.Data.OrderID)
				return
			}
		case <-deadline:
			t.Fatal("no filled event broadcast on AAPL subject")
		}
	}
}

func TestIdempotentPlace(t *testing.T) {
	fx := newFixture(t, deterministicSim())
	fx.adapter.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	user := domain.UserPrincipal{ID: "u1", AccountIDs: []string{"ACC1"}}
	req := marketBuy("10")

	first := fx.svc.Place(context.Background(), user, broker.KindPaper, req, "k1")
	require.True(t, first.Success)
	require.NotNil(t, first.Order)

	// Identical repeat returns the identical body.
	second := fx.svc.Place(context.Background(), user, broker.KindPaper, req, "k1")
	require.True(t, second.Success)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.Timestamp, second.Timestamp, "cached response replays byte-identically")

	// Same key with a modified body fails closed.
	modified := marketBuy("11")
	third := fx.svc.Place(context.Background(), user, broker.KindPaper, modified, "k1")
	assert.False(t, third.Success)
	assert.Equal(t, domain.KindValidation, third.ErrorCode)

	// Only one order was actually created.
	orders, err := fx.adapter.List(context.Background(), domain.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, orders, 1, "the broker must see exactly one placement")

	fx.adapter.WaitIdle()
}

func TestIdempotencyScopeSeparatesUsers(t *testing.T) {
	fx := newFixture(t, deterministicSim())
	fx.adapter.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	req := marketBuy("10")
	u1 := domain.UserPrincipal{ID: "u1", AccountIDs: []string{"ACC1"}}
	u2 := domain.UserPrincipal{ID: "u2", AccountIDs: []string{"ACC1"}}

	r1 := fx.svc.Place(context.Background(), u1, broker.KindPaper, req, "shared-key")
	r2 := fx.svc.Place(context.Background(), u2, broker.KindPaper, req, "shared-key")
	require.True(t, r1.Success)
	require.True(t, r2.Success)
	assert.NotEqual(t, r1.Order.ID, r2.Order.ID, "scoped keys must not collide across users")

	fx.adapter.WaitIdle()
}

func TestCancelFreshOrder(t *testing.T) {
	sim := deterministicSim()
	sim.FillLatency = time.Hour // keep the order resting
	fx := newFixture(t, sim)
	fx.adapter.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	user := domain.UserPrincipal{ID: "u1", AccountIDs: []string{"ACC1"}}
	placed := fx.svc.Place(context.Background(), user, broker.KindPaper, marketBuy("10"), "")
	require.True(t, placed.Success)

	canceled := fx.svc.Cancel(context.Background(), broker.KindPaper, placed.Order.ID)
	require.True(t, canceled.Success, canceled.Error)
	assert.Equal(t, domain.OrderStatusCanceled, canceled.Order.Status)
	assert.True(t, canceled.Order.FilledQty.IsZero(), "cancel of a fresh order has no fills")

	local, err := fx.lm.Get(placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, local.Status)
}

func TestValidationErrorsSurface(t *testing.T) {
	fx := newFixture(t, deterministicSim())
	user := domain.UserPrincipal{ID: "u1", AccountIDs: []string{"ACC1"}}

	req := marketBuy("0")
	resp := fx.svc.Place(context.Background(), user, broker.KindPaper, req, "")
	assert.False(t, resp.Success)
	assert.Equal(t, domain.KindValidation, resp.ErrorCode)

	neg := marketBuy("10")
	px := decimal.RequireFromString("-5")
	neg.Order.Type = domain.OrderTypeLimit
	neg.Order.LimitPrice = &px
	resp = fx.svc.Place(context.Background(), user, broker.KindPaper, neg, "")
	assert.False(t, resp.Success)
	assert.Equal(t, domain.KindValidation, resp.ErrorCode)
}

func TestDryRunNeverPlaces(t *testing.T) {
	fx := newFixture(t, deterministicSim())
	user := domain.UserPrincipal{ID: "u1", AccountIDs: []string{"ACC1"}}

	req := marketBuy("10")
	req.DryRun = true
	resp := fx.svc.Place(context.Background(), user, broker.KindPaper, req, "")
	require.True(t, resp.Success)
	assert.Nil(t, resp.Order)

	orders, err := fx.adapter.List(context.Background(), domain.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestInsufficientFundsSurfaces(t *testing.T) {
	sim := deterministicSim()
	sim.InitialCash = decimal.RequireFromString("100")
	fx := newFixture(t, sim)
	fx.adapter.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	user := domain.UserPrincipal{ID: "u1", AccountIDs: []string{"ACC1"}}
	resp := fx.svc.Place(context.Background(), user, broker.KindPaper, marketBuy("10"), "")
	assert.False(t, resp.Success)
	assert.Equal(t, domain.KindInsufficientFunds, resp.ErrorCode)
}

func TestUnknownBrokerKind(t *testing.T) {
	fx := newFixture(t, deterministicSim())
	user := domain.UserPrincipal{ID: "u1"}

	resp := fx.svc.Place(context.Background(), user, broker.Kind("nyse"), marketBuy("1"), "")
	assert.False(t, resp.Success)
	assert.Equal(t, domain.KindValidation, resp.ErrorCode)
}

func TestWebhookReplayThroughIntake(t *testing.T) {
	sim := deterministicSim()
	sim.FillLatency = time.Hour // order rests; webhooks drive it
	fx := newFixture(t, sim)
	fx.adapter.SetPrice("AAPL", decimal.RequireFromString("150.00"))

	user := domain.UserPrincipal{ID: "u1", AccountIDs: []string{"ACC1"}}
	placed := fx.svc.Place(context.Background(), user, broker.KindPaper, marketBuy("5"), "")
	require.True(t, placed.Success)
	orderID := placed.Order.ID

	body := []byte(`{"webhook_id":"wh-1","events":[` +
		`{"order_id":"` + orderID + `","event_type":"order_accepted","status":"accepted"},` +
		`{"order_id":"` + orderID + `","event_type":"order_filled","status":"filled","fill_qty":"5","fill_price":"150.00"}]}`)

	for i := 0; i < 3; i++ {
		_, err := fx.intake.Process(context.Background(), broker.KindPaper, body, nil)
		require.NoError(t, err)
	}

	order, err := fx.lm.Get(orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.True(t, order.FilledQty.Equal(decimal.RequireFromString("5")),
		"replayed webhook must not double fill, got %s", order.FilledQty)
}
