package webhook

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
	"github.com/rcmckee/tradewire/internal/clock"
	wirecrypto "github.com/rcmckee/tradewire/internal/crypto"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/idempotency"
	"github.com/rcmckee/tradewire/internal/lifecycle"
)

// fakeAdapter verifies with an HMAC secret and parses the paper-style JSON
// event envelope.
type fakeAdapter struct {
	secret string
}

func (f *fakeAdapter) Kind() broker.Kind                       { return broker.KindAlpaca }
func (f *fakeAdapter) Connect(ctx context.Context) error       { return nil }
func (f *fakeAdapter) Disconnect(ctx context.Context) error    { return nil }
func (f *fakeAdapter) MarketOpen(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeAdapter) Place(ctx context.Context, req domain.OrderRequest, accountID string) (domain.Order, error) {
	return domain.Order{}, nil
}
func (f *fakeAdapter) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	return domain.Order{}, nil
}
func (f *fakeAdapter) Modify(ctx context.Context, upd domain.OrderUpdate) (domain.Order, error) {
	return domain.Order{}, nil
}
func (f *fakeAdapter) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}
func (f *fakeAdapter) List(ctx context.Context, fl domain.OrderFilter) ([]domain.Order, error) {
	return nil, nil
}
func (f *fakeAdapter) Positions(ctx context.Context, accountID, symbol string) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakeAdapter) Account(ctx context.Context, accountID string) (domain.Account, error) {
	return domain.Account{}, nil
}

func (f *fakeAdapter) VerifyWebhook(rawBody []byte, headers map[string]string) error {
	if f.secret == "" {
		return nil
	}
	if !wirecrypto.VerifyWebhookHex(f.secret, rawBody, headers["X-Test-Signature"]) {
		return domain.NewBrokerError(domain.KindAuthentication, "invalid signature")
	}
	return nil
}

type testEvent struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	FillQty string `json:"fill_qty,omitempty"`
	FillPx  string `json:"fill_price,omitempty"`
	CumQty  string `json:"cum_qty,omitempty"`
	TotQty  string `json:"total_qty,omitempty"`
}

type testPayload struct {
	WebhookID string      `json:"webhook_id"`
	Events    []testEvent `json:"events"`
}

func (f *fakeAdapter) ParseWebhook(rawBody []byte) ([]broker.WebhookEvent, error) {
	var p testPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, domain.WrapBrokerError(domain.KindValidation, "bad payload", err)
	}
	out := make([]broker.WebhookEvent, 0, len(p.Events))
	for _, e := range p.Events {
		evt := broker.WebhookEvent{
			WebhookID: p.WebhookID,
			OrderID:   e.OrderID,
			EventType: "order_" + e.Status,
			Status:    domain.OrderStatus(e.Status),
		}
		parse := func(s string) *decimal.Decimal {
			if s == "" {
				return nil
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil
			}
			return &d
		}
		evt.FillQty = parse(e.FillQty)
		evt.FillPrice = parse(e.FillPx)
		evt.CumulativeQty = parse(e.CumQty)
		evt.TotalQty = parse(e.TotQty)
		out = append(out, evt)
	}
	return out, nil
}

func newTestIntake(t *testing.T, secret string) (*Intake, *lifecycle.Manager) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC))
	lm := lifecycle.NewManager(fake, clock.NewIDMinter(fake), slog.Default())

	registry := broker.NewRegistry()
	registry.Register(&fakeAdapter{secret: secret})

	intake := NewIntake(registry, lm, idempotency.NewMemoryDedup(fake), slog.Default())
	intake.SetSynchronous()
	return intake, lm
}

func seedOrder(t *testing.T, lm *lifecycle.Manager, qty string) domain.Order {
	t.Helper()
	q, err := decimal.NewFromString(qty)
	require.NoError(t, err)
	order := lm.Create(context.Background(), domain.OrderRequest{
		Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: q,
		Type: domain.OrderTypeMarket, TimeInForce: domain.TIFDay,
	}, "ACC1")
	_, err = lm.Transition(context.Background(), lifecycle.Attempt{
		OrderID: order.ID, Target: domain.OrderStatusSubmitted,
	})
	require.NoError(t, err)
	return order
}

func sign(secret string, body []byte) map[string]string {
	return map[string]string{"X-Test-Signature": wirecrypto.SignWebhookHex(secret, body)}
}

func TestWrongSignatureLeavesNoState(t *testing.T) {
	intake, lm := newTestIntake(t, "s3cret")
	order := seedOrder(t, lm, "5")

	body, _ := json.Marshal(testPayload{
		WebhookID: "wh1",
		Events:    []testEvent{{OrderID: order.ID, Status: "accepted"}},
	})

	_, err := intake.Process(context.Background(), broker.KindAlpaca,
		body, map[string]string{"X-Test-Signature": "deadbeef"})
	require.Error(t, err)
	assert.Equal(t, domain.KindAuthentication, domain.KindOf(err))

	got, _ := lm.Get(order.ID)
	assert.Equal(t, domain.OrderStatusSubmitted, got.Status)

	// A correct replay of the same payload must still apply: the rejected
	// delivery must not have consumed the dedup slot.
	res, err := intake.Process(context.Background(), broker.KindAlpaca, body, sign("s3cret", body))
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Status)
	got, _ = lm.Get(order.ID)
	assert.Equal(t, domain.OrderStatusAccepted, got.Status)
}

func TestReplayIsNoop(t *testing.T) {
	intake, lm := newTestIntake(t, "s3cret")
	order := seedOrder(t, lm, "5")

	body, _ := json.Marshal(testPayload{
		WebhookID: "wh-replay",
		Events: []testEvent{
			{OrderID: order.ID, Status: "accepted"},
			{OrderID: order.ID, Status: "partially_filled", FillQty: "2", FillPx: "10.00", CumQty: "2", TotQty: "5"},
		},
	})
	headers := sign("s3cret", body)

	res, err := intake.Process(context.Background(), broker.KindAlpaca, body, headers)
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Status)

	for n := 0; n < 3; n++ {
		res, err = intake.Process(context.Background(), broker.KindAlpaca, body, headers)
		require.NoError(t, err)
		assert.Equal(t, "duplicate", res.Status)
	}

	got, _ := lm.Get(order.ID)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(2)), "replays must not double-apply fills, got %s", got.FilledQty)
}

func TestReconciliationSequence(t *testing.T) {
	// submitted order; broker sends accepted, partial fill 3 @ 10.00, then
	// the terminal fill (total 5 @ 10.00 avg).
	intake, lm := newTestIntake(t, "")
	order := seedOrder(t, lm, "5")

	send := func(id string, events []testEvent) {
		body, _ := json.Marshal(testPayload{WebhookID: id, Events: events})
		_, err := intake.Process(context.Background(), broker.KindAlpaca, body, nil)
		require.NoError(t, err)
	}

	send("wh-a", []testEvent{{OrderID: order.ID, Status: "accepted"}})
	send("wh-b", []testEvent{{OrderID: order.ID, Status: "partially_filled", FillQty: "3", FillPx: "10.00", CumQty: "3", TotQty: "5"}})
	send("wh-c", []testEvent{{OrderID: order.ID, Status: "filled", FillQty: "2", FillPx: "10.00", CumQty: "5", TotQty: "5"}})

	got, _ := lm.Get(order.ID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(5)))
	assert.True(t, got.AvgFillPrice.Equal(decimal.RequireFromString("10.00")), "got %s", got.AvgFillPrice)
}

func TestInvalidTransitionConsumedSilently(t *testing.T) {
	intake, lm := newTestIntake(t, "")
	order := seedOrder(t, lm, "5")

	// Cancel the order, then replay a stale "accepted" update.
	_, err := lm.Transition(context.Background(), lifecycle.Attempt{
		OrderID: order.ID, Target: domain.OrderStatusCanceled,
	})
	require.NoError(t, err)

	body, _ := json.Marshal(testPayload{
		WebhookID: "wh-stale",
		Events:    []testEvent{{OrderID: order.ID, Status: "accepted"}},
	})
	res, err := intake.Process(context.Background(), broker.KindAlpaca, body, nil)
	require.NoError(t, err, "stale events never raise to the caller")
	assert.Equal(t, "accepted", res.Status)
	assert.Equal(t, int64(1), intake.TranslationFailures())

	got, _ := lm.Get(order.ID)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
}

func TestWebhookIDDerivedFromBodyHash(t *testing.T) {
	intake, lm := newTestIntake(t, "")
	order := seedOrder(t, lm, "5")

	body, _ := json.Marshal(testPayload{
		Events: []testEvent{{OrderID: order.ID, Status: "accepted"}},
	})

	res, err := intake.Process(context.Background(), broker.KindAlpaca, body, nil)
	require.NoError(t, err)
	assert.Len(t, res.WebhookID, 64, "missing id falls back to the body hash")

	res2, err := intake.Process(context.Background(), broker.KindAlpaca, body, nil)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", res2.Status)
}

func TestUnknownBrokerKind(t *testing.T) {
	intake, _ := newTestIntake(t, "")
	_, err := intake.Process(context.Background(), broker.Kind("bogus"), []byte("{}"), nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}
