package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

func newTestManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC))
	return NewManager(fake, clock.NewIDMinter(fake), slog.Default()), fake
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decP(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func placeOrder(t *testing.T, m *Manager, qty string) domain.Order {
	t.Helper()
	return m.Create(context.Background(), domain.OrderRequest{
		Symbol:      "AAPL",
		Side:        domain.OrderSideBuy,
		Quantity:    dec(qty),
		Type:        domain.OrderTypeMarket,
		TimeInForce: domain.TIFDay,
	}, "ACC1")
}

type recordingListener struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (r *recordingListener) OnOrderEvent(e domain.OrderEvent, _ domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingListener) all() []domain.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.OrderEvent(nil), r.events...)
}

func TestDeclaredTransitionTable(t *testing.T) {
	legal := []struct {
		from, to domain.OrderStatus
		label    string
	}{
		{domain.OrderStatusPending, domain.OrderStatusSubmitted, LabelSubmit},
		{domain.OrderStatusPending, domain.OrderStatusRejected, LabelReject},
		{domain.OrderStatusPending, domain.OrderStatusCanceled, LabelCancel},
		{domain.OrderStatusSubmitted, domain.OrderStatusAccepted, LabelAccept},
		{domain.OrderStatusAccepted, domain.OrderStatusFilled, LabelFill},
		{domain.OrderStatusAccepted, domain.OrderStatusExpired, LabelExpire},
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled, LabelFill},
	}
	for _, tc := range legal {
		label, ok := Declared(tc.from, tc.to)
		assert.True(t, ok, "%s -> %s should be declared", tc.from, tc.to)
		assert.Equal(t, tc.label, label)
	}

	for _, terminal := range []domain.OrderStatus{
		domain.OrderStatusFilled, domain.OrderStatusCanceled,
		domain.OrderStatusRejected, domain.OrderStatusExpired,
	} {
		assert.Empty(t, ValidTargets(terminal), "terminal state %s must have no exits", terminal)
	}

	_, ok := Declared(domain.OrderStatusPending, domain.OrderStatusFilled)
	assert.False(t, ok, "pending cannot fill directly")
}

func TestSubmitAcceptFill(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "10")

	_, err := m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusSubmitted})
	require.NoError(t, err)
	_, err = m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusAccepted})
	require.NoError(t, err)

	evt, err := m.Transition(ctx, Attempt{
		OrderID:   order.ID,
		Target:    domain.OrderStatusFilled,
		FillPrice: decP("150.25"),
	})
	require.NoError(t, err)
	assert.Equal(t, LabelFill, evt.Label)
	assert.Equal(t, domain.OrderStatusAccepted, evt.OldStatus)
	assert.Equal(t, domain.OrderStatusFilled, evt.NewStatus)

	got, err := m.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(dec("10")))
	assert.True(t, got.AvgFillPrice.Equal(dec("150.25")))
	assert.NotNil(t, got.FilledAt)
	assert.NotNil(t, got.SubmittedAt)
}

func TestPartialFillAccounting(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "5")

	_, err := m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusSubmitted})
	require.NoError(t, err)
	_, err = m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusAccepted})
	require.NoError(t, err)

	// 3 @ 10.00
	evt, err := m.Transition(ctx, Attempt{
		OrderID:   order.ID,
		Target:    domain.OrderStatusPartiallyFilled,
		FillQty:   decP("3"),
		FillPrice: decP("10.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, evt.NewStatus)

	got, _ := m.Get(order.ID)
	assert.True(t, got.FilledQty.Equal(dec("3")))
	assert.True(t, got.AvgFillPrice.Equal(dec("10.00")))

	// Remaining 2 @ 10.00 via terminal fill.
	evt, err = m.Transition(ctx, Attempt{
		OrderID:   order.ID,
		Target:    domain.OrderStatusFilled,
		FillPrice: decP("10.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, evt.NewStatus)

	got, _ = m.Get(order.ID)
	assert.True(t, got.FilledQty.Equal(dec("5")))
	assert.True(t, got.AvgFillPrice.Equal(dec("10.00")))
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
}

func TestWeightedAverageFillPrice(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "10")

	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusSubmitted})
	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusAccepted})

	_, err := m.Transition(ctx, Attempt{
		OrderID: order.ID, Target: domain.OrderStatusPartiallyFilled,
		FillQty: decP("4"), FillPrice: decP("100"),
	})
	require.NoError(t, err)
	_, err = m.Transition(ctx, Attempt{
		OrderID: order.ID, Target: domain.OrderStatusPartiallyFilled,
		FillQty: decP("6"), FillPrice: decP("110"),
	})
	require.NoError(t, err)

	got, _ := m.Get(order.ID)
	// (4*100 + 6*110) / 10 = 106
	assert.True(t, got.AvgFillPrice.Equal(dec("106")), "got %s", got.AvgFillPrice)
	assert.Equal(t, domain.OrderStatusFilled, got.Status, "full quantity collapses to filled")
}

func TestPartialFillCollapsesToFilled(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "3")

	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusSubmitted})
	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusAccepted})

	evt, err := m.Transition(ctx, Attempt{
		OrderID: order.ID, Target: domain.OrderStatusPartiallyFilled,
		FillQty: decP("3"), FillPrice: decP("20"),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, evt.NewStatus)
}

func TestInvalidTransitionReturnsTypedError(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "10")

	_, err := m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusFilled})
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
	assert.Equal(t, int64(1), m.InvalidTransitionCount())

	got, _ := m.Get(order.ID)
	assert.Equal(t, domain.OrderStatusPending, got.Status, "failed transition must not mutate")
}

func TestTerminalStatesAreSticky(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "10")

	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusCanceled})

	for _, target := range []domain.OrderStatus{
		domain.OrderStatusSubmitted, domain.OrderStatusAccepted,
		domain.OrderStatusFilled, domain.OrderStatusRejected,
	} {
		_, err := m.Transition(ctx, Attempt{OrderID: order.ID, Target: target})
		assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err),
			"canceled -> %s must be illegal", target)
	}
}

func TestCancelFreshOrderHasNoFills(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "10")

	evt, err := m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusCanceled})
	require.NoError(t, err)
	assert.Equal(t, LabelCancel, evt.Label)

	got, _ := m.Get(order.ID)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
	assert.True(t, got.FilledQty.IsZero())
	assert.NotNil(t, got.CanceledAt)
}

func TestListenersReceiveEvents(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := &recordingListener{}
	m.AddListener(rec)

	order := placeOrder(t, m, "10")
	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusSubmitted})
	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusAccepted})

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, LabelSubmit, events[0].Label)
	assert.Equal(t, LabelAccept, events[1].Label)

	for _, e := range events {
		_, ok := Declared(e.OldStatus, e.NewStatus)
		assert.True(t, ok, "every emitted pair must be declared")
	}
}

func TestConcurrentTransitionsSerializePerOrder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "100")

	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusSubmitted})
	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusAccepted})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Transition(ctx, Attempt{
				OrderID: order.ID, Target: domain.OrderStatusPartiallyFilled,
				FillQty: decP("1"), FillPrice: decP("10"),
			})
		}()
	}
	wg.Wait()

	got, _ := m.Get(order.ID)
	assert.True(t, got.FilledQty.Equal(dec("50")), "got %s", got.FilledQty)
	assert.True(t, got.FilledQty.LessThanOrEqual(got.Quantity))
	assert.Equal(t, domain.OrderStatusPartiallyFilled, got.Status)
}

func TestOverfillClampsToQuantity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "5")

	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusSubmitted})
	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusAccepted})

	_, err := m.Transition(ctx, Attempt{
		OrderID: order.ID, Target: domain.OrderStatusPartiallyFilled,
		FillQty: decP("9"), FillPrice: decP("10"),
	})
	require.NoError(t, err)

	got, _ := m.Get(order.ID)
	assert.True(t, got.FilledQty.Equal(dec("5")), "filledQty must never exceed quantity")
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
}

func TestTerminalBeforeAndRemove(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	o1 := placeOrder(t, m, "1")
	m.Transition(ctx, Attempt{OrderID: o1.ID, Target: domain.OrderStatusCanceled})

	fake.Advance(48 * time.Hour)
	o2 := placeOrder(t, m, "1")
	m.Transition(ctx, Attempt{OrderID: o2.ID, Target: domain.OrderStatusCanceled})

	cutoff := fake.Now().Add(-24 * time.Hour)
	old := m.TerminalBefore(cutoff, 0)
	require.Len(t, old, 1)
	assert.Equal(t, o1.ID, old[0].ID)

	m.Remove([]string{o1.ID})
	_, err := m.Get(o1.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestValidSequence(t *testing.T) {
	assert.True(t, ValidSequence([]domain.OrderStatus{
		domain.OrderStatusPending, domain.OrderStatusSubmitted,
		domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled,
		domain.OrderStatusFilled,
	}))
	assert.False(t, ValidSequence([]domain.OrderStatus{
		domain.OrderStatusPending, domain.OrderStatusFilled,
	}))
}

func TestExpectedStateMismatchStillApplies(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	order := placeOrder(t, m, "10")

	m.Transition(ctx, Attempt{OrderID: order.ID, Target: domain.OrderStatusSubmitted})

	// The caller believed the order was still pending, but submitted ->
	// accepted is declared from the actual state, so it applies.
	evt, err := m.Transition(ctx, Attempt{
		OrderID:  order.ID,
		Expected: domain.OrderStatusPending,
		Target:   domain.OrderStatusAccepted,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, evt.OldStatus)
	assert.Equal(t, domain.OrderStatusAccepted, evt.NewStatus)
}

func TestUnknownOrderTransition(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Transition(context.Background(), Attempt{
		OrderID: "ord_missing", Target: domain.OrderStatusSubmitted,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindOrderNotFound, domain.KindOf(err))
}
