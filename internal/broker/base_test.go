package broker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

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

func newTestBase(cfg Config) (*Base, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	return NewBase(cfg, fake, slog.Default()), fake
}

func TestRateLimitRefillsEachMinute(t *testing.T) {
	base, fake := newTestBase(Config{Kind: KindPaper, RateLimitPerMinute: 2})

	require.NoError(t, base.CheckRateLimit())
	require.NoError(t, base.CheckRateLimit())

	err := base.CheckRateLimit()
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimit, domain.KindOf(err))

	fake.Advance(61 * time.Second)
	assert.NoError(t, base.CheckRateLimit())
}

func TestRetryOnlyTransientKinds(t *testing.T) {
	base, _ := newTestBase(Config{Kind: KindPaper})
	ctx := context.Background()

	calls := 0
	err := base.Retry(ctx, func() error {
		calls++
		return domain.NewBrokerError(domain.KindValidation, "bad qty")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "terminal errors must not be retried")

	calls = 0
	err = base.Retry(ctx, func() error {
		calls++
		if calls < 3 {
			return domain.NewBrokerError(domain.KindConnection, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	base, _ := newTestBase(Config{Kind: KindPaper})

	calls := 0
	err := base.Retry(context.Background(), func() error {
		calls++
		return domain.NewBrokerError(domain.KindConnection, "down")
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindConnection, domain.KindOf(err))
	assert.Equal(t, 3, calls)
}

func TestValidateOrder(t *testing.T) {
	base, _ := newTestBase(Config{
		Kind:           KindPaper,
		AllowedSymbols: []string{"AAPL", "MSFT"},
		MaxOrderAmount: decP("10000"),
	})

	valid := domain.OrderRequest{
		Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: dec("10"),
		Type: domain.OrderTypeLimit, TimeInForce: domain.TIFDay, LimitPrice: decP("100"),
	}
	assert.NoError(t, base.ValidateOrder(valid))

	tests := []struct {
		name   string
		mutate func(r *domain.OrderRequest)
	}{
		{"zero quantity", func(r *domain.OrderRequest) { r.Quantity = decimal.Zero }},
		{"negative quantity", func(r *domain.OrderRequest) { r.Quantity = dec("-5") }},
		{"negative limit price", func(r *domain.OrderRequest) { r.LimitPrice = decP("-1") }},
		{"limit without price", func(r *domain.OrderRequest) { r.LimitPrice = nil }},
		{"stop without stop price", func(r *domain.OrderRequest) {
			r.Type = domain.OrderTypeStop
			r.StopPrice = nil
		}},
		{"trailing without trail", func(r *domain.OrderRequest) { r.Type = domain.OrderTypeTrailingStop }},
		{"symbol not allowed", func(r *domain.OrderRequest) { r.Symbol = "GME" }},
		{"notional over max", func(r *domain.OrderRequest) { r.Quantity = dec("500") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			err := base.ValidateOrder(req)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

func TestCommission(t *testing.T) {
	base, _ := newTestBase(Config{
		Kind:               KindPaper,
		CommissionPerShare: dec("0.005"),
		MinCommission:      dec("1.00"),
	})

	// 10 shares * 0.005 = 0.05 -> minimum applies
	assert.True(t, base.Commission(dec("10"), dec("150")).Equal(dec("1.00")))
	// 1000 shares * 0.005 = 5.00
	assert.True(t, base.Commission(dec("1000"), dec("150")).Equal(dec("5.00")))

	free, _ := newTestBase(Config{Kind: KindAlpaca})
	assert.True(t, free.Commission(dec("1000"), dec("150")).IsZero())
}

func TestTTLCacheExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	cache := NewTTLCache[string](fake, 30*time.Second)

	cache.Put("k", "v")
	got, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	fake.Advance(31 * time.Second)
	_, ok = cache.Get("k")
	assert.False(t, ok)
}

func TestInvalidateEntity(t *testing.T) {
	base, _ := newTestBase(Config{Kind: KindPaper})

	base.Orders.Put("o1", domain.Order{ID: "o1"})
	base.Positions.Put("AAPL", domain.Position{Symbol: "AAPL"})
	base.Accounts.Put("a1", domain.Account{ID: "a1"})

	base.InvalidateEntity("o1", "AAPL", "a1")

	_, ok := base.Orders.Get("o1")
	assert.False(t, ok)
	_, ok = base.Positions.Get("AAPL")
	assert.False(t, ok)
	_, ok = base.Accounts.Get("a1")
	assert.False(t, ok)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, domain.KindInternal, domain.KindOf(errors.New("boom")))
}
