package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

// Config is the per-adapter configuration shared by every venue.
type Config struct {
	Kind               Kind
	APIKey             string
	APISecret          string
	BaseURL            string
	WebhookSecret      string
	RateLimitPerMinute int
	MaxOrderAmount     *decimal.Decimal
	AllowedSymbols     []string
	CommissionPerShare decimal.Decimal
	MinCommission      decimal.Decimal
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	PaperTrading       bool
}

const (
	defaultRateLimitPerMinute = 200
	defaultRequestTimeout     = 30 * time.Second
	entityCacheTTL            = 30 * time.Second
	retryMaxAttempts          = 3
)

// Base bundles the shared adapter mechanisms. Venue adapters embed it.
type Base struct {
	Cfg    Config
	Clock  clock.Clock
	Logger *slog.Logger

	mu          sync.Mutex
	tokens      int
	windowStart time.Time

	Orders    *TTLCache[domain.Order]
	Positions *TTLCache[domain.Position]
	Accounts  *TTLCache[domain.Account]
}

// NewBase creates the shared adapter state with a full rate-limit bucket.
func NewBase(cfg Config, c clock.Clock, logger *slog.Logger) *Base {
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = defaultRateLimitPerMinute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Base{
		Cfg:         cfg,
		Clock:       c,
		Logger:      logger.With(slog.String("broker", string(cfg.Kind))),
		tokens:      cfg.RateLimitPerMinute,
		windowStart: c.Now(),
		Orders:      NewTTLCache[domain.Order](c, entityCacheTTL),
		Positions:   NewTTLCache[domain.Position](c, entityCacheTTL),
		Accounts:    NewTTLCache[domain.Account](c, entityCacheTTL),
	}
}

// CheckRateLimit consumes one token, refilling the bucket each minute. It
// returns a RateLimit error before the venue is touched when empty.
func (b *Base) CheckRateLimit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.Clock.Now()
	if now.Sub(b.windowStart) >= time.Minute {
		b.tokens = b.Cfg.RateLimitPerMinute
		b.windowStart = now
	}

	if b.tokens <= 0 {
		return domain.NewBrokerError(domain.KindRateLimit, "adapter rate limit exceeded")
	}
	b.tokens--
	return nil
}

// Retry runs op, retrying only Connection and RateLimit failures with
// exponential backoff and jitter, up to three attempts. Terminal kinds are
// returned immediately.
func (b *Base) Retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx)

	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !domain.KindOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		b.Logger.Warn("broker: retryable failure",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	}, policy)
}

// ValidateOrder runs the shared pre-submit checks.
func (b *Base) ValidateOrder(req domain.OrderRequest) error {
	if !req.Quantity.IsPositive() {
		return domain.NewBrokerError(domain.KindValidation, "order quantity must be positive")
	}
	if req.LimitPrice != nil && !req.LimitPrice.IsPositive() {
		return domain.NewBrokerError(domain.KindValidation, "limit price must be positive")
	}
	if req.StopPrice != nil && !req.StopPrice.IsPositive() {
		return domain.NewBrokerError(domain.KindValidation, "stop price must be positive")
	}

	switch req.Type {
	case domain.OrderTypeLimit:
		if req.LimitPrice == nil {
			return domain.NewBrokerError(domain.KindValidation, "limit order requires limit price")
		}
	case domain.OrderTypeStop:
		if req.StopPrice == nil {
			return domain.NewBrokerError(domain.KindValidation, "stop order requires stop price")
		}
	case domain.OrderTypeStopLimit:
		if req.LimitPrice == nil || req.StopPrice == nil {
			return domain.NewBrokerError(domain.KindValidation, "stop-limit order requires stop and limit prices")
		}
	case domain.OrderTypeTrailingStop:
		if req.TrailAmount == nil && req.TrailPercent == nil {
			return domain.NewBrokerError(domain.KindValidation, "trailing stop requires trail amount or percent")
		}
	}

	if len(b.Cfg.AllowedSymbols) > 0 {
		allowed := false
		for _, s := range b.Cfg.AllowedSymbols {
			if strings.EqualFold(s, req.Symbol) {
				allowed = true
				break
			}
		}
		if !allowed {
			return domain.NewBrokerError(domain.KindValidation,
				fmt.Sprintf("symbol %s not allowed for trading", req.Symbol))
		}
	}

	if b.Cfg.MaxOrderAmount != nil {
		// Market orders have no limit price; estimate notional conservatively.
		ref := decimal.NewFromInt(1000)
		if req.LimitPrice != nil {
			ref = *req.LimitPrice
		}
		if req.Quantity.Mul(ref).GreaterThan(*b.Cfg.MaxOrderAmount) {
			return domain.NewBrokerError(domain.KindValidation,
				fmt.Sprintf("order amount exceeds maximum %s", b.Cfg.MaxOrderAmount))
		}
	}

	return nil
}

// Commission computes the per-share commission with the configured minimum.
func (b *Base) Commission(qty, price decimal.Decimal) decimal.Decimal {
	if b.Cfg.CommissionPerShare.IsZero() {
		return decimal.Zero
	}
	c := qty.Mul(b.Cfg.CommissionPerShare)
	if c.LessThan(b.Cfg.MinCommission) {
		return b.Cfg.MinCommission
	}
	return c
}

// FormatSymbol normalizes a symbol for the venue.
func (b *Base) FormatSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// InvalidateEntity drops the cached order, and position/account slots, after
// any mutation or webhook touching them.
func (b *Base) InvalidateEntity(orderID, symbol, accountID string) {
	if orderID != "" {
		b.Orders.Invalidate(orderID)
	}
	if symbol != "" {
		b.Positions.Invalidate(symbol)
	}
	if accountID != "" {
		b.Accounts.Invalidate(accountID)
	}
}

// TTLCache is a small per-adapter entity cache with a fixed TTL.
type TTLCache[T any] struct {
	mu      sync.Mutex
	entries map[string]ttlEntry[T]
	ttl     time.Duration
	clock   clock.Clock
}

type ttlEntry[T any] struct {
	value   T
	expires time.Time
}

// NewTTLCache creates a cache with the given TTL.
func NewTTLCache[T any](c clock.Clock, ttl time.Duration) *TTLCache[T] {
	return &TTLCache[T]{
		entries: make(map[string]ttlEntry[T]),
		ttl:     ttl,
		clock:   c,
	}
}

// Get returns the cached value if present and unexpired.
func (c *TTLCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if c.clock.Now().After(e.expires) {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return e.value, true
}

// Put stores a value under the cache TTL.
func (c *TTLCache[T]) Put(key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[T]{value: v, expires: c.clock.Now().Add(c.ttl)}
}

// Invalidate removes one key.
func (c *TTLCache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes everything.
func (c *TTLCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]ttlEntry[T])
}
