package lifecycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

const shardCount = 64

// Attempt describes one requested transition. Expected is advisory: the
// transition is applied when the actual current state can legally reach
// Target, whether or not it matches Expected.
type Attempt struct {
	OrderID    string
	Expected   domain.OrderStatus
	Target     domain.OrderStatus
	FillQty    *decimal.Decimal
	FillPrice  *decimal.Decimal
	Commission *decimal.Decimal
	Venue      string
	Reason     string
	Meta       map[string]string
}

// EventListener receives every emitted order event, after the per-order lock
// has been released.
type EventListener interface {
	OnOrderEvent(event domain.OrderEvent, order domain.Order)
}

// Hook runs inside the transition. Before runs under the per-order lock and
// may veto by returning an error; After runs once the lock is released and
// observes the mutated order.
type Hook interface {
	Before(ctx context.Context, order *domain.Order, att Attempt) error
	After(ctx context.Context, order domain.Order, event domain.OrderEvent)
}

type shard struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

// Manager owns the order table and drives all mutations through the declared
// transition set. The table is partitioned by order id; each partition has
// its own lock, so there is never more than one in-flight mutation per order
// and orders in different partitions do not contend.
type Manager struct {
	shards [shardCount]shard

	clock  clock.Clock
	ids    *clock.IDMinter
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []EventListener
	hooks     []Hook

	// Optional write-through persistence.
	orderStore domain.OrderStore
	fillStore  domain.FillStore
	eventStore domain.EventStore

	invalidTransitions atomic.Int64
}

// NewManager creates an empty order table.
func NewManager(c clock.Clock, ids *clock.IDMinter, logger *slog.Logger) *Manager {
	m := &Manager{
		clock:  c,
		ids:    ids,
		logger: logger.With(slog.String("component", "lifecycle")),
	}
	for i := range m.shards {
		m.shards[i].orders = make(map[string]*domain.Order)
	}
	return m
}

// WithStores attaches write-through persistence. Store failures are logged
// and never block the in-memory transition.
func (m *Manager) WithStores(orders domain.OrderStore, fills domain.FillStore, events domain.EventStore) *Manager {
	m.orderStore = orders
	m.fillStore = fills
	m.eventStore = events
	return m
}

// AddListener registers a typed event listener.
func (m *Manager) AddListener(l EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// AddHook registers a pre/post transition hook.
func (m *Manager) AddHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// InvalidTransitionCount reports how many illegal transitions were attempted.
func (m *Manager) InvalidTransitionCount() int64 {
	return m.invalidTransitions.Load()
}

func (m *Manager) shardFor(orderID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return &m.shards[h.Sum32()%shardCount]
}

// Create builds a pending order from a request and installs it in the table.
func (m *Manager) Create(ctx context.Context, req domain.OrderRequest, accountID string) domain.Order {
	now := m.clock.Now()
	order := domain.Order{
		ID:            m.ids.New(clock.PrefixOrder),
		ClientRef:     req.ClientRef,
		AccountID:     accountID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TrailAmount:   req.TrailAmount,
		TrailPercent:  req.TrailPercent,
		ExtendedHours: req.ExtendedHours,
		Status:        domain.OrderStatusPending,
		FilledQty:     decimal.Zero,
		Commission:    decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s := m.shardFor(order.ID)
	s.mu.Lock()
	s.orders[order.ID] = &order
	s.mu.Unlock()

	m.persistOrder(ctx, order, true)
	return order
}

// Track adopts an order created elsewhere (e.g. returned by a broker) into
// the table. Existing entries are left untouched.
func (m *Manager) Track(ctx context.Context, order domain.Order) domain.Order {
	s := m.shardFor(order.ID)
	s.mu.Lock()
	if existing, ok := s.orders[order.ID]; ok {
		cp := *existing
		s.mu.Unlock()
		return cp
	}
	cp := order
	s.orders[order.ID] = &cp
	s.mu.Unlock()

	m.persistOrder(ctx, order, true)
	return order
}

// Get returns a copy of the order.
func (m *Manager) Get(orderID string) (domain.Order, error) {
	s := m.shardFor(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return *o, nil
}

// List returns orders matching the filter, newest first.
func (m *Manager) List(f domain.OrderFilter) []domain.Order {
	var out []domain.Order
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for _, o := range s.orders {
			if f.Status != nil && o.Status != *f.Status {
				continue
			}
			if f.Symbol != "" && o.Symbol != f.Symbol {
				continue
			}
			out = append(out, *o)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// TerminalBefore returns orders that reached a terminal state and were last
// updated before the cutoff. Used by the retention archiver.
func (m *Manager) TerminalBefore(cutoff time.Time, limit int) []domain.Order {
	var out []domain.Order
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for _, o := range s.orders {
			if o.Status.Terminal() && o.UpdatedAt.Before(cutoff) {
				out = append(out, *o)
				if limit > 0 && len(out) >= limit {
					s.mu.Unlock()
					return out
				}
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Remove drops orders from the table. Only terminal orders should be removed.
func (m *Manager) Remove(ids []string) {
	for _, id := range ids {
		s := m.shardFor(id)
		s.mu.Lock()
		delete(s.orders, id)
		s.mu.Unlock()
	}
}

// Transition applies one attempt. Illegal transitions return a typed
// InvalidTransition failure; they never panic and never mutate the order.
func (m *Manager) Transition(ctx context.Context, att Attempt) (domain.OrderEvent, error) {
	s := m.shardFor(att.OrderID)
	s.mu.Lock()

	order, ok := s.orders[att.OrderID]
	if !ok {
		s.mu.Unlock()
		return domain.OrderEvent{}, domain.NewBrokerError(domain.KindOrderNotFound,
			fmt.Sprintf("order %s not tracked", att.OrderID))
	}

	current := order.Status
	label, legal := Declared(current, att.Target)
	if !legal {
		s.mu.Unlock()
		m.invalidTransitions.Add(1)
		m.logger.WarnContext(ctx, "lifecycle: invalid transition",
			slog.String("order_id", att.OrderID),
			slog.String("from", string(current)),
			slog.String("to", string(att.Target)),
		)
		return domain.OrderEvent{}, domain.NewBrokerError(domain.KindInvalidTransition,
			fmt.Sprintf("no transition %s -> %s for order %s", current, att.Target, att.OrderID))
	}

	if att.Expected != "" && att.Expected != current {
		m.logger.DebugContext(ctx, "lifecycle: expected state mismatch, actual transition still legal",
			slog.String("order_id", att.OrderID),
			slog.String("expected", string(att.Expected)),
			slog.String("actual", string(current)),
		)
	}

	m.mu.RLock()
	hooks := m.hooks
	listeners := m.listeners
	m.mu.RUnlock()

	for _, h := range hooks {
		if err := h.Before(ctx, order, att); err != nil {
			s.mu.Unlock()
			return domain.OrderEvent{}, fmt.Errorf("lifecycle: pre-action vetoed transition: %w", err)
		}
	}

	now := m.clock.Now()
	var fill *domain.Fill

	newStatus := att.Target
	switch label {
	case LabelSubmit:
		order.SubmittedAt = &now
	case LabelCancel:
		order.CanceledAt = &now
	case LabelPartialFill, LabelFill:
		newStatus, fill = m.applyFill(order, att, label, now)
	}

	event := domain.OrderEvent{
		ID:        m.ids.New(clock.PrefixEvent),
		OrderID:   order.ID,
		Label:     label,
		OldStatus: current,
		NewStatus: newStatus,
		Quantity:  att.FillQty,
		Price:     att.FillPrice,
		At:        now,
		Meta:      att.Meta,
	}
	if fill != nil {
		q := fill.Quantity
		p := fill.Price
		event.Quantity = &q
		event.Price = &p
	}
	if att.Reason != "" {
		if event.Meta == nil {
			event.Meta = map[string]string{}
		}
		event.Meta["reason"] = att.Reason
	}

	order.Status = newStatus
	order.UpdatedAt = now
	snapshot := *order

	s.mu.Unlock()

	m.persistOrder(ctx, snapshot, false)
	if fill != nil && m.fillStore != nil {
		if err := m.fillStore.Create(ctx, *fill); err != nil {
			m.logger.WarnContext(ctx, "lifecycle: persist fill failed",
				slog.String("fill_id", fill.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if m.eventStore != nil {
		if err := m.eventStore.Append(ctx, event); err != nil {
			m.logger.WarnContext(ctx, "lifecycle: persist event failed",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, h := range hooks {
		h.After(ctx, snapshot, event)
	}
	for _, l := range listeners {
		l.OnOrderEvent(event, snapshot)
	}

	m.logger.InfoContext(ctx, "lifecycle: order transitioned",
		slog.String("order_id", order.ID),
		slog.String("from", string(current)),
		slog.String("to", string(newStatus)),
		slog.String("label", label),
	)

	return event, nil
}

// applyFill updates fill accounting under the shard lock and returns the
// effective new status (a partial fill that completes the order collapses to
// filled) plus the created fill record.
func (m *Manager) applyFill(order *domain.Order, att Attempt, label string, now time.Time) (domain.OrderStatus, *domain.Fill) {
	qty := order.Remaining()
	if att.FillQty != nil {
		qty = *att.FillQty
	}
	if label == LabelFill && att.FillQty == nil {
		// Terminal fill with no explicit quantity fills the remainder.
		qty = order.Remaining()
	}
	if qty.GreaterThan(order.Remaining()) {
		qty = order.Remaining()
	}

	price := decimal.Zero
	if att.FillPrice != nil {
		price = *att.FillPrice
	} else if order.AvgFillPrice != nil {
		price = *order.AvgFillPrice
	}

	commission := decimal.Zero
	if att.Commission != nil {
		commission = *att.Commission
	}

	prevFilled := order.FilledQty
	newFilled := prevFilled.Add(qty)

	if order.AvgFillPrice == nil || prevFilled.IsZero() {
		order.AvgFillPrice = &price
	} else if newFilled.IsPositive() {
		weighted := order.AvgFillPrice.Mul(prevFilled).Add(price.Mul(qty)).Div(newFilled)
		order.AvgFillPrice = &weighted
	}

	order.FilledQty = newFilled
	order.Commission = order.Commission.Add(commission)

	status := domain.OrderStatusPartiallyFilled
	if newFilled.GreaterThanOrEqual(order.Quantity) {
		status = domain.OrderStatusFilled
		order.FilledAt = &now
	}

	fill := &domain.Fill{
		ID:         m.ids.New(clock.PrefixFill),
		OrderID:    order.ID,
		Quantity:   qty,
		Price:      price,
		Commission: commission,
		At:         now,
		Venue:      att.Venue,
	}
	return status, fill
}

func (m *Manager) persistOrder(ctx context.Context, order domain.Order, create bool) {
	if m.orderStore == nil {
		return
	}
	var err error
	if create {
		err = m.orderStore.Create(ctx, order)
	} else {
		err = m.orderStore.Update(ctx, order)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "lifecycle: persist order failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
}
