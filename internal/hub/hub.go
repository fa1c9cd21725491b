// Package hub implements the streaming fan-out plane: a registry of client
// connections with symbol and scanner subscription planes, per-connection
// bounded queues, token-bucket rate limits, and per-subject ordered delivery.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

// MessageType is the bitmask of streamable event types.
type MessageType uint8

const (
	TypePriceUpdate MessageType = 1 << iota
	TypeOrderEvent
	TypeScannerResult
	TypeAggregatedResult
	TypeAlert
)

// TypeAll subscribes to every event type.
const TypeAll = TypePriceUpdate | TypeOrderEvent | TypeScannerResult | TypeAggregatedResult | TypeAlert

var typeNames = map[MessageType]string{
	TypePriceUpdate:      "price_update",
	TypeOrderEvent:       "order_event",
	TypeScannerResult:    "scanner_result",
	TypeAggregatedResult: "aggregated_result",
	TypeAlert:            "alert",
}

var typesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

// Name returns the wire name of a single message type.
func (t MessageType) Name() string { return typeNames[t] }

// TypeFromName resolves a wire name to its message type.
func TypeFromName(name string) (MessageType, bool) {
	t, ok := typesByName[name]
	return t, ok
}

// ParseTypes builds a mask from wire names. Empty input means everything.
func ParseTypes(names []string) MessageType {
	if len(names) == 0 {
		return TypeAll
	}
	var mask MessageType
	for _, n := range names {
		mask |= typesByName[n]
	}
	return mask
}

// OverflowPolicy decides what happens when a connection's outbound queue
// fills up.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "dropOldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// Options tunes the hub. Heartbeat cadence is fixed by the ping/pong
// constants on the connection pumps.
type Options struct {
	QueueCapacity     int
	MaxMessagesPerSec float64
	MinSubjectSpacing time.Duration
	Overflow          OverflowPolicy
}

// DefaultOptions match the documented defaults: 256-message queues, 100
// messages per second per connection, no per-subject spacing, drop-oldest.
func DefaultOptions() Options {
	return Options{
		QueueCapacity:     256,
		MaxMessagesPerSec: 100,
		MinSubjectSpacing: 0,
		Overflow:          OverflowDropOldest,
	}
}

// Envelope is the server-to-client message shape.
type Envelope struct {
	Type      string    `json:"type"`
	Subject   string    `json:"subject,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes carried on typed error envelopes.
const (
	CodeBadCommand   = "BadCommand"
	CodeUnauthorized = "Unauthorized"
	CodeRateLimited  = "RateLimited"
)

// Hub is the connection registry and publisher.
type Hub struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	conns       map[string]*Conn
	symbolSubs  map[string]map[*Conn]MessageType
	scannerSubs map[string]map[*Conn]bool
	closed      bool

	drops     atomic.Int64
	delivered atomic.Int64

	// orphanHook fires when a scanner subject loses its last subscriber, so
	// the owning stream can be torn down with the connection.
	orphanHook func(scannerID string)
}

// New creates a hub.
func New(opts Options, c clock.Clock, logger *slog.Logger) *Hub {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.MaxMessagesPerSec <= 0 {
		opts.MaxMessagesPerSec = 100
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowDropOldest
	}
	return &Hub{
		opts:        opts,
		clock:       c,
		logger:      logger.With(slog.String("component", "hub")),
		conns:       make(map[string]*Conn),
		symbolSubs:  make(map[string]map[*Conn]MessageType),
		scannerSubs: make(map[string]map[*Conn]bool),
	}
}

// SetScannerOrphanHook installs the callback run when a scanner subject
// loses its last subscriber.
func (h *Hub) SetScannerOrphanHook(f func(scannerID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orphanHook = f
}

// DropCount reports messages dropped by backpressure or rate limits.
func (h *Hub) DropCount() int64 { return h.drops.Load() }

// DeliveredCount reports messages enqueued for delivery.
func (h *Hub) DeliveredCount() int64 { return h.delivered.Load() }

// ConnCount reports live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// register installs a connection.
func (h *Hub) register(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrHubClosed
	}
	h.conns[c.ID] = c
	h.logger.Info("hub: client connected",
		slog.String("conn_id", c.ID),
		slog.Int("total", len(h.conns)),
	)
	return nil
}

// Remove tears a connection down: subscriptions go atomically, per-connection
// tasks are canceled, and the writer stops.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	for subject, subs := range h.symbolSubs {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.symbolSubs, subject)
		}
	}
	var orphaned []string
	for scannerID, subs := range h.scannerSubs {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.scannerSubs, scannerID)
			orphaned = append(orphaned, scannerID)
		}
	}
	hook := h.orphanHook
	total := len(h.conns)
	h.mu.Unlock()

	if hook != nil {
		for _, id := range orphaned {
			hook(id)
		}
	}

	c.close()
	h.logger.Info("hub: client disconnected",
		slog.String("conn_id", c.ID),
		slog.Int("total", total),
	)
}

// SubscribeSymbols adds (connection, symbol, typeMask) subscriptions.
func (h *Hub) SubscribeSymbols(c *Conn, symbols []string, mask MessageType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sym := range symbols {
		subs, ok := h.symbolSubs[sym]
		if !ok {
			subs = make(map[*Conn]MessageType)
			h.symbolSubs[sym] = subs
		}
		subs[c] |= mask
	}
}

// UnsubscribeSymbols removes symbol subscriptions.
func (h *Hub) UnsubscribeSymbols(c *Conn, symbols []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sym := range symbols {
		if subs, ok := h.symbolSubs[sym]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.symbolSubs, sym)
			}
		}
	}
}

// SubscribeScanner adds a (connection, scannerID) subscription.
func (h *Hub) SubscribeScanner(c *Conn, scannerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.scannerSubs[scannerID]
	if !ok {
		subs = make(map[*Conn]bool)
		h.scannerSubs[scannerID] = subs
	}
	subs[c] = true
}

// UnsubscribeScanner removes a scanner subscription, firing the orphan hook
// when the subject loses its last subscriber.
func (h *Hub) UnsubscribeScanner(c *Conn, scannerID string) {
	h.mu.Lock()
	orphaned := false
	if subs, ok := h.scannerSubs[scannerID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.scannerSubs, scannerID)
			orphaned = true
		}
	}
	hook := h.orphanHook
	h.mu.Unlock()

	if orphaned && hook != nil {
		hook(scannerID)
	}
}

// Subscriptions lists a connection's live subjects.
func (h *Hub) Subscriptions(c *Conn) (symbols []string, scanners []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sym, subs := range h.symbolSubs {
		if _, ok := subs[c]; ok {
			symbols = append(symbols, sym)
		}
	}
	for id, subs := range h.scannerSubs {
		if subs[c] {
			scanners = append(scanners, id)
		}
	}
	return symbols, scanners
}

// Publish fans one event out to every subscriber of (subject, type). The
// subscriber set is snapshotted before delivery so publishers never hold the
// index lock while enqueueing. It returns the number of connections the
// message was enqueued for.
func (h *Hub) Publish(subject string, mt MessageType, data any) int {
	env := Envelope{
		Type:      mt.Name(),
		Subject:   subject,
		Data:      data,
		Timestamp: h.clock.Now(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("hub: marshal envelope failed", slog.String("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	subs := h.symbolSubs[subject]
	targets := make([]*Conn, 0, len(subs))
	for c, mask := range subs {
		if mask&mt != 0 {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.enqueue(c, subject, raw) {
			delivered++
		}
	}
	return delivered
}

// PublishScanner fans scanner-plane events out by scanner id.
func (h *Hub) PublishScanner(scannerID string, mt MessageType, data any) int {
	env := Envelope{
		Type:      mt.Name(),
		Subject:   scannerID,
		Data:      data,
		Timestamp: h.clock.Now(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("hub: marshal envelope failed", slog.String("error", err.Error()))
		return 0
	}

	h.mu.RLock()
	subs := h.scannerSubs[scannerID]
	targets := make([]*Conn, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.enqueue(c, scannerID, raw) {
			delivered++
		}
	}
	return delivered
}

// enqueue applies the connection's rate limits and queue bound, then hands
// the message to its single writer. Queue order is delivery order, so
// per-(connection, subject) publish order is preserved.
func (h *Hub) enqueue(c *Conn, subject string, raw []byte) bool {
	now := h.clock.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	// Token bucket: MaxMessagesPerSec sustained, same burst capacity.
	elapsed := now.Sub(c.lastRefill).Seconds()
	c.tokens += elapsed * h.opts.MaxMessagesPerSec
	if c.tokens > h.opts.MaxMessagesPerSec {
		c.tokens = h.opts.MaxMessagesPerSec
	}
	c.lastRefill = now

	if c.tokens < 1 {
		c.mu.Unlock()
		h.drops.Add(1)
		c.drops.Add(1)
		return false
	}

	if h.opts.MinSubjectSpacing > 0 {
		if last, ok := c.lastSent[subject]; ok && now.Sub(last) < h.opts.MinSubjectSpacing {
			c.mu.Unlock()
			h.drops.Add(1)
			c.drops.Add(1)
			return false
		}
	}

	if len(c.queue) >= h.opts.QueueCapacity {
		if h.opts.Overflow == OverflowDisconnect {
			c.mu.Unlock()
			h.drops.Add(1)
			c.drops.Add(1)
			go h.Remove(c)
			return false
		}
		// dropOldest: evict from the head to admit the new message.
		c.queue = c.queue[1:]
		h.drops.Add(1)
		c.drops.Add(1)
	}

	c.tokens--
	if h.opts.MinSubjectSpacing > 0 {
		c.lastSent[subject] = now
	}
	c.queue = append(c.queue, raw)
	c.mu.Unlock()

	h.delivered.Add(1)
	c.wake()
	return true
}

// send bypasses rate limits for direct replies (pong, list, errors). The
// queue bound still applies.
func (h *Hub) send(c *Conn, env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= h.opts.QueueCapacity {
		c.queue = c.queue[1:]
		h.drops.Add(1)
		c.drops.Add(1)
	}
	c.queue = append(c.queue, raw)
	c.mu.Unlock()
	c.wake()
}

// Close tears down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.Remove(c)
	}
}
