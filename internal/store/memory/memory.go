// Package memory implements the persistence store interfaces in process
// memory. It is the default when no database is configured: orders, fills and
// events are kept under a "{kind}:{id}" key with a stable, field-ordered JSON
// value, so swapping in a real key-value backend changes nothing about their
// data shape. Audit entries are held in an append-only slice instead.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/idempotency"
)

func unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

// kv is the shared keyed table: "{kind}:{id}" -> canonical JSON.
type kv struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func newKV() *kv {
	return &kv{entries: make(map[string][]byte)}
}

func key(kind, id string) string { return kind + ":" + id }

func (s *kv) put(kind, id string, v any) error {
	raw, err := idempotency.CanonicalJSON(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key(kind, id)] = raw
	return nil
}

func (s *kv) get(kind, id string, v any) error {
	s.mu.RLock()
	raw, ok := s.entries[key(kind, id)]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}
	return unmarshal(raw, v)
}

func (s *kv) delete(kind string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, key(kind, id))
	}
}

// scan walks every entry of a kind in key order.
func (s *kv) scan(kind string, visit func(raw []byte) error) error {
	prefix := kind + ":"

	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	raws := make([][]byte, 0, len(keys))
	for _, k := range keys {
		raws = append(raws, s.entries[k])
	}
	s.mu.RUnlock()

	for _, raw := range raws {
		if err := visit(raw); err != nil {
			return err
		}
	}
	return nil
}

// Store bundles the in-memory implementations of every persistence
// interface over one shared keyed table.
type Store struct {
	kv *kv

	auditMu  sync.Mutex
	auditSeq int64
	audit    []domain.AuditEntry
}

// New creates an empty store.
func New() *Store {
	return &Store{kv: newKV()}
}

// Len reports the number of stored entities across kinds.
func (s *Store) Len() int {
	s.kv.mu.RLock()
	defer s.kv.mu.RUnlock()
	return len(s.kv.entries)
}

// ---------------------------------------------------------------------------
// domain.OrderStore
// ---------------------------------------------------------------------------

const (
	kindOrder = "order"
	kindFill  = "fill"
	kindEvent = "event"
)

// Create stores a new order.
func (s *Store) Create(ctx context.Context, order domain.Order) error {
	return s.kv.put(kindOrder, order.ID, order)
}

// Update rewrites an order.
func (s *Store) Update(ctx context.Context, order domain.Order) error {
	var existing domain.Order
	if err := s.kv.get(kindOrder, order.ID, &existing); err != nil {
		return err
	}
	return s.kv.put(kindOrder, order.ID, order)
}

// GetByID fetches one order.
func (s *Store) GetByID(ctx context.Context, id string) (domain.Order, error) {
	var o domain.Order
	if err := s.kv.get(kindOrder, id, &o); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// List fetches an account's orders, newest first.
func (s *Store) List(ctx context.Context, accountID string, f domain.OrderFilter) ([]domain.Order, error) {
	var out []domain.Order
	err := s.kv.scan(kindOrder, func(raw []byte) error {
		var o domain.Order
		if err := unmarshal(raw, &o); err != nil {
			return err
		}
		if accountID != "" && o.AccountID != accountID {
			return nil
		}
		if f.Status != nil && o.Status != *f.Status {
			return nil
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			return nil
		}
		out = append(out, o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListTerminalBefore returns terminal orders last updated before the cutoff.
func (s *Store) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	err := s.kv.scan(kindOrder, func(raw []byte) error {
		var o domain.Order
		if err := unmarshal(raw, &o); err != nil {
			return err
		}
		if o.Status.Terminal() && o.UpdatedAt.Before(cutoff) {
			out = append(out, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes orders by id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	s.kv.delete(kindOrder, ids)
	return nil
}

// ---------------------------------------------------------------------------
// domain.FillStore / domain.EventStore
// ---------------------------------------------------------------------------

// Fills exposes the fill store view.
func (s *Store) Fills() domain.FillStore { return fillStore{s} }

// Events exposes the event store view.
func (s *Store) Events() domain.EventStore { return eventStore{s} }

type fillStore struct{ s *Store }

func (f fillStore) Create(ctx context.Context, fill domain.Fill) error {
	return f.s.kv.put(kindFill, fill.ID, fill)
}

func (f fillStore) ListByOrder(ctx context.Context, orderID string) ([]domain.Fill, error) {
	var out []domain.Fill
	err := f.s.kv.scan(kindFill, func(raw []byte) error {
		var fl domain.Fill
		if err := unmarshal(raw, &fl); err != nil {
			return err
		}
		if fl.OrderID == orderID {
			out = append(out, fl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (f fillStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Fill, error) {
	var out []domain.Fill
	err := f.s.kv.scan(kindFill, func(raw []byte) error {
		var fl domain.Fill
		if err := unmarshal(raw, &fl); err != nil {
			return err
		}
		if fl.At.Before(cutoff) {
			out = append(out, fl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f fillStore) Delete(ctx context.Context, ids []string) error {
	f.s.kv.delete(kindFill, ids)
	return nil
}

type eventStore struct{ s *Store }

func (e eventStore) Append(ctx context.Context, event domain.OrderEvent) error {
	return e.s.kv.put(kindEvent, event.ID, event)
}

func (e eventStore) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	var out []domain.OrderEvent
	err := e.s.kv.scan(kindEvent, func(raw []byte) error {
		var ev domain.OrderEvent
		if err := unmarshal(raw, &ev); err != nil {
			return err
		}
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Event ids are time-prefixed and sortable, which fixes emission order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (e eventStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.OrderEvent, error) {
	var out []domain.OrderEvent
	err := e.s.kv.scan(kindEvent, func(raw []byte) error {
		var ev domain.OrderEvent
		if err := unmarshal(raw, &ev); err != nil {
			return err
		}
		if ev.At.Before(cutoff) {
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e eventStore) Delete(ctx context.Context, ids []string) error {
	e.s.kv.delete(kindEvent, ids)
	return nil
}

// ---------------------------------------------------------------------------
// domain.AuditStore
// ---------------------------------------------------------------------------

// Audit exposes the audit store view.
func (s *Store) Audit() domain.AuditStore { return auditStore{s} }

type auditStore struct{ s *Store }

func (a auditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	a.s.auditMu.Lock()
	defer a.s.auditMu.Unlock()
	a.s.auditSeq++
	a.s.audit = append(a.s.audit, domain.AuditEntry{
		ID:        a.s.auditSeq,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (a auditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.s.auditMu.Lock()
	defer a.s.auditMu.Unlock()

	out := make([]domain.AuditEntry, 0, len(a.s.audit))
	for i := len(a.s.audit) - 1; i >= 0; i-- {
		e := a.s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Compile-time interface checks.
var (
	_ domain.OrderStore = (*Store)(nil)
	_ domain.FillStore  = fillStore{}
	_ domain.EventStore = eventStore{}
	_ domain.AuditStore = auditStore{}
)
