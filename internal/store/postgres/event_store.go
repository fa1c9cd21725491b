package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcmckee/tradewire/internal/domain"
)

// EventStore implements domain.EventStore on PostgreSQL. The event log is
// append-only.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates the store.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts an event.
func (s *EventStore) Append(ctx context.Context, e domain.OrderEvent) error {
	const query = `
		INSERT INTO order_events (id, order_id, label, old_status, new_status, quantity, price, at, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	var oldStatus *string
	if e.OldStatus != "" {
		v := string(e.OldStatus)
		oldStatus = &v
	}

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.OrderID, e.Label, oldStatus, string(e.NewStatus),
		decPtrStr(e.Quantity), decPtrStr(e.Price), e.At, e.Meta,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", e.ID, err)
	}
	return nil
}

const eventSelectCols = `id, order_id, label, old_status, new_status, quantity::text, price::text, at, meta`

func scanEvent(row pgx.Row) (domain.OrderEvent, error) {
	var (
		e          domain.OrderEvent
		oldStatus  *string
		newStatus  string
		qty, price *string
		metaRaw    []byte
	)
	if err := row.Scan(&e.ID, &e.OrderID, &e.Label, &oldStatus, &newStatus, &qty, &price, &e.At, &metaRaw); err != nil {
		return domain.OrderEvent{}, err
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &e.Meta)
	}
	if oldStatus != nil {
		e.OldStatus = domain.OrderStatus(*oldStatus)
	}
	e.NewStatus = domain.OrderStatus(newStatus)
	e.Quantity = parseDecPtr(qty)
	e.Price = parseDecPtr(price)
	return e, nil
}

// ListByOrder returns an order's events in emission order.
func (s *EventStore) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM order_events WHERE order_id = $1 ORDER BY at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []domain.OrderEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListBefore returns events emitted before the cutoff.
func (s *EventStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.OrderEvent, error) {
	query := `SELECT ` + eventSelectCols + ` FROM order_events WHERE at < $1 ORDER BY at, id`
	args := []any{cutoff}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events before: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes events by id.
func (s *EventStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM order_events WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete events: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
