package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rcmckee/tradewire/internal/domain"
)

// OrderStore implements domain.OrderStore on PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates the store.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

func decStr(d decimal.Decimal) string { return d.String() }

func decPtrStr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseDecPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := parseDec(*s)
	return &d
}

// Create inserts a new order row.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, client_ref, account_id, symbol, side, quantity,
			order_type, time_in_force, limit_price, stop_price,
			trail_amount, trail_percent, extended_hours, status,
			filled_qty, avg_fill_price, commission, broker_meta,
			created_at, updated_at, submitted_at, filled_at, canceled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23
		)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ClientRef, o.AccountID, o.Symbol, string(o.Side), decStr(o.Quantity),
		string(o.Type), string(o.TimeInForce), decPtrStr(o.LimitPrice), decPtrStr(o.StopPrice),
		decPtrStr(o.TrailAmount), decPtrStr(o.TrailPercent), o.ExtendedHours, string(o.Status),
		decStr(o.FilledQty), decPtrStr(o.AvgFillPrice), decStr(o.Commission), o.BrokerMeta,
		o.CreatedAt, o.UpdatedAt, o.SubmittedAt, o.FilledAt, o.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// Update rewrites the mutable order fields.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			status = $2, quantity = $3, limit_price = $4, stop_price = $5,
			time_in_force = $6, filled_qty = $7, avg_fill_price = $8,
			commission = $9, updated_at = $10, submitted_at = $11,
			filled_at = $12, canceled_at = $13
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.ID, string(o.Status), decStr(o.Quantity), decPtrStr(o.LimitPrice), decPtrStr(o.StopPrice),
		string(o.TimeInForce), decStr(o.FilledQty), decPtrStr(o.AvgFillPrice),
		decStr(o.Commission), o.UpdatedAt, o.SubmittedAt, o.FilledAt, o.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `id, client_ref, account_id, symbol, side, quantity::text,
	order_type, time_in_force, limit_price::text, stop_price::text,
	trail_amount::text, trail_percent::text, extended_hours, status,
	filled_qty::text, avg_fill_price::text, commission::text, broker_meta,
	created_at, updated_at, submitted_at, filled_at, canceled_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                                   domain.Order
		side, orderType, tif, status        string
		qty, filledQty, commission          string
		limitPx, stopPx, trailAmt, trailPct *string
		avgPx                               *string
		metaRaw                             []byte
	)

	err := row.Scan(
		&o.ID, &o.ClientRef, &o.AccountID, &o.Symbol, &side, &qty,
		&orderType, &tif, &limitPx, &stopPx,
		&trailAmt, &trailPct, &o.ExtendedHours, &status,
		&filledQty, &avgPx, &commission, &metaRaw,
		&o.CreatedAt, &o.UpdatedAt, &o.SubmittedAt, &o.FilledAt, &o.CanceledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &o.BrokerMeta)
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.Quantity = parseDec(qty)
	o.FilledQty = parseDec(filledQty)
	o.Commission = parseDec(commission)
	o.LimitPrice = parseDecPtr(limitPx)
	o.StopPrice = parseDecPtr(stopPx)
	o.TrailAmount = parseDecPtr(trailAmt)
	o.TrailPercent = parseDecPtr(trailPct)
	o.AvgFillPrice = parseDecPtr(avgPx)
	return o, nil
}

// GetByID fetches one order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// List fetches orders for an account, newest first.
func (s *OrderStore) List(ctx context.Context, accountID string, f domain.OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE account_id = $1`
	args := []any{accountID}

	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListTerminalBefore returns terminal orders last updated before the cutoff.
func (s *OrderStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE status IN ('filled','canceled','rejected','expired') AND updated_at < $1
		ORDER BY updated_at`
	args := []any{cutoff}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Delete removes orders by id; fills cascade.
func (s *OrderStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete orders: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
