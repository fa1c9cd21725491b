package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rcmckee/tradewire/internal/domain"
)

// FillStore implements domain.FillStore on PostgreSQL. Fills are immutable.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates the store.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Create inserts a fill.
func (s *FillStore) Create(ctx context.Context, f domain.Fill) error {
	const query = `
		INSERT INTO fills (id, order_id, quantity, price, commission, at, venue)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		f.ID, f.OrderID, decStr(f.Quantity), decStr(f.Price), decStr(f.Commission), f.At, f.Venue,
	)
	if err != nil {
		return fmt.Errorf("postgres: create fill %s: %w", f.ID, err)
	}
	return nil
}

const fillSelectCols = `id, order_id, quantity::text, price::text, commission::text, at, venue`

func scanFill(row pgx.Row) (domain.Fill, error) {
	var (
		f                     domain.Fill
		qty, price, commission string
		venue                 *string
	)
	if err := row.Scan(&f.ID, &f.OrderID, &qty, &price, &commission, &f.At, &venue); err != nil {
		return domain.Fill{}, err
	}
	f.Quantity = parseDec(qty)
	f.Price = parseDec(price)
	f.Commission = parseDec(commission)
	if venue != nil {
		f.Venue = *venue
	}
	return f, nil
}

// ListByOrder returns an order's fills in execution order.
func (s *FillStore) ListByOrder(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE order_id = $1 ORDER BY at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills for %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListBefore returns fills executed before the cutoff.
func (s *FillStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Fill, error) {
	query := `SELECT ` + fillSelectCols + ` FROM fills WHERE at < $1 ORDER BY at`
	args := []any{cutoff}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before: %w", err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Delete removes fills by id.
func (s *FillStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM fills WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete fills: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.FillStore = (*FillStore)(nil)
