package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
)

// ObjectWriter is the narrow upload surface the archiver needs.
type ObjectWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// OrderSource yields terminal orders past retention and removes them once
// archived. The lifecycle manager satisfies it directly and is what the
// wiring passes in.
type OrderSource interface {
	TerminalBefore(cutoff time.Time, limit int) []domain.Order
	Remove(ids []string)
}

// Archiver moves terminal orders (plus their fills and events, when stores
// are attached) to object storage once they age past the retention window.
// An order reaching a terminal state is destroyed locally only after the
// retention window elapses and the archive upload succeeds.
type Archiver struct {
	writer ObjectWriter
	orders OrderSource
	fills  domain.FillStore
	events domain.EventStore
	clock  clock.Clock
	logger *slog.Logger

	retention time.Duration
	batchSize int
}

// NewArchiver creates an archiver. fills and events may be nil when no
// persistent stores are configured.
func NewArchiver(writer ObjectWriter, orders OrderSource, fills domain.FillStore, events domain.EventStore, retention time.Duration, c clock.Clock, logger *slog.Logger) *Archiver {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Archiver{
		writer:    writer,
		orders:    orders,
		fills:     fills,
		events:    events,
		clock:     c,
		logger:    logger.With(slog.String("component", "archiver")),
		retention: retention,
		batchSize: 1000,
	}
}

// Run archives one batch and returns the number of orders moved.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	cutoff := a.clock.Now().Add(-a.retention)
	batch := a.orders.TerminalBefore(cutoff, a.batchSize)
	if len(batch) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(batch))
	for _, order := range batch {
		record := map[string]any{"kind": "order", "order": order}
		if a.fills != nil {
			if fills, err := a.fills.ListByOrder(ctx, order.ID); err == nil && len(fills) > 0 {
				record["fills"] = fills
			}
		}
		if a.events != nil {
			if events, err := a.events.ListByOrder(ctx, order.ID); err == nil && len(events) > 0 {
				record["events"] = events
			}
		}
		if err := enc.Encode(record); err != nil {
			return 0, fmt.Errorf("archiver: encode order %s: %w", order.ID, err)
		}
		ids = append(ids, order.ID)
	}

	key := fmt.Sprintf("archive/orders/%s/%d.jsonl",
		a.clock.Now().Format("2006/01/02"), a.clock.Now().UnixNano())
	if err := a.writer.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		// Upload failed; nothing is deleted and the next run retries.
		return 0, fmt.Errorf("archiver: upload batch: %w", err)
	}

	a.orders.Remove(ids)

	a.logger.InfoContext(ctx, "archiver: batch archived",
		slog.Int("orders", len(ids)),
		slog.String("key", key),
	)
	return len(ids), nil
}
