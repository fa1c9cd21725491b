// Package webhook implements broker callback intake: signature verification,
// TTL deduplication, payload translation, and ordered replay into the order
// lifecycle. Delivery is at-least-once; application is at-most-once.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/lifecycle"
)

// DefaultDedupTTL bounds how long processed webhook ids are remembered.
const DefaultDedupTTL = 24 * time.Hour

// Result is the intake's acknowledgement.
type Result struct {
	Status    string `json:"status"` // "accepted" or "duplicate"
	WebhookID string `json:"webhook_id"`
}

// Intake verifies, deduplicates, and applies broker callbacks.
type Intake struct {
	registry  *broker.Registry
	lifecycle *lifecycle.Manager
	dedup     domain.DedupSet
	logger    *slog.Logger
	dedupTTL  time.Duration

	// async controls whether event application happens on a background
	// goroutine after the acknowledgement (production) or inline (tests).
	async bool
	wg    sync.WaitGroup

	translationFailures atomic.Int64
}

// NewIntake creates the intake. Events reach the hub through the lifecycle's
// listeners, so the intake needs no publisher of its own.
func NewIntake(registry *broker.Registry, lm *lifecycle.Manager, dedup domain.DedupSet, logger *slog.Logger) *Intake {
	return &Intake{
		registry:  registry,
		lifecycle: lm,
		dedup:     dedup,
		logger:    logger.With(slog.String("component", "webhook")),
		dedupTTL:  DefaultDedupTTL,
		async:     true,
	}
}

// SetSynchronous makes Process apply events before returning. Tests use it.
func (i *Intake) SetSynchronous() { i.async = false }

// TranslationFailures reports how many events could not be applied.
func (i *Intake) TranslationFailures() int64 { return i.translationFailures.Load() }

// Wait blocks until all in-flight async applications finish.
func (i *Intake) Wait() { i.wg.Wait() }

// Process handles one inbound webhook. It acknowledges as soon as signature
// and dedup pass; transition application is asynchronous. Duplicate delivery
// is success.
func (i *Intake) Process(ctx context.Context, kind broker.Kind, rawBody []byte, headers map[string]string) (Result, error) {
	adapter, ok := i.registry.Get(kind)
	if !ok {
		return Result{}, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("unknown broker kind %q", kind))
	}

	if err := adapter.VerifyWebhook(rawBody, headers); err != nil {
		i.logger.WarnContext(ctx, "webhook: signature rejected",
			slog.String("broker", string(kind)),
			slog.String("error", err.Error()),
		)
		return Result{}, err
	}

	events, err := adapter.ParseWebhook(rawBody)
	if err != nil {
		return Result{}, err
	}

	webhookID := ""
	for _, e := range events {
		if e.WebhookID != "" {
			webhookID = e.WebhookID
			break
		}
	}
	if webhookID == "" {
		sum := sha256.Sum256(rawBody)
		webhookID = hex.EncodeToString(sum[:])
	}

	seen, err := i.dedup.Seen(ctx, string(kind)+":"+webhookID, i.dedupTTL)
	if err != nil {
		return Result{}, fmt.Errorf("webhook: dedup probe: %w", err)
	}
	if seen {
		i.logger.InfoContext(ctx, "webhook: duplicate delivery",
			slog.String("broker", string(kind)),
			slog.String("webhook_id", webhookID),
		)
		return Result{Status: "duplicate", WebhookID: webhookID}, nil
	}

	if i.async {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.Apply(context.WithoutCancel(ctx), kind, events)
		}()
	} else {
		i.Apply(ctx, kind, events)
	}

	return Result{Status: "accepted", WebhookID: webhookID}, nil
}

// Apply feeds normalized events into the lifecycle in payload order.
// Transition failures are logged and counted, never surfaced: broker replays
// and reordering make them routine.
func (i *Intake) Apply(ctx context.Context, kind broker.Kind, events []broker.WebhookEvent) {
	for _, evt := range events {
		if evt.OrderID == "" || evt.Status == "" {
			i.translationFailures.Add(1)
			i.logger.WarnContext(ctx, "webhook: event missing order or status",
				slog.String("broker", string(kind)),
				slog.String("event_type", evt.EventType),
			)
			continue
		}

		att := i.attemptFor(evt)
		if _, err := i.lifecycle.Transition(ctx, att); err != nil {
			i.translationFailures.Add(1)
			kindOf := domain.KindOf(err)
			level := slog.LevelWarn
			if kindOf == domain.KindInvalidTransition {
				// Replays and stale orderings land here; consumed silently.
				level = slog.LevelInfo
			}
			i.logger.Log(ctx, level, "webhook: transition not applied",
				slog.String("broker", string(kind)),
				slog.String("order_id", evt.OrderID),
				slog.String("target", string(evt.Status)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// attemptFor translates one normalized broker event into a lifecycle attempt.
func (i *Intake) attemptFor(evt broker.WebhookEvent) lifecycle.Attempt {
	target := evt.Status

	// A fill event whose cumulative quantity reaches the total is terminal
	// regardless of the venue's status string.
	if evt.FillQty != nil && evt.CumulativeQty != nil && evt.TotalQty != nil {
		if evt.CumulativeQty.GreaterThanOrEqual(*evt.TotalQty) {
			target = domain.OrderStatusFilled
		} else {
			target = domain.OrderStatusPartiallyFilled
		}
	}

	return lifecycle.Attempt{
		OrderID:   evt.OrderID,
		Target:    target,
		FillQty:   evt.FillQty,
		FillPrice: evt.FillPrice,
		Reason:    evt.Reason,
		Meta:      map[string]string{"source": "webhook", "event_type": evt.EventType},
	}
}
