// Package notify delivers operator alerts for the order plane: broker
// authentication failures, webhook signature rejections, and scanner alert
// escalations. Alerts fan out to every configured channel and are throttled
// per event so a flapping broker does not flood the operator.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rcmckee/tradewire/internal/clock"
)

// Well-known alert events.
const (
	EventAuthFailure     = "auth_failure"
	EventWebhookRejected = "webhook_rejected"
	EventOrderFilled     = "order_filled"
	EventScannerAlert    = "scanner_alert"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender.
	Name() string
}

// Notifier dispatches alerts to the configured senders. Only events in the
// allowed set are forwarded; an empty set allows everything. Repeats of the
// same event inside the throttle window are suppressed.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	throttle time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewNotifier creates a Notifier. events lists the allowed event types;
// empty allows all.
func NewNotifier(senders []Sender, events []string, c clock.Clock, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		throttle: time.Minute,
		clock:    c,
		logger:   logger.With(slog.String("component", "notifier")),
		lastSent: make(map[string]time.Time),
	}
}

// SetThrottle overrides the per-event suppression window. Zero disables
// throttling.
func (n *Notifier) SetThrottle(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.throttle = d
}

// Send forwards one alert if the event is allowed and not throttled. Sink
// failures never propagate to request processing; they are logged and
// swallowed.
func (n *Notifier) Send(ctx context.Context, event, message string) {
	if len(n.events) > 0 && !n.events[event] {
		return
	}

	n.mu.Lock()
	if n.throttle > 0 {
		if last, ok := n.lastSent[event]; ok && n.clock.Since(last) < n.throttle {
			n.mu.Unlock()
			return
		}
	}
	n.lastSent[event] = n.clock.Now()
	n.mu.Unlock()

	n.dispatch(ctx, titleFor(event), message)
}

func titleFor(event string) string {
	switch event {
	case EventAuthFailure:
		return "Broker authentication failure"
	case EventWebhookRejected:
		return "Webhook signature rejected"
	case EventOrderFilled:
		return "Order filled"
	case EventScannerAlert:
		return "Scanner alert"
	default:
		return event
	}
}

// dispatch delivers to every sender; one channel failing does not stop the
// rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		n.logger.WarnContext(ctx, "notify: partial delivery",
			slog.Int("failed", len(errs)),
		)
	}
}
