package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/hub"
)

// busChannel carries cross-process event frames.
const busChannel = "tw:events"

// busFrame is the wire shape on the signal bus. Origin lets a node skip its
// own frames, since local events already reached the local hub directly.
type busFrame struct {
	Origin  string          `json:"origin"`
	Plane   string          `json:"plane"` // "symbol" or "scanner"
	Subject string          `json:"subject"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// BusBridge replicates hub events across processes through the signal bus.
// It doubles as a lifecycle listener so order events reach every node's
// subscribers, not only the node that processed the webhook.
type BusBridge struct {
	bus    domain.SignalBus
	hub    *hub.Hub
	origin string
	logger *slog.Logger
}

// NewBusBridge creates the bridge; origin must be unique per process.
func NewBusBridge(bus domain.SignalBus, h *hub.Hub, origin string, logger *slog.Logger) *BusBridge {
	return &BusBridge{
		bus:    bus,
		hub:    h,
		origin: origin,
		logger: logger.With(slog.String("component", "bus_bridge")),
	}
}

// OnOrderEvent mirrors the transition onto the bus for sibling processes.
func (b *BusBridge) OnOrderEvent(event domain.OrderEvent, order domain.Order) {
	payload := orderEventPayload{
		OrderID:   event.OrderID,
		Symbol:    order.Symbol,
		Label:     event.Label,
		OldStatus: event.OldStatus,
		NewStatus: event.NewStatus,
		FilledQty: order.FilledQty.String(),
	}
	if event.Quantity != nil {
		payload.Quantity = event.Quantity.String()
	}
	if event.Price != nil {
		payload.Price = event.Price.String()
	}
	b.publish("symbol", order.Symbol, hub.TypeOrderEvent.Name(), payload)
}

// PublishScannerDelta mirrors a scanner delta onto the bus.
func (b *BusBridge) PublishScannerDelta(scannerID string, delta any) {
	b.publish("scanner", scannerID, hub.TypeScannerResult.Name(), delta)
}

func (b *BusBridge) publish(plane, subject, msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	frame, err := json.Marshal(busFrame{
		Origin:  b.origin,
		Plane:   plane,
		Subject: subject,
		Type:    msgType,
		Data:    raw,
	})
	if err != nil {
		return
	}
	if err := b.bus.Publish(context.Background(), busChannel, frame); err != nil {
		b.logger.Warn("bus_bridge: publish failed", slog.String("error", err.Error()))
	}
}

// Run forwards frames from sibling processes into the local hub until the
// context ends.
func (b *BusBridge) Run(ctx context.Context) error {
	frames, err := b.bus.Subscribe(ctx, busChannel)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-frames:
			if !ok {
				return nil
			}
			var frame busFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				b.logger.Warn("bus_bridge: malformed frame", slog.String("error", err.Error()))
				continue
			}
			if frame.Origin == b.origin {
				continue
			}
			mt, ok := hub.TypeFromName(frame.Type)
			if !ok {
				continue
			}
			if frame.Plane == "scanner" {
				b.hub.PublishScanner(frame.Subject, mt, frame.Data)
			} else {
				b.hub.Publish(frame.Subject, mt, frame.Data)
			}
		}
	}
}
