package service

import (
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/hub"
)

// HubBridge forwards lifecycle events onto the hub's symbol plane. It is
// registered as a lifecycle listener at wiring time, so every transition —
// client-driven or webhook-driven — reaches order subscribers.
type HubBridge struct {
	hub *hub.Hub
}

// NewHubBridge creates the bridge.
func NewHubBridge(h *hub.Hub) *HubBridge {
	return &HubBridge{hub: h}
}

// orderEventPayload is the order_event wire shape.
type orderEventPayload struct {
	OrderID   string             `json:"order_id"`
	Symbol    string             `json:"symbol"`
	Label     string             `json:"label"`
	OldStatus domain.OrderStatus `json:"old_status,omitempty"`
	NewStatus domain.OrderStatus `json:"new_status"`
	FilledQty string             `json:"filled_qty"`
	Quantity  string             `json:"quantity,omitempty"`
	Price     string             `json:"price,omitempty"`
}

// OnOrderEvent publishes the transition on the order's symbol subject.
func (b *HubBridge) OnOrderEvent(event domain.OrderEvent, order domain.Order) {
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
	b.hub.Publish(order.Symbol, hub.TypeOrderEvent, payload)
}
