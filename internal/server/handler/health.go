package handler

import (
	"net/http"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/hub"
	"github.com/rcmckee/tradewire/internal/lifecycle"
)

// HealthHandler reports process liveness and the order plane's counters.
type HealthHandler struct {
	registry  *broker.Registry
	lifecycle *lifecycle.Manager
	hub       *hub.Hub
	clock     clock.Clock
}

// NewHealthHandler creates the handler.
func NewHealthHandler(registry *broker.Registry, lm *lifecycle.Manager, h *hub.Hub, c clock.Clock) *HealthHandler {
	return &HealthHandler{registry: registry, lifecycle: lm, hub: h, clock: c}
}

// HealthCheck handles GET /api/health.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	brokers := make([]string, 0)
	for _, k := range h.registry.Kinds() {
		brokers = append(brokers, string(k))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"brokers":             brokers,
		"connections":         h.hub.ConnCount(),
		"dropped_messages":    h.hub.DropCount(),
		"invalid_transitions": h.lifecycle.InvalidTransitionCount(),
		"timestamp":           h.clock.Now(),
	})
}
