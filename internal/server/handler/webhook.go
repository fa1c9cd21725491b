package handler

import (
	"io"
	"net/http"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/webhook"
)

// maxWebhookBody bounds inbound callback bodies.
const maxWebhookBody = 1 << 20

// WebhookHandler receives broker callbacks.
type WebhookHandler struct {
	intake *webhook.Intake
	clock  clock.Clock
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(intake *webhook.Intake, c clock.Clock) *WebhookHandler {
	return &WebhookHandler{intake: intake, clock: c}
}

// Receive handles POST /webhooks/{brokerKind}. The reply acknowledges as
// soon as signature and dedup pass; processing continues asynchronously.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	kind := broker.Kind(r.PathValue("brokerKind"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, domain.WrapBrokerError(domain.KindValidation, "read webhook body", err), h.clock.Now())
		return
	}
	defer r.Body.Close()

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	result, err := h.intake.Process(r.Context(), kind, body, headers)
	if err != nil {
		writeError(w, err, h.clock.Now())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
