package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/scanner"
	"github.com/rcmckee/tradewire/internal/server/middleware"
	"github.com/rcmckee/tradewire/internal/service"
)

// scanDeadline bounds one synchronous scanner run.
const scanDeadline = 30 * time.Second

// ScannerHandler serves scanner control.
type ScannerHandler struct {
	svc   *service.ScannerService
	clock clock.Clock
}

// NewScannerHandler creates the handler.
func NewScannerHandler(svc *service.ScannerService, c clock.Clock) *ScannerHandler {
	return &ScannerHandler{svc: svc, clock: c}
}

func (h *ScannerHandler) principal(r *http.Request) domain.UserPrincipal {
	if u, ok := middleware.PrincipalFrom(r.Context()); ok {
		return u
	}
	return domain.UserPrincipal{ID: "anonymous"}
}

// runRequest is the POST /scanners/run body.
type runRequest struct {
	Config domain.ScannerConfig `json:"config"`
	Force  bool                 `json:"force,omitempty"`
}

// Run handles POST /scanners/run.
func (h *ScannerHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, domain.WrapBrokerError(domain.KindValidation, "malformed scanner config", err), h.clock.Now())
		return
	}
	if req.Config.Name == "" {
		writeError(w, domain.NewBrokerError(domain.KindValidation, "scanner config requires a name"), h.clock.Now())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), scanDeadline)
	defer cancel()

	resp, err := h.svc.Run(ctx, h.principal(r), req.Config, req.Force)
	if err != nil {
		writeError(w, err, h.clock.Now())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// subscribeRequest is the POST /scanners/{id}/subscribe body.
type subscribeRequest struct {
	Config          domain.ScannerConfig `json:"config"`
	IntervalSeconds int                  `json:"interval_seconds,omitempty"`
}

// Subscribe handles POST /scanners/{id}/subscribe: it starts the interval
// re-run; deltas stream over the websocket scanner plane.
func (h *ScannerHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	scannerID := r.PathValue("id")

	var req subscribeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, domain.WrapBrokerError(domain.KindValidation, "malformed subscribe request", err), h.clock.Now())
		return
	}

	interval := time.Duration(req.IntervalSeconds) * time.Second
	clamped := scanner.ClampInterval(interval)

	// The stream outlives this request; it ends via unsubscribe or shutdown.
	_, err := h.svc.Subscribe(context.WithoutCancel(r.Context()), h.principal(r), scannerID, req.Config, interval)
	if err != nil {
		writeError(w, err, h.clock.Now())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"scanner_id":       scannerID,
		"interval_seconds": int(clamped.Seconds()),
		"timestamp":        h.clock.Now(),
	})
}

// Unsubscribe handles DELETE /scanners/{id}/subscribe.
func (h *ScannerHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.svc.Unsubscribe(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": h.clock.Now(),
	})
}
