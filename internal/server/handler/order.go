package handler

import (
	"net/http"
	"strconv"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/server/middleware"
	"github.com/rcmckee/tradewire/internal/service"
)

// OrderHandler serves the order operations.
type OrderHandler struct {
	svc         *service.OrderService
	defaultKind broker.Kind
	clock       clock.Clock
}

// NewOrderHandler creates the handler; defaultKind applies when the request
// names no broker.
func NewOrderHandler(svc *service.OrderService, defaultKind broker.Kind, c clock.Clock) *OrderHandler {
	return &OrderHandler{svc: svc, defaultKind: defaultKind, clock: c}
}

func (h *OrderHandler) kindFrom(r *http.Request) broker.Kind {
	if k := r.URL.Query().Get("broker"); k != "" {
		return broker.Kind(k)
	}
	return h.defaultKind
}

func (h *OrderHandler) principal(r *http.Request) domain.UserPrincipal {
	if u, ok := middleware.PrincipalFrom(r.Context()); ok {
		return u
	}
	return domain.UserPrincipal{ID: "anonymous"}
}

// PlaceOrder handles POST /orders. The Idempotency-Key header binds the
// request to the user and account scope.
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req service.PlaceOrderRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, domain.WrapBrokerError(domain.KindValidation, "malformed order request", err), h.clock.Now())
		return
	}

	user := h.principal(r)
	if req.AccountID != "" && len(user.AccountIDs) > 0 && !user.OwnsAccount(req.AccountID) {
		writeError(w, domain.NewBrokerError(domain.KindAuthentication, "account not owned by caller"), h.clock.Now())
		return
	}

	resp := h.svc.Place(r.Context(), user, h.kindFrom(r), req, r.Header.Get("Idempotency-Key"))
	status := http.StatusOK
	if !resp.Success {
		status = statusFor(resp.ErrorCode)
	}
	writeJSON(w, status, resp)
}

// CancelOrder handles DELETE /orders/{id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	resp := h.svc.Cancel(r.Context(), h.kindFrom(r), r.PathValue("id"))
	status := http.StatusOK
	if !resp.Success {
		status = statusFor(resp.ErrorCode)
	}
	writeJSON(w, status, resp)
}

// ModifyOrder handles PATCH /orders/{id}.
func (h *OrderHandler) ModifyOrder(w http.ResponseWriter, r *http.Request) {
	var upd domain.OrderUpdate
	if err := readJSON(r, &upd); err != nil {
		writeError(w, domain.WrapBrokerError(domain.KindValidation, "malformed order update", err), h.clock.Now())
		return
	}
	upd.OrderID = r.PathValue("id")

	resp := h.svc.Modify(r.Context(), h.kindFrom(r), upd)
	status := http.StatusOK
	if !resp.Success {
		status = statusFor(resp.ErrorCode)
	}
	writeJSON(w, status, resp)
}

// GetOrder handles GET /orders/{id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	resp := h.svc.Get(r.Context(), h.kindFrom(r), r.PathValue("id"))
	status := http.StatusOK
	if !resp.Success {
		status = statusFor(resp.ErrorCode)
	}
	writeJSON(w, status, resp)
}

// ListOrders handles GET /orders with status, symbol, and limit filters.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var f domain.OrderFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		status := domain.OrderStatus(s)
		switch status {
		case domain.OrderStatusPending, domain.OrderStatusSubmitted, domain.OrderStatusAccepted,
			domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled, domain.OrderStatusCanceled,
			domain.OrderStatusRejected, domain.OrderStatusExpired:
			f.Status = &status
		default:
			writeError(w, domain.NewBrokerError(domain.KindValidation, "invalid status "+s), h.clock.Now())
			return
		}
	}
	f.Symbol = q.Get("symbol")
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, domain.NewBrokerError(domain.KindValidation, "invalid limit "+l), h.clock.Now())
			return
		}
		f.Limit = n
	}

	orders, err := h.svc.List(r.Context(), h.kindFrom(r), f)
	if err != nil {
		writeError(w, err, h.clock.Now())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"orders":    orders,
		"timestamp": h.clock.Now(),
	})
}

// GetPositions handles GET /positions and GET /positions/{symbol}.
func (h *OrderHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	symbol := r.PathValue("symbol")

	positions, err := h.svc.Positions(r.Context(), h.kindFrom(r), accountID, symbol)
	if err != nil {
		writeError(w, err, h.clock.Now())
		return
	}
	if symbol != "" && len(positions) == 0 {
		writeError(w, domain.WrapBrokerError(domain.KindOrderNotFound,
			"no position for "+symbol, domain.ErrNotFound), h.clock.Now())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"positions": positions,
		"timestamp": h.clock.Now(),
	})
}

// GetAccount handles GET /account.
func (h *OrderHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.svc.Account(r.Context(), h.kindFrom(r), r.URL.Query().Get("accountId"))
	if err != nil {
		writeError(w, err, h.clock.Now())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"account":   account,
		"timestamp": h.clock.Now(),
	})
}
