// Package service wires the order and scanner planes together behind the
// public request surface: idempotency, broker routing, lifecycle tracking,
// and event fan-out.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcmckee/tradewire/internal/broker"
	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/idempotency"
	"github.com/rcmckee/tradewire/internal/lifecycle"
	"github.com/rcmckee/tradewire/internal/notify"
)

// PlaceOrderRequest is the public order placement shape.
type PlaceOrderRequest struct {
	Order     domain.OrderRequest `json:"order"`
	AccountID string              `json:"account_id"`
	DryRun    bool                `json:"dry_run,omitempty"`
}

// OrderResponse is the public response envelope every order operation
// returns.
type OrderResponse struct {
	Success         bool             `json:"success"`
	Order           *domain.Order    `json:"order,omitempty"`
	Error           string           `json:"error,omitempty"`
	ErrorCode       domain.ErrorKind `json:"error_code,omitempty"`
	BrokerRequestID string           `json:"broker_request_id,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// orderValidator is satisfied by adapters embedding the shared base; dry
// runs validate without touching the venue.
type orderValidator interface {
	ValidateOrder(req domain.OrderRequest) error
}

// OrderService drives the order plane.
type OrderService struct {
	registry  *broker.Registry
	lifecycle *lifecycle.Manager
	idem      domain.IdempotencyStore
	audit     domain.AuditStore
	notifier  *notify.Notifier
	clock     clock.Clock
	logger    *slog.Logger
	idemTTL   time.Duration
}

// NewOrderService creates an order service. audit and notifier may be nil.
func NewOrderService(
	registry *broker.Registry,
	lm *lifecycle.Manager,
	idem domain.IdempotencyStore,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	c clock.Clock,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		registry:  registry,
		lifecycle: lm,
		idem:      idem,
		audit:     audit,
		notifier:  notifier,
		clock:     c,
		logger:    logger.With(slog.String("component", "order_service")),
		idemTTL:   idempotency.DefaultTTL,
	}
}

func (s *OrderService) respond(success bool, order *domain.Order, err error) OrderResponse {
	resp := OrderResponse{
		Success:   success,
		Order:     order,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorCode = domain.KindOf(err)
	}
	if order != nil && order.BrokerMeta != nil {
		resp.BrokerRequestID = order.BrokerMeta["venue_id"]
	}
	return resp
}

// Place routes an order intent to the broker with at-most-once semantics.
// The idempotency key is bound to the user and account scope; a reused key
// with a different request body fails closed as Validation.
func (s *OrderService) Place(ctx context.Context, user domain.UserPrincipal, kind broker.Kind, req PlaceOrderRequest, idemKey string) OrderResponse {
	adapter, ok := s.registry.Get(kind)
	if !ok {
		return s.respond(false, nil, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("unknown broker kind %q", kind)))
	}

	scope := domain.IdempotencyScope{UserID: user.ID, AccountID: req.AccountID}
	requestHash := ""

	if idemKey != "" {
		var err error
		requestHash, err = idempotency.HashRequest(req)
		if err != nil {
			return s.respond(false, nil, domain.WrapBrokerError(domain.KindInternal, "hash request", err))
		}

		probe, err := s.idem.Check(ctx, idemKey, requestHash, scope)
		switch {
		case errors.Is(err, domain.ErrStoreUnavailable):
			// The store said so explicitly; treat as a miss and proceed.
			s.logger.WarnContext(ctx, "order_service: idempotency store unavailable, treating as miss",
				slog.String("key", idemKey),
			)
		case err != nil:
			return s.respond(false, nil, domain.WrapBrokerError(domain.KindInternal, "idempotency probe", err))
		case probe.Status == domain.IdempotencyConflict:
			return s.respond(false, nil, domain.NewBrokerError(domain.KindValidation,
				"idempotency key reused with a different request body"))
		case probe.Status == domain.IdempotencyHit:
			var cached OrderResponse
			if jsonErr := json.Unmarshal(probe.Response, &cached); jsonErr == nil {
				s.logger.InfoContext(ctx, "order_service: idempotent replay",
					slog.String("key", idemKey),
				)
				return cached
			}
		}
	}

	if req.DryRun {
		if v, ok := adapter.(orderValidator); ok {
			if err := v.ValidateOrder(req.Order); err != nil {
				return s.respond(false, nil, err)
			}
		}
		return s.respond(true, nil, nil)
	}

	order, err := adapter.Place(ctx, req.Order, req.AccountID)
	if err != nil {
		s.alertOnAuthFailure(ctx, kind, err)
		s.logger.WarnContext(ctx, "order_service: place failed",
			slog.String("broker", string(kind)),
			slog.String("symbol", req.Order.Symbol),
			slog.String("error", err.Error()),
		)
		return s.respond(false, nil, err)
	}

	order = s.lifecycle.Track(ctx, order)
	s.auditLog(ctx, "order_placed", map[string]any{
		"order_id": order.ID,
		"broker":   string(kind),
		"symbol":   order.Symbol,
		"side":     string(order.Side),
		"quantity": order.Quantity.String(),
		"account":  req.AccountID,
	})

	resp := s.respond(true, &order, nil)

	if idemKey != "" {
		raw, marshalErr := json.Marshal(resp)
		if marshalErr == nil {
			if putErr := s.idem.Put(ctx, idemKey, requestHash, raw, scope, s.idemTTL); putErr != nil {
				s.logger.WarnContext(ctx, "order_service: idempotency store failed",
					slog.String("key", idemKey),
					slog.String("error", putErr.Error()),
				)
			}
		}
	}

	s.logger.InfoContext(ctx, "order_service: order placed",
		slog.String("order_id", order.ID),
		slog.String("broker", string(kind)),
		slog.String("symbol", order.Symbol),
	)
	return resp
}

// Cancel cancels an order at the venue and reconciles the local lifecycle.
func (s *OrderService) Cancel(ctx context.Context, kind broker.Kind, orderID string) OrderResponse {
	adapter, ok := s.registry.Get(kind)
	if !ok {
		return s.respond(false, nil, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("unknown broker kind %q", kind)))
	}

	order, err := adapter.Cancel(ctx, orderID)
	if err != nil {
		s.alertOnAuthFailure(ctx, kind, err)
		return s.respond(false, nil, err)
	}

	// The venue confirmed; bring the local lifecycle along. A failure here
	// means a webhook already did it.
	if _, terr := s.lifecycle.Transition(ctx, lifecycle.Attempt{
		OrderID: orderID,
		Target:  domain.OrderStatusCanceled,
		Reason:  "client cancel",
	}); terr != nil && domain.KindOf(terr) != domain.KindInvalidTransition && domain.KindOf(terr) != domain.KindOrderNotFound {
		s.logger.WarnContext(ctx, "order_service: cancel reconcile failed",
			slog.String("order_id", orderID),
			slog.String("error", terr.Error()),
		)
	}

	s.auditLog(ctx, "order_canceled", map[string]any{"order_id": orderID, "broker": string(kind)})
	return s.respond(true, &order, nil)
}

// Modify patches a resting order at the venue.
func (s *OrderService) Modify(ctx context.Context, kind broker.Kind, upd domain.OrderUpdate) OrderResponse {
	adapter, ok := s.registry.Get(kind)
	if !ok {
		return s.respond(false, nil, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("unknown broker kind %q", kind)))
	}

	order, err := adapter.Modify(ctx, upd)
	if err != nil {
		s.alertOnAuthFailure(ctx, kind, err)
		return s.respond(false, nil, err)
	}

	s.auditLog(ctx, "order_modified", map[string]any{"order_id": upd.OrderID, "broker": string(kind)})
	return s.respond(true, &order, nil)
}

// Get returns one order, preferring the tracked lifecycle state.
func (s *OrderService) Get(ctx context.Context, kind broker.Kind, orderID string) OrderResponse {
	if order, err := s.lifecycle.Get(orderID); err == nil {
		return s.respond(true, &order, nil)
	}

	adapter, ok := s.registry.Get(kind)
	if !ok {
		return s.respond(false, nil, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("unknown broker kind %q", kind)))
	}
	order, err := adapter.Get(ctx, orderID)
	if err != nil {
		return s.respond(false, nil, err)
	}
	return s.respond(true, &order, nil)
}

// List returns orders matching the filter from the venue.
func (s *OrderService) List(ctx context.Context, kind broker.Kind, f domain.OrderFilter) ([]domain.Order, error) {
	adapter, ok := s.registry.Get(kind)
	if !ok {
		return nil, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("unknown broker kind %q", kind))
	}
	return adapter.List(ctx, f)
}

// Positions returns positions for an account.
func (s *OrderService) Positions(ctx context.Context, kind broker.Kind, accountID, symbol string) ([]domain.Position, error) {
	adapter, ok := s.registry.Get(kind)
	if !ok {
		return nil, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("unknown broker kind %q", kind))
	}
	return adapter.Positions(ctx, accountID, symbol)
}

// Account returns the account snapshot.
func (s *OrderService) Account(ctx context.Context, kind broker.Kind, accountID string) (domain.Account, error) {
	adapter, ok := s.registry.Get(kind)
	if !ok {
		return domain.Account{}, domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("unknown broker kind %q", kind))
	}
	return adapter.Account(ctx, accountID)
}

func (s *OrderService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		// Observability failures never block request processing.
		s.logger.WarnContext(ctx, "order_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) alertOnAuthFailure(ctx context.Context, kind broker.Kind, err error) {
	if domain.KindOf(err) != domain.KindAuthentication || s.notifier == nil {
		return
	}
	s.notifier.Send(ctx, "auth_failure",
		fmt.Sprintf("broker %s rejected credentials: %v", kind, err))
}
