// Package server assembles the HTTP + WebSocket API: routing, middleware
// chain, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rcmckee/tradewire/internal/clock"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/hub"
	"github.com/rcmckee/tradewire/internal/server/handler"
	"github.com/rcmckee/tradewire/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// RateLimitPerMinute caps requests per caller (principal id, or client IP
	// for anonymous traffic); zero disables.
	RateLimitPerMinute int
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Orders   *handler.OrderHandler
	Scanners *handler.ScannerHandler
	Webhooks *handler.WebhookHandler
}

// Server is the public API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered, wiring the middleware
// chain (rate limit, auth, logging, CORS) and attaching the streaming hub.
func New(cfg Config, handlers Handlers, streamHub *hub.Hub, authn domain.Authenticator, limiter domain.RateLimiter, ids *clock.IDMinter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Order operations.
	mux.HandleFunc("POST /orders", handlers.Orders.PlaceOrder)
	mux.HandleFunc("GET /orders", handlers.Orders.ListOrders)
	mux.HandleFunc("GET /orders/{id}", handlers.Orders.GetOrder)
	mux.HandleFunc("DELETE /orders/{id}", handlers.Orders.CancelOrder)
	mux.HandleFunc("PATCH /orders/{id}", handlers.Orders.ModifyOrder)

	// Positions and account.
	mux.HandleFunc("GET /positions", handlers.Orders.GetPositions)
	mux.HandleFunc("GET /positions/{symbol}", handlers.Orders.GetPositions)
	mux.HandleFunc("GET /account", handlers.Orders.GetAccount)

	// Broker callbacks.
	mux.HandleFunc("POST /webhooks/{brokerKind}", handlers.Webhooks.Receive)

	// Scanner control.
	mux.HandleFunc("POST /scanners/run", handlers.Scanners.Run)
	mux.HandleFunc("POST /scanners/{id}/subscribe", handlers.Scanners.Subscribe)
	mux.HandleFunc("DELETE /scanners/{id}/subscribe", handlers.Scanners.Unsubscribe)

	// Streaming endpoint.
	if streamHub != nil {
		mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			user, _ := middleware.PrincipalFrom(r.Context())
			streamHub.HandleWS(w, r, ids.New("conn"), user)
		})
	}

	// Build the middleware chain, innermost first. Auth wraps the limiter so
	// rate-limit keys can use the resolved principal.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimitPerMinute > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute)(h)
	}
	h = middleware.Auth(authn)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
