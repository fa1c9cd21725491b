package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcmckee/tradewire/internal/aggregate"
	"github.com/rcmckee/tradewire/internal/config"
	"github.com/rcmckee/tradewire/internal/server"
	"github.com/rcmckee/tradewire/internal/server/handler"
	"github.com/rcmckee/tradewire/internal/service"
)

// App is the running application.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	deps    *Dependencies
	cleanup func()
}

// New creates an App; Wire happens in Run so failures map to exit codes.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// ErrUpstreamUnavailable marks wiring failures against external backends.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Run wires dependencies and executes the configured mode until the context
// is canceled.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	a.deps = deps
	a.cleanup = cleanup

	// Services on top of the wired components.
	orderSvc := service.NewOrderService(
		deps.Registry, deps.Lifecycle, deps.IdemStore, deps.Audit, deps.Notifier, deps.Clock, a.logger)
	deps.Lifecycle.AddListener(service.NewHubBridge(deps.Hub))

	agg := aggregate.New(aggregate.DefaultConfig(), deps.Clock, a.logger)
	scanSvc := service.NewScannerService(deps.ScanEngine, deps.ScanStreamer, agg, nil, a.logger)

	// A scanner stream dies with its last subscriber.
	deps.Hub.SetScannerOrphanHook(deps.ScanStreamer.Unsubscribe)

	// Multi-process deployments replicate hub events through the signal bus.
	if deps.Bus != nil {
		bridge := service.NewBusBridge(deps.Bus, deps.Hub, deps.IDs.New("node"), a.logger)
		deps.Lifecycle.AddListener(bridge)
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("app: bus bridge stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// Connect the enabled brokers; a venue that cannot connect is logged
	// and left registered. Nothing retries the connection afterwards.
	for _, kind := range deps.Registry.Kinds() {
		adapter, _ := deps.Registry.Get(kind)
		if err := adapter.Connect(ctx); err != nil {
			a.logger.Warn("app: broker connect failed",
				slog.String("broker", string(kind)),
				slog.String("error", err.Error()),
			)
		}
	}

	deps.Scheduler.Start()
	defer deps.Scheduler.Stop()

	switch a.cfg.Mode {
	case "scan":
		// Scanner-only: no HTTP surface, streams drive the hub.
		<-ctx.Done()
		return ctx.Err()
	default:
		return a.runServer(ctx, orderSvc, scanSvc)
	}
}

func (a *App) runServer(ctx context.Context, orderSvc *service.OrderService, scanSvc *service.ScannerService) error {
	deps := a.deps

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Registry, deps.Lifecycle, deps.Hub, deps.Clock),
		Orders:   handler.NewOrderHandler(orderSvc, deps.DefaultBroker, deps.Clock),
		Scanners: handler.NewScannerHandler(scanSvc, deps.Clock),
		Webhooks: handler.NewWebhookHandler(deps.Intake, deps.Clock),
	}

	var authn staticAuthenticator
	srv := server.New(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, deps.Hub, authn.orNil(a.cfg.Server.APIKey), deps.Limiter, deps.IDs, a.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		deps.Hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close releases wired resources.
func (a *App) Close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}
