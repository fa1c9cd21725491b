package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcmckee/tradewire/internal/aggregate"
	"github.com/rcmckee/tradewire/internal/domain"
	"github.com/rcmckee/tradewire/internal/scanner"
)

// Capabilities checked against the feature gate.
const (
	CapabilityScannerRun    = "scanner.run"
	CapabilityScannerStream = "scanner.stream"
)

// ScannerService fronts the scanner engine and aggregation behind the public
// surface, with feature gating and stream control.
type ScannerService struct {
	engine   *scanner.Engine
	streamer *scanner.Streamer
	agg      *aggregate.Service
	gate     domain.FeatureGate
	logger   *slog.Logger
}

// NewScannerService creates the service. gate may be nil, which allows
// everything.
func NewScannerService(engine *scanner.Engine, streamer *scanner.Streamer, agg *aggregate.Service, gate domain.FeatureGate, logger *slog.Logger) *ScannerService {
	return &ScannerService{
		engine:   engine,
		streamer: streamer,
		agg:      agg,
		gate:     gate,
		logger:   logger.With(slog.String("component", "scanner_service")),
	}
}

func (s *ScannerService) allow(ctx context.Context, user domain.UserPrincipal, capability string) error {
	if s.gate == nil {
		return nil
	}
	decision, err := s.gate.Allow(ctx, user, capability, 1)
	if err != nil {
		// The gate is advisory infrastructure; its outage never blocks scans.
		s.logger.WarnContext(ctx, "scanner_service: feature gate unavailable",
			slog.String("capability", capability),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !decision.Allowed {
		return domain.NewBrokerError(domain.KindValidation,
			fmt.Sprintf("capability %s denied: %s", capability, decision.Reason))
	}
	return nil
}

// Run executes a scan for the user.
func (s *ScannerService) Run(ctx context.Context, user domain.UserPrincipal, cfg domain.ScannerConfig, force bool) (domain.ScanResponse, error) {
	if err := s.allow(ctx, user, CapabilityScannerRun); err != nil {
		return domain.ScanResponse{}, err
	}
	return s.engine.Run(ctx, cfg, force)
}

// Aggregate combines multiple scanner responses.
func (s *ScannerService) Aggregate(inputs []aggregate.Input) []domain.AggregatedResult {
	return s.agg.Aggregate(inputs)
}

// RecordFeedback forwards reliability feedback.
func (s *ScannerService) RecordFeedback(scannerID string, success bool, score float64) {
	s.agg.RecordFeedback(scannerID, success, score)
}

// Subscribe starts interval streaming for a scanner config. The returned
// cancel stops it; callers tie it to the subscriber's connection lifetime.
func (s *ScannerService) Subscribe(ctx context.Context, user domain.UserPrincipal, scannerID string, cfg domain.ScannerConfig, interval time.Duration) (func(), error) {
	if err := s.allow(ctx, user, CapabilityScannerStream); err != nil {
		return nil, err
	}
	cancel := s.streamer.Subscribe(ctx, scannerID, cfg, interval)
	s.logger.InfoContext(ctx, "scanner_service: stream subscribed",
		slog.String("scanner_id", scannerID),
		slog.Duration("interval", scanner.ClampInterval(interval)),
	)
	return cancel, nil
}

// Unsubscribe stops a scanner stream.
func (s *ScannerService) Unsubscribe(scannerID string) {
	s.streamer.Unsubscribe(scannerID)
}
