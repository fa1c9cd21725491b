package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rcmckee/tradewire/internal/domain"
)

const (
	// MinStreamInterval and MaxStreamInterval clamp subscription intervals.
	MinStreamInterval = 30 * time.Second
	MaxStreamInterval = 3600 * time.Second
)

// Delta describes how a scanner's result set changed between two runs.
type Delta struct {
	ScannerID string              `json:"scanner_id"`
	Added     []domain.ScanResult `json:"added,omitempty"`
	Removed   []string            `json:"removed,omitempty"`
	Changed   []domain.ScanResult `json:"changed,omitempty"`
	Total     int                 `json:"total"`
	At        time.Time           `json:"at"`
}

// DeltaSink receives published deltas; the app wires it to the hub's scanner
// plane.
type DeltaSink func(scannerID string, delta Delta)

// Streamer re-runs scanner configs on an interval and publishes deltas.
type Streamer struct {
	engine *Engine
	sink   DeltaSink
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewStreamer creates a streamer publishing into sink.
func NewStreamer(engine *Engine, sink DeltaSink, logger *slog.Logger) *Streamer {
	return &Streamer{
		engine:  engine,
		sink:    sink,
		logger:  logger.With(slog.String("component", "scanner_stream")),
		cancels: make(map[string]context.CancelFunc),
	}
}

// ClampInterval bounds an interval to [30s, 3600s].
func ClampInterval(interval time.Duration) time.Duration {
	if interval < MinStreamInterval {
		return MinStreamInterval
	}
	if interval > MaxStreamInterval {
		return MaxStreamInterval
	}
	return interval
}

// Subscribe starts an interval re-run for the scanner. The returned cancel
// stops it; Subscribe again with the same id replaces the previous stream.
func (s *Streamer) Subscribe(ctx context.Context, scannerID string, cfg domain.ScannerConfig, interval time.Duration) (cancel func()) {
	interval = ClampInterval(interval)

	streamCtx, cancelCtx := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.cancels[scannerID]; ok {
		prev()
	}
	s.cancels[scannerID] = cancelCtx
	s.mu.Unlock()

	go s.run(streamCtx, scannerID, cfg, interval)

	return func() {
		s.mu.Lock()
		if s.cancels[scannerID] != nil {
			s.cancels[scannerID]()
			delete(s.cancels, scannerID)
		}
		s.mu.Unlock()
	}
}

// Unsubscribe stops the stream for a scanner id.
func (s *Streamer) Unsubscribe(scannerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[scannerID]; ok {
		cancel()
		delete(s.cancels, scannerID)
	}
}

// ActiveStreams reports the number of live subscriptions.
func (s *Streamer) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

func (s *Streamer) run(ctx context.Context, scannerID string, cfg domain.ScannerConfig, interval time.Duration) {
	var previous map[string]domain.ScanResult

	// First run fires immediately so subscribers see a baseline.
	previous = s.tick(ctx, scannerID, cfg, previous)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			previous = s.tick(ctx, scannerID, cfg, previous)
		}
	}
}

func (s *Streamer) tick(ctx context.Context, scannerID string, cfg domain.ScannerConfig, previous map[string]domain.ScanResult) map[string]domain.ScanResult {
	resp, err := s.engine.Run(ctx, cfg, true)
	if err != nil {
		s.logger.WarnContext(ctx, "scanner stream: run failed",
			slog.String("scanner_id", scannerID),
			slog.String("error", err.Error()),
		)
		return previous
	}

	current := make(map[string]domain.ScanResult, len(resp.Results))
	for _, r := range resp.Results {
		current[r.Symbol] = r
	}

	delta := Delta{ScannerID: scannerID, Total: len(resp.Results), At: resp.At}
	for sym, r := range current {
		prev, ok := previous[sym]
		switch {
		case !ok:
			delta.Added = append(delta.Added, r)
		case prev.MatchScore != r.MatchScore || prev.Rank != r.Rank:
			delta.Changed = append(delta.Changed, r)
		}
	}
	for sym := range previous {
		if _, ok := current[sym]; !ok {
			delta.Removed = append(delta.Removed, sym)
		}
	}

	// Baseline runs and real changes publish; steady state stays quiet.
	if previous == nil || len(delta.Added)+len(delta.Removed)+len(delta.Changed) > 0 {
		if s.sink != nil {
			s.sink(scannerID, delta)
		}
	}
	return current
}
