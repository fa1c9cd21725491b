// Package sched runs the background maintenance jobs on cron schedules: the
// idempotency/dedup sweeper and the terminal-order archiver.
package sched

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/rcmckee/tradewire/internal/domain"
)

// ArchiveRunner is the archiver surface the scheduler drives.
type ArchiveRunner interface {
	Run(ctx context.Context) (int, error)
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With(slog.String("component", "sched")),
	}
}

// AddSweeper schedules idempotency and dedup garbage collection. A typical
// spec is "@every 1m".
func (s *Scheduler) AddSweeper(spec string, idem domain.IdempotencyStore, dedup domain.DedupSet) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		removedIdem, err := idem.Sweep(ctx)
		if err != nil {
			s.logger.Warn("sched: idempotency sweep failed", slog.String("error", err.Error()))
		}
		removedDedup, err := dedup.Sweep(ctx)
		if err != nil {
			s.logger.Warn("sched: dedup sweep failed", slog.String("error", err.Error()))
		}
		if removedIdem+removedDedup > 0 {
			s.logger.Debug("sched: sweep completed",
				slog.Int("idempotency_removed", removedIdem),
				slog.Int("dedup_removed", removedDedup),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("sched: add sweeper %q: %w", spec, err)
	}
	return nil
}

// AddArchiver schedules the retention archiver, e.g. "0 3 * * *".
func (s *Scheduler) AddArchiver(spec string, arch ArchiveRunner) error {
	_, err := s.cron.AddFunc(spec, func() {
		n, err := arch.Run(context.Background())
		if err != nil {
			s.logger.Warn("sched: archive run failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			s.logger.Info("sched: archive run completed", slog.Int("orders", n))
		}
	})
	if err != nil {
		return fmt.Errorf("sched: add archiver %q: %w", spec, err)
	}
	return nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
