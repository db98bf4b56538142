package ingest

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultStaleAfter is how long a processing row may go untouched before
	// the sweep treats the attempt as dead.
	DefaultStaleAfter = 30 * time.Minute
	// DefaultSweepInterval is how often the sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

// Sweeper reconciles repositories stuck in processing. A crashed or cancelled
// attempt leaves the row in processing forever; the sweep marks rows untouched
// past the threshold as error so clients stop polling them.
type Sweeper struct {
	machine   *Machine
	staleness time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

func NewSweeper(machine *Machine, staleness, interval time.Duration, logger *slog.Logger) *Sweeper {
	if staleness <= 0 {
		staleness = DefaultStaleAfter
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		machine:   machine,
		staleness: staleness,
		interval:  interval,
		logger:    logger.With("component", "sweeper"),
	}
}

// SweepOnce fails every processing repository last touched before the
// staleness cutoff. Returns how many repositories were transitioned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.staleness)
	ids, err := s.machine.store.ListProcessingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		if err := s.machine.FailProcessing(ctx, id, "processing timed out"); err != nil {
			s.logger.Warn("sweep transition failed", "repository_id", id, "err", err)
			continue
		}
		s.logger.Info("stale processing repository failed", "repository_id", id, "stale_after", s.staleness.String())
		swept++
	}
	return swept, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn("sweep failed", "err", err)
			}
		}
	}
}
