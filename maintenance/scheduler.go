package maintenance

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Scheduler runs the maintenance jobs periodically with jitter, so multiple
// engine processes sharing a deployment do not align their runs.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler over runner. interval <= 0 defaults to
// one hour.
func NewScheduler(runner *Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight run, if any, to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.jittered())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
			ticker.Reset(s.jittered())
		}
	}
}

// RunOnce executes one full maintenance pass: orphan cleanup, then retrain.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if _, err := s.runner.CleanupOrphans(ctx); err != nil {
		s.logger.ErrorContext(ctx, "cleanup run aborted", "error", err)
		return
	}
	if _, err := s.runner.RetrainAll(ctx); err != nil {
		s.logger.ErrorContext(ctx, "retrain run aborted", "error", err)
	}
}

// jittered spreads runs across ±10% of the configured interval.
func (s *Scheduler) jittered() time.Duration {
	spread := float64(s.interval) * 0.1
	offset := (rand.Float64()*2 - 1) * spread
	return s.interval + time.Duration(offset)
}
