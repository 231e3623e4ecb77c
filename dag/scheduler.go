package dag

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers a Runner at a fixed interval. Missed ticks are not
// caught up, and a tick that arrives while a run is active is skipped.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	active atomic.Bool
	wg     sync.WaitGroup

	// OnResult, when set, receives every finished run.
	OnResult func(RunResult)
}

func NewScheduler(r *Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{runner: r, interval: interval, logger: logger, now: time.Now}
}

// Trigger starts a run for logicalTime in the background unless one is
// already active. It reports whether a run was started.
func (s *Scheduler) Trigger(ctx context.Context, logicalTime time.Time) bool {
	if !s.active.CompareAndSwap(false, true) {
		s.logger.Warn("run still active, skipping tick",
			zap.String("dag", s.runner.dag.ID),
			zap.Time("logical_time", logicalTime))
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Store(false)
		res := s.runner.Run(ctx, logicalTime)
		if s.OnResult != nil {
			s.OnResult(res)
		}
	}()
	return true
}

// Active reports whether a run is in progress.
func (s *Scheduler) Active() bool { return s.active.Load() }

// Wait blocks until the active run, if any, has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Start runs immediately and then once per interval until ctx is done. It
// waits for an in-flight run before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		zap.String("dag", s.runner.dag.ID),
		zap.Duration("interval", s.interval))
	s.Trigger(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("scheduler stopped", zap.String("dag", s.runner.dag.ID))
			return ctx.Err()
		case <-ticker.C:
			s.Trigger(ctx, s.now())
		}
	}
}
