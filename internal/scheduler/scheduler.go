// Package scheduler runs named periodic jobs until the context is cancelled.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/metrics"
)

// Func is one run of a scheduled job.
type Func func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       Func
	// immediate runs the job once at startup before the first interval.
	immediate bool
}

// Scheduler triggers registered jobs on fixed intervals. Runs of the same job
// never overlap: a tick that arrives while the previous run is still going is
// skipped.
type Scheduler struct {
	logger *zap.Logger
	mu     sync.Mutex
	jobs   []job
}

// New constructs an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{logger: logging.OrNop(logger).Named("scheduler")}
}

// Every registers fn to run every interval, starting after the first interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) {
	s.add(job{name: name, interval: interval, fn: fn})
}

// Now registers fn to run once at startup and then every interval.
func (s *Scheduler) Now(name string, interval time.Duration, fn Func) {
	s.add(job{name: name, interval: interval, fn: fn, immediate: true})
}

func (s *Scheduler) add(j job) {
	if j.interval <= 0 || j.fn == nil {
		s.logger.Warn("ignoring job without interval or func", zap.String("job", j.name))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
}

// Run blocks until ctx is cancelled and every job loop has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))
	wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	if j.immediate {
		s.runOnce(ctx, j)
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}
	logger := s.logger.With(zap.String("job", j.name))
	start := time.Now()
	err := safeCall(ctx, j.fn)
	switch {
	case err == nil:
		metrics.ObserveScheduledRun(j.name, "ok")
		logger.Debug("job finished", zap.Duration("elapsed", time.Since(start)))
	case ctx.Err() != nil:
		metrics.ObserveScheduledRun(j.name, "cancelled")
	default:
		metrics.ObserveScheduledRun(j.name, "error")
		logger.Error("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
	}
}

func safeCall(ctx context.Context, fn Func) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}
