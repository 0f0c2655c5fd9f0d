// Package worker runs the download resolution workers. Each worker claims
// Pending tasks from the store, drives an automation session, and records
// the outcome through the store's task transitions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
	"github.com/JakeFAU/release-pipeline/internal/telemetry"
)

// Config controls Pool behavior.
type Config struct {
	Workers        int
	TickInterval   time.Duration
	SessionTimeout time.Duration
}

const (
	defaultWorkers        = 2
	defaultTickInterval   = 5 * time.Second
	defaultSessionTimeout = 2 * time.Minute
	releaseTimeout        = 5 * time.Second
)

// Pool is a fixed set of resolution workers.
type Pool struct {
	store    pipeline.TaskStore
	resolver pipeline.Resolver
	notifier pipeline.Notifier
	policy   *pipeline.BackoffPolicy
	clock    pipeline.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Pool.
func New(
	store pipeline.TaskStore,
	resolver pipeline.Resolver,
	notifier pipeline.Notifier,
	policy *pipeline.BackoffPolicy,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if policy == nil {
		policy = pipeline.NewBackoffPolicy(0, 0, 0)
	}
	return &Pool{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		policy:   policy,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("worker"),
	}
}

// Recover returns tasks orphaned InProgress by an unclean shutdown to
// Pending. Call it once before Run.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	n, err := p.store.ResetInProgress(ctx, p.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		p.logger.Warn("reset orphaned in-progress tasks", zap.Int("count", n))
	}
	return n, nil
}

// Run starts the workers and blocks until ctx is done. Every worker drains
// the queue on each tick of the fixed cadence and whenever wake fires.
func (p *Pool) Run(ctx context.Context, wake <-chan struct{}) {
	signals := make([]chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for i := range signals {
		signals[i] = make(chan struct{}, 1)
		wg.Add(1)
		go func(id int, signal <-chan struct{}) {
			defer wg.Done()
			p.loop(ctx, id, signal)
		}(i, signals[i])
	}

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	broadcast := func() {
		for _, s := range signals {
			select {
			case s <- struct{}{}:
			default:
			}
		}
	}
	broadcast()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			broadcast()
		case <-wake:
			broadcast()
		}
	}
}

func (p *Pool) loop(ctx context.Context, id int, signal <-chan struct{}) {
	logger := p.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case <-signal:
		}
		processed := 0
		for ctx.Err() == nil {
			ok, err := p.Tick(ctx)
			if err != nil {
				logger.Error("worker tick failed", zap.Error(err))
				break
			}
			if !ok {
				break
			}
			processed++
		}
		if processed == 0 {
			logger.Debug("queue empty")
		}
	}
}

// Tick claims and processes at most one ready task. It reports whether a
// task was claimed.
func (p *Pool) Tick(ctx context.Context) (bool, error) {
	task, ok, err := p.store.ClaimNextTask(ctx, p.clock.Now())
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if !ok {
		return false, nil
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.Start(ctx, "worker.task",
		attribute.String("task_id", task.ID),
		attribute.String("game_id", task.GameID),
		attribute.Int("attempt", task.Attempt+1),
	)
	err = p.process(ctx, task)
	telemetry.End(span, err)
	return true, nil
}

func (p *Pool) process(ctx context.Context, task pipeline.QueueTask) error {
	logger := p.logger.With(
		zap.String("task_id", task.ID),
		zap.String("game_id", task.GameID),
		zap.Int("attempt", task.Attempt+1),
	)

	artifact, err := p.resolve(ctx, task)
	if ctx.Err() != nil {
		// Shutting down: hand the task back without charging an attempt.
		p.release(ctx, task, logger)
		return ctx.Err()
	}
	if err == nil {
		appended, cErr := p.store.CompleteTask(ctx, task.ID, artifact, p.clock.Now())
		if cErr == nil {
			metrics.ObserveTask("resolved")
			logger.Info("task resolved", zap.String("url", artifact.URL), zap.String("kind", string(artifact.Kind)))
			if appended && p.notifier != nil {
				p.notifier.LinkResolved(ctx, task.GameID, artifact.URL)
			}
			return nil
		}
		err = fmt.Errorf("record artifact: %w", cErr)
	}
	return p.fail(ctx, task, err, logger)
}

func (p *Pool) resolve(ctx context.Context, task pipeline.QueueTask) (pipeline.Artifact, error) {
	sessionCtx, cancel := context.WithTimeout(ctx, p.cfg.SessionTimeout)
	defer cancel()
	artifact, err := p.resolver.Resolve(sessionCtx, task.RawLinks)
	if err != nil && ctx.Err() == nil && errors.Is(sessionCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", pipeline.ErrAutomationTimeout, p.cfg.SessionTimeout, err)
	}
	if err == nil && artifact.URL == "" {
		err = pipeline.ErrNoArtifact
	}
	return artifact, err
}

func (p *Pool) fail(ctx context.Context, task pipeline.QueueTask, cause error, logger *zap.Logger) error {
	attempt := task.Attempt + 1
	now := p.clock.Now()
	kind := string(pipeline.Classify(cause))
	if p.policy.ShouldRetry(cause, attempt) {
		delay := p.policy.Backoff(attempt)
		if err := p.store.RetryTask(ctx, task.ID, attempt, now.Add(delay), cause.Error(), now); err != nil {
			logger.Error("failed to reschedule task", zap.Error(err))
			return errors.Join(cause, err)
		}
		metrics.ObserveTask("retry")
		logger.Warn("task failed, retrying",
			zap.Error(cause),
			zap.String("kind", kind),
			zap.Duration("backoff", delay),
		)
		return cause
	}
	if err := p.store.FailTask(ctx, task.ID, attempt, cause.Error(), now); err != nil {
		logger.Error("failed to mark task failed", zap.Error(err))
		return errors.Join(cause, err)
	}
	metrics.ObserveTask("failed")
	logger.Error("task failed permanently",
		zap.Error(fmt.Errorf("%w: %w", pipeline.ErrExhaustedRetries, cause)),
		zap.String("kind", kind),
	)
	return cause
}

func (p *Pool) release(ctx context.Context, task pipeline.QueueTask, logger *zap.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	now := p.clock.Now()
	if err := p.store.RetryTask(releaseCtx, task.ID, task.Attempt, now, task.LastError, now); err != nil {
		logger.Warn("failed to release task on shutdown", zap.Error(err))
		return
	}
	metrics.ObserveTask("released")
	logger.Info("task released on shutdown")
}
