// Package dispatcher is the front door of the download resolution queue.
// It records coalesced tasks in the store and signals the worker pool.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// Dispatcher accepts resolution work for the worker pool.
type Dispatcher struct {
	store  pipeline.TaskStore
	ids    pipeline.IDGenerator
	clock  pipeline.Clock
	logger *zap.Logger
	wake   chan struct{}
}

var _ pipeline.Enqueuer = (*Dispatcher)(nil)

// New creates a Dispatcher.
func New(store pipeline.TaskStore, ids pipeline.IDGenerator, clock pipeline.Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		ids:    ids,
		clock:  clock,
		logger: logging.OrNop(logger).Named("dispatcher"),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue records a Pending task for gameID. Links are merged into an
// existing Pending task, and links an InProgress task already carries
// coalesce into it; created is false in both cases.
func (d *Dispatcher) Enqueue(ctx context.Context, gameID string, rawLinks []string) (pipeline.QueueTask, bool, error) {
	if gameID == "" {
		return pipeline.QueueTask{}, false, fmt.Errorf("game id is required")
	}
	id, err := d.ids.NewID()
	if err != nil {
		return pipeline.QueueTask{}, false, fmt.Errorf("generate task id: %w", err)
	}
	now := d.clock.Now()
	task, created, err := d.store.EnqueueTask(ctx, pipeline.QueueTask{
		ID:         id,
		GameID:     gameID,
		RawLinks:   rawLinks,
		EnqueuedAt: now,
		NotBefore:  now,
	})
	if err != nil {
		return pipeline.QueueTask{}, false, fmt.Errorf("queue enqueue: %w", err)
	}
	logger := d.logger.With(zap.String("game_id", gameID), zap.String("task_id", task.ID))
	if created {
		logger.Info("task enqueued", zap.Int("links", len(task.RawLinks)))
	} else {
		logger.Debug("task coalesced", zap.String("state", string(task.State)))
	}
	if task.State == pipeline.TaskStatePending {
		d.Wake()
	}
	return task, created, nil
}

// Wake nudges the worker pool without blocking. Multiple wakes before the
// pool drains collapse into one.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Wakeups is the channel the worker pool listens on.
func (d *Dispatcher) Wakeups() <-chan struct{} {
	return d.wake
}
