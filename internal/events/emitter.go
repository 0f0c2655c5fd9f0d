// Package events delivers pipeline events to the chat collaborator.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "release-events"

// Journal durably records emitted events.
type Journal interface {
	Append(ctx context.Context, event pipeline.Event) error
}

// Options configures an Emitter.
type Options struct {
	Publisher pipeline.Publisher
	Topic     string
	Journal   Journal
	IDs       pipeline.IDGenerator
	Clock     pipeline.Clock
	Logger    *zap.Logger
}

// Emitter implements pipeline.Notifier. Delivery failures are logged and
// counted; they never fail the caller.
type Emitter struct {
	publisher pipeline.Publisher
	topic     string
	journal   Journal
	ids       pipeline.IDGenerator
	clock     pipeline.Clock
	logger    *zap.Logger
}

var _ pipeline.Notifier = (*Emitter)(nil)

// New constructs an Emitter.
func New(opts Options) *Emitter {
	topic := opts.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &Emitter{
		publisher: opts.Publisher,
		topic:     topic,
		journal:   opts.Journal,
		ids:       opts.IDs,
		clock:     opts.Clock,
		logger:    logging.OrNop(opts.Logger).Named("events"),
	}
}

// GamePosted announces a newly created game record.
func (e *Emitter) GamePosted(ctx context.Context, game pipeline.GameRecord) {
	g := game
	e.emit(ctx, pipeline.Event{Type: pipeline.EventGamePosted, GameID: game.ID, Game: &g})
}

// LinkResolved announces a new artifact for a game.
func (e *Emitter) LinkResolved(ctx context.Context, gameID, url string) {
	e.emit(ctx, pipeline.Event{Type: pipeline.EventLinkResolved, GameID: gameID, URL: url})
}

// LinkBroken announces that a published link crossed the failure threshold.
func (e *Emitter) LinkBroken(ctx context.Context, gameID, url string) {
	e.emit(ctx, pipeline.Event{Type: pipeline.EventLinkBroken, GameID: gameID, URL: url})
}

func (e *Emitter) emit(ctx context.Context, event pipeline.Event) {
	logger := e.logger.With(
		zap.String("event_type", string(event.Type)),
		zap.String("game_id", event.GameID),
	)
	if e.ids != nil {
		id, err := e.ids.NewID()
		if err != nil {
			logger.Error("failed to generate event id", zap.Error(err))
			metrics.ObserveEvent(string(event.Type), "error")
			return
		}
		event.ID = id
	}
	if e.clock != nil {
		event.OccurredAt = e.clock.Now()
	}

	if e.journal != nil {
		if err := e.journal.Append(ctx, event); err != nil {
			logger.Warn("failed to journal event", zap.Error(err))
		}
	}

	if e.publisher == nil {
		metrics.ObserveEvent(string(event.Type), "dropped")
		return
	}
	msgID, err := e.publisher.Publish(ctx, e.topic, event)
	if err != nil {
		logger.Error("failed to publish event", zap.Error(err))
		metrics.ObserveEvent(string(event.Type), "error")
		return
	}
	metrics.ObserveEvent(string(event.Type), "ok")
	logger.Debug("event published", zap.String("message_id", msgID))
}
