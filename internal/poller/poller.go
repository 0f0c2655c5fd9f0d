// Package poller drives release feed entries through the dedup gate, the
// metadata enricher and the record store, and hands new links to the
// resolution queue.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/dedup"
	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
	"github.com/JakeFAU/release-pipeline/internal/telemetry"
)

// Config controls Poller behavior.
type Config struct {
	// AliasThreshold is the dedup similarity needed to merge titles.
	AliasThreshold float64
	// ReenrichBatch caps how many metadata-less games Reenrich retries.
	ReenrichBatch int
}

// TickResult summarizes one poll.
type TickResult struct {
	Fetched    int `json:"fetched"`
	New        int `json:"new"`
	Updated    int `json:"updated"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Poller processes the release feed.
type Poller struct {
	source   pipeline.FeedSource
	store    pipeline.GameStore
	enricher pipeline.Enricher
	queue    pipeline.Enqueuer
	notifier pipeline.Notifier
	clock    pipeline.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Poller.
func New(
	source pipeline.FeedSource,
	store pipeline.GameStore,
	enricher pipeline.Enricher,
	queue pipeline.Enqueuer,
	notifier pipeline.Notifier,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Poller {
	if cfg.AliasThreshold <= 0 || cfg.AliasThreshold > 1 {
		cfg.AliasThreshold = dedup.DefaultThreshold
	}
	if cfg.ReenrichBatch <= 0 {
		cfg.ReenrichBatch = 5
	}
	return &Poller{
		source:   source,
		store:    store,
		enricher: enricher,
		queue:    queue,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("poller"),
	}
}

// Tick fetches the feed and processes entries oldest-published first. A feed
// failure abandons the tick before any mutation. An entry that touches an
// unreadable record is skipped and stays unseen. Any other store failure
// stops the tick at that entry so later entries are never recorded ahead of
// it; the entry and everything after it are retried on the next tick.
func (p *Poller) Tick(ctx context.Context) (result TickResult, err error) {
	ctx, span := telemetry.Start(ctx, "poller.tick")
	defer func() {
		span.SetAttributes(
			attribute.Int("fetched", result.Fetched),
			attribute.Int("new", result.New),
			attribute.Int("updated", result.Updated),
		)
		telemetry.End(span, err)
	}()

	items, err := p.source.Fetch(ctx)
	if err != nil {
		metrics.ObserveFeedPoll("error")
		p.logger.Warn("feed fetch failed, abandoning tick", zap.Error(err))
		return TickResult{}, fmt.Errorf("fetch feed: %w", err)
	}
	result.Fetched = len(items)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.Before(items[j].PublishedAt)
	})

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		kind, err := p.process(ctx, item)
		var recErr *pipeline.RecordError
		if errors.As(err, &recErr) && recErr.Kind == pipeline.KindStoreCorruption {
			p.logger.Error("skipping feed item that touches a corrupt record",
				zap.String("source_id", item.SourceID),
				zap.String("table", recErr.Table),
				zap.String("key", recErr.Key),
				zap.Error(err),
			)
			metrics.ObserveCorruptRecord(recErr.Table, "poller")
			result.Skipped++
			continue
		}
		if err != nil {
			metrics.ObserveFeedPoll("error")
			return result, err
		}
		metrics.ObserveFeedItem(string(kind))
		switch kind {
		case pipeline.DecisionNew:
			result.New++
		case pipeline.DecisionUpdateExisting:
			result.Updated++
		case pipeline.DecisionDuplicatePost:
			result.Duplicates++
		}
	}

	metrics.ObserveFeedPoll("ok")
	if result.New+result.Updated == 0 {
		p.logger.Debug("poll found nothing new", zap.Int("fetched", result.Fetched))
	} else {
		p.logger.Info("poll processed",
			zap.Int("fetched", result.Fetched),
			zap.Int("new", result.New),
			zap.Int("updated", result.Updated),
		)
	}
	return result, nil
}

func (p *Poller) process(ctx context.Context, item pipeline.FeedItem) (pipeline.DecisionKind, error) {
	logger := p.logger.With(zap.String("source_id", item.SourceID), zap.String("title", item.Title))

	snapshot, err := p.store.DedupSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("load dedup snapshot: %w", err)
	}
	decision := dedup.Classify(item, snapshot, p.cfg.AliasThreshold)
	if decision.Kind == pipeline.DecisionDuplicatePost {
		return decision.Kind, nil
	}

	ingest := pipeline.Ingest{
		Item:     item,
		Decision: decision,
		Title:    dedup.DisplayTitle(item.Title),
	}
	if decision.Kind == pipeline.DecisionNew {
		ingest.Metadata = p.enrich(ctx, ingest.Title, logger)
		ingest.Enriched = p.enricher != nil
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	commit, err := p.store.CommitFeedItem(ctx, ingest, p.clock.Now())
	if err != nil {
		logger.Error("failed to record feed item", zap.Error(err))
		return "", fmt.Errorf("commit feed item: %w", err)
	}
	game := commit.Game
	logger = logger.With(zap.String("game_id", game.ID))

	switch commit.Decision.Kind {
	case pipeline.DecisionNew:
		logger.Info("new game recorded", zap.Int("links", len(game.DownloadLinks)))
		p.enqueue(ctx, game.ID, item.RawLinks, logger)
		if p.notifier != nil {
			p.notifier.GamePosted(ctx, game)
		}
	case pipeline.DecisionUpdateExisting:
		logger.Info("existing game updated", zap.Int("added_links", len(commit.AddedLinks)))
		p.enqueue(ctx, game.ID, commit.AddedLinks, logger)
	}
	return commit.Decision.Kind, nil
}

// enrich returns nil when no catalog produced metadata; the game is then
// picked up by a later Reenrich pass.
func (p *Poller) enrich(ctx context.Context, title string, logger *zap.Logger) *pipeline.Metadata {
	if p.enricher == nil {
		return nil
	}
	md, err := p.enricher.Enrich(ctx, title)
	switch {
	case err == nil:
		return &md
	case errors.Is(err, pipeline.ErrNotFound):
		logger.Debug("no catalog knows this title")
	default:
		logger.Warn("enrichment failed", zap.Error(err))
	}
	return nil
}

// enqueue submits the links that can yield an artifact. Failures are logged
// and counted: the item is already durable, and the game needs an
// administrative re-enqueue.
func (p *Poller) enqueue(ctx context.Context, gameID string, rawLinks []string, logger *zap.Logger) {
	links := Resolvable(rawLinks)
	if len(links) == 0 || p.queue == nil {
		return
	}
	if _, _, err := p.queue.Enqueue(ctx, gameID, links); err != nil {
		metrics.ObserveEnqueueFailure()
		logger.Error("failed to enqueue resolution task, re-enqueue the game manually",
			zap.Strings("links", links), zap.Error(err))
	}
}

// Reenrich retries enrichment for up to ReenrichBatch active games whose
// metadata is still empty, least recently attempted first. It returns how many
// games gained metadata.
func (p *Poller) Reenrich(ctx context.Context) (int, error) {
	if p.enricher == nil {
		return 0, nil
	}
	games, err := p.store.ListGames(ctx)
	if err != nil {
		return 0, fmt.Errorf("list games: %w", err)
	}
	var pending []pipeline.GameRecord
	for _, game := range games {
		if game.Status == pipeline.GameStatusActive && game.Metadata.IsEmpty() {
			pending = append(pending, game)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.EnrichAttemptedAt.Equal(b.EnrichAttemptedAt) {
			return a.EnrichAttemptedAt.Before(b.EnrichAttemptedAt)
		}
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
	if len(pending) > p.cfg.ReenrichBatch {
		pending = pending[:p.cfg.ReenrichBatch]
	}

	updated := 0
	for _, game := range pending {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		logger := p.logger.With(zap.String("game_id", game.ID))
		md, err := p.enricher.Enrich(ctx, game.Title)
		if err != nil {
			logger.Debug("re-enrichment found nothing", zap.Error(err))
			if mErr := p.store.MarkEnrichAttempt(ctx, game.ID, p.clock.Now()); mErr != nil {
				logger.Warn("failed to record enrichment attempt", zap.Error(mErr))
			}
			continue
		}
		if err := p.store.UpdateMetadata(ctx, game.ID, md, p.clock.Now()); err != nil {
			logger.Error("failed to store metadata", zap.Error(err))
			if errors.Is(err, pipeline.ErrStoreCorruption) {
				metrics.ObserveCorruptRecord("games", "poller")
			}
			continue
		}
		updated++
		logger.Info("metadata filled by re-enrichment")
	}
	return updated, nil
}

// Resolvable filters raw links down to those a resolution task can turn
// into an artifact. Storefront pages and unusable URLs are dropped.
func Resolvable(rawLinks []string) []string {
	out := make([]string, 0, len(rawLinks))
	for _, raw := range rawLinks {
		kind, ok := pipeline.ClassifyLink(raw)
		if !ok || kind == pipeline.LinkKindStore {
			continue
		}
		out = append(out, raw)
	}
	return out
}
