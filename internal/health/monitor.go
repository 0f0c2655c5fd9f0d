// Package health re-validates published download links and tracks their
// reachability with a debounced Healthy/Degraded/Broken state machine.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
	"github.com/JakeFAU/release-pipeline/internal/telemetry"
)

// ErrSweepRunning is returned when a sweep is requested while one is in flight.
var ErrSweepRunning = errors.New("health sweep already running")

// Config controls Monitor behavior.
type Config struct {
	// Workers bounds how many games are probed concurrently.
	Workers       int
	Threshold     int
	DegradedAfter int
	ProbeTimeout  time.Duration
}

// Summary reports the outcome of one sweep.
type Summary struct {
	Games    int `json:"games"`
	Probed   int `json:"probed"`
	Healthy  int `json:"healthy"`
	Degraded int `json:"degraded"`
	Broken   int `json:"broken"`
	// Corrupt counts links whose health record could not be read.
	Corrupt  int `json:"corrupt"`
}

// Monitor probes every published link and records the result.
type Monitor struct {
	store    pipeline.HealthStore
	prober   pipeline.Prober
	notifier pipeline.Notifier
	clock    pipeline.Clock
	cfg      Config
	logger   *zap.Logger
	running  atomic.Bool
}

// New constructs a Monitor.
func New(
	store pipeline.HealthStore,
	prober pipeline.Prober,
	notifier pipeline.Notifier,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.DegradedAfter <= 0 || cfg.DegradedAfter > cfg.Threshold {
		cfg.DegradedAfter = 1
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return &Monitor{
		store:    store,
		prober:   prober,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("health"),
	}
}

// Running reports whether a sweep is in progress.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// CheckAll probes every link of every active game.
func (m *Monitor) CheckAll(ctx context.Context) (Summary, error) {
	links, err := m.store.ListLinks(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list links: %w", err)
	}
	return m.sweep(ctx, links)
}

// CheckGame probes the links of one game.
func (m *Monitor) CheckGame(ctx context.Context, gameID string) (Summary, error) {
	links, err := m.store.ListLinks(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list links: %w", err)
	}
	gameLinks, ok := links[gameID]
	if !ok {
		return Summary{}, fmt.Errorf("game %s has no links: %w", gameID, pipeline.ErrNotFound)
	}
	return m.sweep(ctx, map[string][]pipeline.DownloadLink{gameID: gameLinks})
}

func (m *Monitor) sweep(ctx context.Context, links map[string][]pipeline.DownloadLink) (summary Summary, err error) {
	if !m.running.CompareAndSwap(false, true) {
		return Summary{}, ErrSweepRunning
	}
	defer m.running.Store(false)

	ctx, span := telemetry.Start(ctx, "health.sweep", attribute.Int("games", len(links)))
	defer func() { telemetry.End(span, err) }()

	gameIDs := make([]string, 0, len(links))
	for id := range links {
		gameIDs = append(gameIDs, id)
	}
	sort.Strings(gameIDs)

	var mu sync.Mutex
	summary.Games = len(gameIDs)
	tally := func(status pipeline.HealthStatus) {
		mu.Lock()
		defer mu.Unlock()
		if status == "" {
			summary.Corrupt++
			return
		}
		summary.Probed++
		switch status {
		case pipeline.HealthHealthy:
			summary.Healthy++
		case pipeline.HealthDegraded:
			summary.Degraded++
		case pipeline.HealthBroken:
			summary.Broken++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, gameID := range gameIDs {
		gameLinks := links[gameID]
		g.Go(func() error {
			return m.checkGame(gctx, gameID, gameLinks, tally)
		})
	}
	err = g.Wait()

	m.logger.Info("health sweep finished",
		zap.Int("games", summary.Games),
		zap.Int("probed", summary.Probed),
		zap.Int("degraded", summary.Degraded),
		zap.Int("broken", summary.Broken),
		zap.Int("corrupt", summary.Corrupt),
	)
	return summary, err
}

// checkGame probes one game's links sequentially. Store errors are logged and
// the link is skipped; an unreadable record is reported to tally with an
// empty status.
func (m *Monitor) checkGame(
	ctx context.Context,
	gameID string,
	links []pipeline.DownloadLink,
	tally func(pipeline.HealthStatus),
) error {
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		probeErr := m.prober.Probe(probeCtx, link.URL)
		cancel()
		if ctx.Err() != nil {
			// Cancelled sweeps must not count as link failures.
			return ctx.Err()
		}
		if probeErr != nil {
			metrics.ObserveProbe("fail")
		} else {
			metrics.ObserveProbe("ok")
		}

		now := m.clock.Now()
		var enteredBroken bool
		var previous pipeline.HealthStatus
		rec, err := m.store.UpdateHealth(ctx, gameID, link.URL, func(rec *pipeline.LinkHealthRecord) {
			previous = rec.Status
			enteredBroken = Apply(rec, probeErr, now, m.cfg.Threshold, m.cfg.DegradedAfter)
		})
		logger := m.logger.With(zap.String("game_id", gameID), zap.String("url", link.URL))
		if err != nil {
			var recErr *pipeline.RecordError
			if errors.As(err, &recErr) && recErr.Kind == pipeline.KindStoreCorruption {
				logger.Error("skipping link with corrupt health record",
					zap.String("table", recErr.Table), zap.String("key", recErr.Key), zap.Error(err))
				metrics.ObserveCorruptRecord(recErr.Table, "health")
				tally("")
				continue
			}
			logger.Error("failed to record link health", zap.Error(err))
			continue
		}
		tally(rec.Status)
		if rec.Status != previous {
			metrics.ObserveLinkTransition(string(rec.Status))
			logger.Info("link status changed",
				zap.String("from", string(previous)),
				zap.String("to", string(rec.Status)),
				zap.Int("consecutive_failures", rec.ConsecutiveFailures),
			)
		} else if probeErr != nil {
			logger.Debug("probe failed", zap.Error(probeErr), zap.Int("consecutive_failures", rec.ConsecutiveFailures))
		}
		if enteredBroken && m.notifier != nil {
			m.notifier.LinkBroken(ctx, gameID, link.URL)
		}
	}
	return nil
}

// Apply folds one probe result into rec and reports whether the record just
// entered Broken. A success resets the failure count; failures move the link
// to Degraded at degradedAfter and to Broken at threshold.
func Apply(rec *pipeline.LinkHealthRecord, probeErr error, now time.Time, threshold, degradedAfter int) bool {
	old := rec.Status
	if old == "" {
		old = pipeline.HealthHealthy
	}
	next := old
	rec.LastCheckedAt = now
	if probeErr == nil {
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
		next = pipeline.HealthHealthy
	} else {
		rec.ConsecutiveFailures++
		rec.LastError = probeErr.Error()
		switch {
		case rec.ConsecutiveFailures >= threshold:
			next = pipeline.HealthBroken
		case rec.ConsecutiveFailures >= degradedAfter:
			next = pipeline.HealthDegraded
		}
	}
	if next != old || rec.StatusChangedAt.IsZero() {
		rec.StatusChangedAt = now
	}
	rec.Status = next
	return next == pipeline.HealthBroken && old != pipeline.HealthBroken
}
