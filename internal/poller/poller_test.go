package poller

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/clock"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
	"github.com/JakeFAU/release-pipeline/internal/store/sqlite"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFeed struct {
	mu    sync.Mutex
	items []pipeline.FeedItem
	err   error
}

func (f *fakeFeed) Fetch(context.Context) ([]pipeline.FeedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]pipeline.FeedItem(nil), f.items...), nil
}

func (f *fakeFeed) set(items ...pipeline.FeedItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

type fakeEnricher struct {
	mu    sync.Mutex
	known map[string]pipeline.Metadata
	calls []string
}

func (e *fakeEnricher) Enrich(_ context.Context, title string) (pipeline.Metadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, title)
	md, ok := e.known[title]
	if !ok {
		return pipeline.Metadata{}, pipeline.ErrNotFound
	}
	return md, nil
}

func (e *fakeEnricher) learn(title string, md pipeline.Metadata) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.known[title] = md
}

type enqueueCall struct {
	gameID string
	links  []string
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, gameID string, links []string) (pipeline.QueueTask, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, enqueueCall{gameID: gameID, links: links})
	if q.err != nil {
		return pipeline.QueueTask{}, false, q.err
	}
	return pipeline.QueueTask{GameID: gameID, RawLinks: links, State: pipeline.TaskStatePending}, true, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	posted []string
}

func (n *fakeNotifier) GamePosted(_ context.Context, game pipeline.GameRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posted = append(n.posted, game.ID)
}

func (n *fakeNotifier) LinkResolved(context.Context, string, string) {}

func (n *fakeNotifier) LinkBroken(context.Context, string, string) {}

// flakyStore fails commits for one source id.
type flakyStore struct {
	*sqlite.Store
	failSource string
}

func (s *flakyStore) CommitFeedItem(ctx context.Context, ingest pipeline.Ingest, now time.Time) (pipeline.CommitResult, error) {
	if ingest.Item.SourceID == s.failSource {
		return pipeline.CommitResult{}, errors.New("disk I/O error")
	}
	return s.Store.CommitFeedItem(ctx, ingest, now)
}

type harness struct {
	store    *sqlite.Store
	feed     *fakeFeed
	enricher *fakeEnricher
	queue    *fakeQueue
	notifier *fakeNotifier
	clock    *clock.Manual
	poller   *Poller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.Open(context.Background(), t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:    store,
		feed:     &fakeFeed{},
		enricher: &fakeEnricher{known: map[string]pipeline.Metadata{}},
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
		clock:    clock.NewManual(t0),
	}
	h.poller = New(h.feed, store, h.enricher, h.queue, h.notifier, h.clock, Config{ReenrichBatch: 2}, zap.NewNop())
	return h
}

// corruptGame overwrites a stored game's links column with unreadable JSON.
func corruptGame(t *testing.T, store *sqlite.Store, id string) {
	t.Helper()
	db, err := sql.Open("sqlite", store.Path())
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(context.Background(), "UPDATE games SET links_json = '{bad' WHERE id = ?", id)
	require.NoError(t, err)
}

func counterValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func item(id, title string, published time.Time, links ...string) pipeline.FeedItem {
	return pipeline.FeedItem{SourceID: id, Title: title, PublishedAt: published, RawLinks: links}
}

func TestTwoReleasesOfOneGameMerge(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.enricher.learn("Game A", pipeline.Metadata{Name: "Game A", Genres: []string{"RPG"}})

	p1 := item("p1", "Game A v1.0", t0, "https://hoster.example/p1")
	h.feed.set(p1)
	res, err := h.poller.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.New)

	h.clock.Advance(time.Hour)
	p2 := item("p2", "Game A v1.2", t0.Add(time.Hour), "https://hoster.example/p2")
	h.feed.set(p2, p1)
	res, err = h.poller.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, TickResult{Fetched: 2, Updated: 1, Duplicates: 1}, res)

	games, err := h.store.ListGames(ctx)
	require.NoError(t, err)
	require.Len(t, games, 1)
	game := games[0]
	require.Equal(t, "game-a", game.ID)
	require.Equal(t, "Game A", game.Title)
	require.Equal(t, "Game A", game.Metadata.Name)
	require.Zero(t, game.DownloadCount)
	require.Len(t, game.DownloadLinks, 2)
	require.Equal(t, "https://hoster.example/p1", game.DownloadLinks[0].URL)
	require.Equal(t, "https://hoster.example/p2", game.DownloadLinks[1].URL)

	snap, err := h.store.DedupSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "game-a", snap.Seen["p1"])
	require.Equal(t, "game-a", snap.Seen["p2"])

	require.Equal(t, []string{"game-a"}, h.notifier.posted)
	require.Len(t, h.queue.calls, 2)
	require.Equal(t, []string{"https://hoster.example/p2"}, h.queue.calls[1].links)
	require.Equal(t, []string{"Game A"}, h.enricher.calls, "updates are not re-enriched")
}

func TestReplayingFeedIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.feed.set(
		item("p1", "Game A", t0, "https://hoster.example/a"),
		item("p2", "Game B", t0.Add(time.Minute), "https://hoster.example/b"),
	)

	_, err := h.poller.Tick(ctx)
	require.NoError(t, err)
	res, err := h.poller.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Duplicates)
	require.Zero(t, res.New+res.Updated)

	games, err := h.store.ListGames(ctx)
	require.NoError(t, err)
	require.Len(t, games, 2)
	for _, g := range games {
		require.Zero(t, g.DownloadCount)
		require.Len(t, g.DownloadLinks, 1)
	}
	require.Len(t, h.notifier.posted, 2)
	require.Len(t, h.queue.calls, 2)
}

func TestTickProcessesOldestFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.feed.set(
		item("p3", "Game C", t0.Add(2*time.Hour)),
		item("p1", "Game A", t0),
		item("p2", "Game B", t0.Add(time.Hour)),
	)

	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"game-a", "game-b", "game-c"}, h.notifier.posted)
	require.Empty(t, h.queue.calls, "items without links are not enqueued")
}

func TestFeedFailureAbandonsTick(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.feed.err = errors.New("feed returned 502")

	_, err := h.poller.Tick(context.Background())
	require.ErrorContains(t, err, "fetch feed")

	games, err := h.store.ListGames(context.Background())
	require.NoError(t, err)
	require.Empty(t, games)
}

func TestCommitFailureStopsTickAndRetriesLater(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: h.store, failSource: "p2"}
	poller := New(h.feed, flaky, h.enricher, h.queue, h.notifier, h.clock, Config{}, zap.NewNop())
	h.feed.set(
		item("p1", "Game A", t0),
		item("p2", "Game B", t0.Add(time.Minute)),
		item("p3", "Game C", t0.Add(2*time.Minute)),
	)

	res, err := poller.Tick(ctx)
	require.Error(t, err)
	require.Equal(t, 1, res.New)

	snap, err := h.store.DedupSnapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, snap.Seen, "p1")
	require.NotContains(t, snap.Seen, "p2")
	require.NotContains(t, snap.Seen, "p3")

	flaky.failSource = ""
	res, err = poller.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, TickResult{Fetched: 3, New: 2, Duplicates: 1}, res)
	require.Equal(t, []string{"game-a", "game-b", "game-c"}, h.notifier.posted)
}

func TestCorruptRecordSkipsItemAndTickContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	p1 := item("p1", "Game A v1.0", t0, "https://hoster.example/p1")
	h.feed.set(p1)
	_, err := h.poller.Tick(ctx)
	require.NoError(t, err)

	corruptGame(t, h.store, "game-a")
	h.clock.Advance(time.Hour)
	h.feed.set(
		p1,
		item("p2", "Game A v1.2", t0.Add(time.Hour), "https://hoster.example/p2"),
		item("p3", "Game B", t0.Add(2*time.Hour), "https://hoster.example/p3"),
	)

	res, err := h.poller.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, TickResult{Fetched: 3, New: 1, Duplicates: 1, Skipped: 1}, res)

	game, err := h.store.GetGame(ctx, "game-b")
	require.NoError(t, err)
	require.Len(t, game.DownloadLinks, 1)

	snap, err := h.store.DedupSnapshot(ctx)
	require.NoError(t, err)
	require.NotContains(t, snap.Seen, "p2", "skipped item stays unseen")

	res, err = h.poller.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, TickResult{Fetched: 3, Duplicates: 2, Skipped: 1}, res)
}

func TestEnqueueFailureIsCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.queue.err = errors.New("queue unavailable")
	before := counterValue(t, "releasebot_enqueue_failures_total")
	h.feed.set(item("p1", "Game A", t0, "https://hoster.example/a"))

	res, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.New)

	_, err = h.store.GetGame(context.Background(), "game-a")
	require.NoError(t, err, "the game stays recorded")
	require.GreaterOrEqual(t, counterValue(t, "releasebot_enqueue_failures_total"), before+1)
}

func TestStoreLinksAreNotEnqueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.feed.set(item("p1", "Game A", t0,
		"https://store.steampowered.com/app/1",
		"magnet:?xt=urn:btih:0123456789abcdef",
	))

	_, err := h.poller.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, h.queue.calls, 1)
	require.Equal(t, []string{"magnet:?xt=urn:btih:0123456789abcdef"}, h.queue.calls[0].links)
}

func TestReenrichFillsEmptyMetadataInBatches(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.feed.set(
		item("p1", "Game A", t0),
		item("p2", "Game B", t0.Add(time.Minute)),
		item("p3", "Game C", t0.Add(2*time.Minute)),
	)
	_, err := h.poller.Tick(ctx)
	require.NoError(t, err)

	for _, title := range []string{"Game A", "Game B", "Game C"} {
		h.enricher.learn(title, pipeline.Metadata{Name: title, Summary: "found later"})
	}

	n, err := h.poller.Reenrich(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = h.poller.Reenrich(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = h.poller.Reenrich(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	games, err := h.store.ListGames(ctx)
	require.NoError(t, err)
	for _, g := range games {
		require.Equal(t, "found later", g.Metadata.Summary)
	}
}

func TestReenrichRotatesPastUnknownTitles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.feed.set(
		item("p1", "Alpha Unknown", t0),
		item("p2", "Beta Unknown", t0.Add(time.Minute)),
		item("p3", "Zeta Famous", t0.Add(2*time.Minute)),
	)
	_, err := h.poller.Tick(ctx)
	require.NoError(t, err)
	h.enricher.learn("Zeta Famous", pipeline.Metadata{Name: "Zeta Famous"})

	h.clock.Advance(time.Minute)
	n, err := h.poller.Reenrich(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "the two oldest attempts are unknown to every catalog")

	h.clock.Advance(time.Minute)
	n, err = h.poller.Reenrich(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	game, err := h.store.GetGame(ctx, "zeta-famous")
	require.NoError(t, err)
	require.Equal(t, "Zeta Famous", game.Metadata.Name)

	alpha, err := h.store.GetGame(ctx, "alpha-unknown")
	require.NoError(t, err)
	require.True(t, alpha.EnrichAttemptedAt.Equal(t0.Add(2*time.Minute)))
}

func TestResolvable(t *testing.T) {
	t.Parallel()

	got := Resolvable([]string{
		"https://store.steampowered.com/app/1",
		"https://cdn.example/game.zip",
		"not a url",
		"https://hoster.example/f/1",
	})
	require.Equal(t, []string{"https://cdn.example/game.zip", "https://hoster.example/f/1"}, got)
}
