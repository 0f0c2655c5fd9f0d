package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ingest(sourceID, gameID, alias string, links ...string) pipeline.Ingest {
	return pipeline.Ingest{
		Item: pipeline.FeedItem{
			SourceID:    sourceID,
			Title:       alias,
			PublishedAt: t0,
			RawLinks:    links,
		},
		Decision: pipeline.Decision{Kind: pipeline.DecisionNew, GameID: gameID, Alias: alias},
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(context.Background(), dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}

func TestCommitFeedItemCreatesGameAndSeenPost(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	res, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a",
		"https://hoster.example/file1", "magnet:?xt=urn:btih:abc123", "not a link"), t0)
	require.NoError(t, err)
	require.Equal(t, pipeline.DecisionNew, res.Decision.Kind)
	require.Equal(t, []string{"https://hoster.example/file1", "magnet:?xt=urn:btih:abc123"}, res.AddedLinks)

	game, err := s.GetGame(ctx, "game-a")
	require.NoError(t, err)
	require.Equal(t, pipeline.GameStatusActive, game.Status)
	require.Equal(t, []string{"game a"}, game.Aliases)
	require.Len(t, game.DownloadLinks, 2)
	require.Equal(t, pipeline.LinkKindHoster, game.DownloadLinks[0].Kind)
	require.Equal(t, pipeline.LinkKindMagnet, game.DownloadLinks[1].Kind)
	require.True(t, game.CreatedAt.Equal(t0))

	snap, err := s.DedupSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "game-a", snap.Seen["p1"])
	require.Len(t, snap.Games, 1)
	require.Equal(t, []string{"game a"}, snap.Games[0].Aliases)
}

func TestCommitFeedItemReplayIsDuplicate(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a", "https://hoster.example/1"), t0)
	require.NoError(t, err)
	_, err = s.IncrementDownloadCount(ctx, "game-a")
	require.NoError(t, err)

	res, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a", "https://hoster.example/1"), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, pipeline.DecisionDuplicatePost, res.Decision.Kind)
	require.Empty(t, res.AddedLinks)

	games, err := s.ListGames(ctx)
	require.NoError(t, err)
	require.Len(t, games, 1)
	require.EqualValues(t, 1, games[0].DownloadCount)
	require.True(t, games[0].UpdatedAt.Equal(t0))
}

func TestCommitFeedItemUpdateAppendsLinks(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a", "https://hoster.example/v10"), t0)
	require.NoError(t, err)

	update := ingest("p2", "game-a", "game a", "https://hoster.example/v10", "https://hoster.example/v12")
	update.Decision.Kind = pipeline.DecisionUpdateExisting
	res, err := s.CommitFeedItem(ctx, update, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, pipeline.DecisionUpdateExisting, res.Decision.Kind)
	require.Equal(t, []string{"https://hoster.example/v12"}, res.AddedLinks)

	game, err := s.GetGame(ctx, "game-a")
	require.NoError(t, err)
	require.Len(t, game.DownloadLinks, 2)
	require.Zero(t, game.DownloadCount)
	require.True(t, game.UpdatedAt.Equal(t0.Add(time.Hour)))

	snap, err := s.DedupSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "game-a", snap.Seen["p1"])
	require.Equal(t, "game-a", snap.Seen["p2"])
}

func TestCommitFeedItemRevalidatesNewAgainstExisting(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a", "https://hoster.example/1"), t0)
	require.NoError(t, err)

	// A stale snapshot classified p2 as new; the store turns it into an update.
	res, err := s.CommitFeedItem(ctx, ingest("p2", "game-a", "game a deluxe", "https://hoster.example/2"), t0)
	require.NoError(t, err)
	require.Equal(t, pipeline.DecisionUpdateExisting, res.Decision.Kind)
	require.ElementsMatch(t, []string{"game a", "game a deluxe"}, res.Game.Aliases)
}

func TestUpdateMetadataKeepsDownloadCount(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a"), t0)
	require.NoError(t, err)
	count, err := s.IncrementDownloadCount(ctx, "game-a")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	md := pipeline.Metadata{Name: "Game A", Genres: []string{"RPG"}, ExternalIDs: map[string]string{"igdb": "42"}}
	require.NoError(t, s.UpdateMetadata(ctx, "game-a", md, t0.Add(time.Minute)))

	game, err := s.GetGame(ctx, "game-a")
	require.NoError(t, err)
	require.Equal(t, md, game.Metadata)
	require.EqualValues(t, 1, game.DownloadCount)

	require.ErrorIs(t, s.UpdateMetadata(ctx, "missing", md, t0), pipeline.ErrNotFound)
	_, err = s.IncrementDownloadCount(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func newTask(id, gameID string, at time.Time, links ...string) pipeline.QueueTask {
	return pipeline.QueueTask{ID: id, GameID: gameID, RawLinks: links, EnqueuedAt: at}
}

func TestEnqueueTaskCoalesces(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a"), t0)
	require.NoError(t, err)

	first, created, err := s.EnqueueTask(ctx, newTask("t1", "game-a", t0, "https://h.example/1"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, pipeline.TaskStatePending, first.State)

	merged, created, err := s.EnqueueTask(ctx, newTask("t2", "game-a", t0, "https://h.example/1", "https://h.example/2"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "t1", merged.ID)
	require.Equal(t, []string{"https://h.example/1", "https://h.example/2"}, merged.RawLinks)

	claimed, ok, err := s.ClaimNextTask(ctx, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", claimed.ID)

	dup, created, err := s.EnqueueTask(ctx, newTask("t3", "game-a", t0, "https://h.example/2"))
	require.NoError(t, err)
	require.False(t, created, "in-progress task must absorb duplicate triggers")
	require.Equal(t, "t1", dup.ID)

	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestEnqueueWhileInProgressQueuesNewLinks(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a"), t0)
	require.NoError(t, err)
	_, _, err = s.EnqueueTask(ctx, newTask("t1", "game-a", t0, "https://h.example/a1"))
	require.NoError(t, err)
	_, _, err = s.ClaimNextTask(ctx, t0)
	require.NoError(t, err)

	next, created, err := s.EnqueueTask(ctx, newTask("t2", "game-a", t0.Add(time.Second),
		"https://h.example/a1", "https://h.example/a2"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "t2", next.ID)
	require.Equal(t, []string{"https://h.example/a2"}, next.RawLinks, "links already being resolved are not queued twice")

	_, ok, err := s.ClaimNextTask(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok, "game is still being resolved")

	_, err = s.CompleteTask(ctx, "t1", pipeline.Artifact{URL: "https://cdn.example/a1.zip", Kind: pipeline.LinkKindDirect}, t0.Add(time.Minute))
	require.NoError(t, err)

	got, ok, err := s.ClaimNextTask(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t2", got.ID)
	require.Equal(t, []string{"https://h.example/a2"}, got.RawLinks)
}

func TestRetryAndResetFoldQueuedTask(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"game-a", "game-b"} {
		_, err := s.CommitFeedItem(ctx, ingest("p-"+id, id, id), t0)
		require.NoError(t, err)
	}
	for _, task := range []pipeline.QueueTask{
		newTask("t-a1", "game-a", t0, "https://h.example/a1"),
		newTask("t-b1", "game-b", t0, "https://h.example/b1"),
	} {
		_, _, err := s.EnqueueTask(ctx, task)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, ok, err := s.ClaimNextTask(ctx, t0)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, _, err := s.EnqueueTask(ctx, newTask("t-a2", "game-a", t0.Add(time.Second), "https://h.example/a2"))
	require.NoError(t, err)
	_, _, err = s.EnqueueTask(ctx, newTask("t-b2", "game-b", t0.Add(time.Second), "https://h.example/b2"))
	require.NoError(t, err)

	require.NoError(t, s.RetryTask(ctx, "t-a1", 1, t0.Add(time.Minute), "timeout", t0.Add(time.Second)))
	n, err := s.ResetInProgress(ctx, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := s.ListTasks(ctx, pipeline.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	byID := map[string][]string{}
	for _, task := range pending {
		byID[task.ID] = task.RawLinks
	}
	require.Equal(t, map[string][]string{
		"t-a1": {"https://h.example/a1", "https://h.example/a2"},
		"t-b1": {"https://h.example/b1", "https://h.example/b2"},
	}, byID)
}

func TestClaimNextTaskFailsUnreadableTask(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"game-a", "game-b"} {
		_, err := s.CommitFeedItem(ctx, ingest("p-"+id, id, id), t0)
		require.NoError(t, err)
	}
	_, _, err := s.EnqueueTask(ctx, newTask("t-a", "game-a", t0, "https://h.example/a"))
	require.NoError(t, err)
	_, _, err = s.EnqueueTask(ctx, newTask("t-b", "game-b", t0.Add(time.Second), "https://h.example/b"))
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "UPDATE queue_tasks SET raw_links_json = '{bad' WHERE id = 't-a'")
	require.NoError(t, err)

	got, ok, err := s.ClaimNextTask(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t-b", got.ID)

	failed, err := s.ListTasks(ctx, pipeline.TaskStateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "t-a", failed[0].ID)
	require.Contains(t, failed[0].LastError, "store_corruption")
	require.Contains(t, failed[0].LastError, "{bad")
	require.Empty(t, failed[0].RawLinks)

	_, created, err := s.EnqueueTask(ctx, newTask("t-a2", "game-a", t0.Add(time.Hour), "https://h.example/a"))
	require.NoError(t, err)
	require.True(t, created, "the game can be enqueued again")
}

func TestConcurrentEnqueueKeepsOneActiveTask(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a"), t0)
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		createdCount int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, created, err := s.EnqueueTask(ctx, newTask("t"+string(rune('a'+i)), "game-a", t0))
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, createdCount)

	active, err := s.ListTasks(ctx, pipeline.TaskStatePending, pipeline.TaskStateInProgress)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestClaimNextTaskOrderingAndBackoff(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"game-a", "game-b"} {
		_, err := s.CommitFeedItem(ctx, ingest("p-"+id, id, id), t0)
		require.NoError(t, err)
	}
	_, _, err := s.EnqueueTask(ctx, newTask("t-b", "game-b", t0.Add(time.Second)))
	require.NoError(t, err)
	_, _, err = s.EnqueueTask(ctx, newTask("t-a", "game-a", t0))
	require.NoError(t, err)

	got, ok, err := s.ClaimNextTask(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t-a", got.ID, "oldest task first")

	retryAt := t0.Add(10 * time.Minute)
	require.NoError(t, s.RetryTask(ctx, "t-a", 1, retryAt, "boom", t0.Add(time.Minute)))

	got, ok, err = s.ClaimNextTask(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t-b", got.ID)

	_, ok, err = s.ClaimNextTask(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, ok, "t-a is backing off")

	got, ok, err = s.ClaimNextTask(ctx, retryAt)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t-a", got.ID)
	require.Equal(t, 1, got.Attempt)
	require.Equal(t, "boom", got.LastError)
}

func TestCompleteTaskAppendsArtifactOnce(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a", "https://hoster.example/page"), t0)
	require.NoError(t, err)
	_, _, err = s.EnqueueTask(ctx, newTask("t1", "game-a", t0, "https://hoster.example/page"))
	require.NoError(t, err)
	_, _, err = s.ClaimNextTask(ctx, t0)
	require.NoError(t, err)

	artifact := pipeline.Artifact{URL: "https://cdn.example/game.rar", Kind: pipeline.LinkKindDirect}
	appended, err := s.CompleteTask(ctx, "t1", artifact, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, appended)

	game, err := s.GetGame(ctx, "game-a")
	require.NoError(t, err)
	require.Len(t, game.DownloadLinks, 2)
	require.Equal(t, artifact.URL, game.DownloadLinks[1].URL)

	_, err = s.CompleteTask(ctx, "t1", artifact, t0.Add(time.Minute))
	require.Error(t, err, "resolved task cannot complete twice")

	resolved, err := s.ListTasks(ctx, pipeline.TaskStateResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
}

func TestFailTaskAndResetInProgress(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"game-a", "game-b"} {
		_, err := s.CommitFeedItem(ctx, ingest("p-"+id, id, id), t0)
		require.NoError(t, err)
	}
	_, _, err := s.EnqueueTask(ctx, newTask("t-a", "game-a", t0))
	require.NoError(t, err)
	_, _, err = s.EnqueueTask(ctx, newTask("t-b", "game-b", t0.Add(time.Second)))
	require.NoError(t, err)
	_, _, err = s.ClaimNextTask(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	_, _, err = s.ClaimNextTask(ctx, t0.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.FailTask(ctx, "t-a", 3, "exhausted", t0.Add(time.Minute)))
	require.ErrorIs(t, s.FailTask(ctx, "t-a", 3, "again", t0), pipeline.ErrNotFound)

	n, err := s.ResetInProgress(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := s.ListTasks(ctx, pipeline.TaskStatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "t-b", pending[0].ID)

	failed, err := s.ListTasks(ctx, pipeline.TaskStateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 3, failed[0].Attempt)

	// A failed game can be enqueued again by an operator.
	_, created, err := s.EnqueueTask(ctx, newTask("t-a2", "game-a", t0.Add(time.Hour)))
	require.NoError(t, err)
	require.True(t, created)
}

func TestUpdateHealthUpsertsAndFilters(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.UpdateHealth(ctx, "game-a", "https://h.example/1", func(r *pipeline.LinkHealthRecord) {
		require.Equal(t, pipeline.HealthHealthy, r.Status)
		r.ConsecutiveFailures++
		r.Status = pipeline.HealthDegraded
		r.LastCheckedAt = t0
		r.StatusChangedAt = t0
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.ConsecutiveFailures)

	rec, err = s.UpdateHealth(ctx, "game-a", "https://h.example/1", func(r *pipeline.LinkHealthRecord) {
		r.ConsecutiveFailures++
		r.LastCheckedAt = t0.Add(time.Hour)
	})
	require.NoError(t, err)
	require.Equal(t, 2, rec.ConsecutiveFailures)
	require.Equal(t, pipeline.HealthDegraded, rec.Status)

	degraded, err := s.ListHealth(ctx, pipeline.HealthDegraded)
	require.NoError(t, err)
	require.Len(t, degraded, 1)
	require.True(t, degraded[0].LastCheckedAt.Equal(t0.Add(time.Hour)))

	broken, err := s.ListHealth(ctx, pipeline.HealthBroken)
	require.NoError(t, err)
	require.Empty(t, broken)
}

func TestRemoveDownloadLink(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a", "https://h.example/1", "https://h.example/2"), t0)
	require.NoError(t, err)
	_, err = s.UpdateHealth(ctx, "game-a", "https://h.example/1", func(r *pipeline.LinkHealthRecord) {
		r.Status = pipeline.HealthBroken
	})
	require.NoError(t, err)

	require.NoError(t, s.RemoveDownloadLink(ctx, "game-a", "https://h.example/1", t0))
	require.ErrorIs(t, s.RemoveDownloadLink(ctx, "game-a", "https://h.example/1", t0), pipeline.ErrNotFound)

	links, err := s.ListLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links["game-a"], 1)
	require.Equal(t, "https://h.example/2", links["game-a"][0].URL)

	health, err := s.ListHealth(ctx)
	require.NoError(t, err)
	require.Empty(t, health)
}

func TestExportAndCorruption(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a", "https://h.example/1"), t0)
	require.NoError(t, err)
	_, err = s.CommitFeedItem(ctx, ingest("p2", "game-b", "game b"), t0)
	require.NoError(t, err)
	_, _, err = s.EnqueueTask(ctx, newTask("t1", "game-a", t0))
	require.NoError(t, err)

	datasets, err := s.Export(ctx)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, ds := range datasets {
		counts[ds.Name] = ds.Count
	}
	require.Equal(t, map[string]int{
		DatasetGames:      2,
		DatasetSeenPosts:  2,
		DatasetLinkHealth: 0,
		DatasetQueueTasks: 1,
	}, counts)

	_, err = s.db.ExecContext(ctx, "UPDATE games SET links_json = '{broken' WHERE id = 'game-b'")
	require.NoError(t, err)

	games, err := s.ListGames(ctx)
	require.NoError(t, err)
	require.Len(t, games, 1, "corrupt record is skipped, others survive")

	_, err = s.GetGame(ctx, "game-b")
	require.ErrorIs(t, err, pipeline.ErrStoreCorruption)

	datasets, err = s.Export(ctx)
	require.NoError(t, err, "a corrupt row must not stop backups")
	require.Equal(t, DatasetGames, datasets[0].Name)
	require.Equal(t, 1, datasets[0].Count)
	require.Len(t, datasets[0].Corrupt, 1)
	require.Equal(t, "games", datasets[0].Corrupt[0].Table)
	require.Equal(t, "game-b", datasets[0].Corrupt[0].Key)
	require.Empty(t, datasets[1].Corrupt)
}

func TestMarkEnrichAttempt(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CommitFeedItem(ctx, ingest("p1", "game-a", "game a"), t0)
	require.NoError(t, err)

	game, err := s.GetGame(ctx, "game-a")
	require.NoError(t, err)
	require.True(t, game.EnrichAttemptedAt.IsZero())

	require.NoError(t, s.MarkEnrichAttempt(ctx, "game-a", t0.Add(time.Hour)))
	game, err = s.GetGame(ctx, "game-a")
	require.NoError(t, err)
	require.True(t, game.EnrichAttemptedAt.Equal(t0.Add(time.Hour)))
	require.True(t, game.UpdatedAt.Equal(t0), "an attempt is not an update")

	require.ErrorIs(t, s.MarkEnrichAttempt(ctx, "missing", t0), pipeline.ErrNotFound)
}
