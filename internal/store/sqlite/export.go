package sqlite

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// Dataset names used in snapshot archives.
const (
	DatasetGames      = "games"
	DatasetSeenPosts  = "seen_posts"
	DatasetLinkHealth = "link_health"
	DatasetQueueTasks = "queue_tasks"
)

// Export returns a point-in-time copy of every table. Rows that cannot be read
// are left out of the records and listed in the dataset's Corrupt field so a
// single bad row does not stop backups.
func (s *Store) Export(ctx context.Context) ([]pipeline.Dataset, error) {
	// Hold the write lock so the datasets are mutually consistent.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	games, gamesCorrupt, err := s.listGames(ctx)
	if err != nil {
		return nil, fmt.Errorf("export games: %w", err)
	}
	seen, seenCorrupt, err := s.exportSeenPosts(ctx)
	if err != nil {
		return nil, err
	}
	health, healthCorrupt, err := s.listHealth(ctx, "SELECT "+healthColumns+" FROM link_health ORDER BY game_id, url")
	if err != nil {
		return nil, fmt.Errorf("export link health: %w", err)
	}
	tasks, tasksCorrupt, err := s.listTasks(ctx, "SELECT "+taskColumns+" FROM queue_tasks ORDER BY enqueued_at, id")
	if err != nil {
		return nil, fmt.Errorf("export queue tasks: %w", err)
	}

	datasets := []pipeline.Dataset{
		{Name: DatasetGames, Records: nonNil(games), Count: len(games), Corrupt: s.corruptRecords(gamesCorrupt)},
		{Name: DatasetSeenPosts, Records: nonNil(seen), Count: len(seen), Corrupt: s.corruptRecords(seenCorrupt)},
		{Name: DatasetLinkHealth, Records: nonNil(health), Count: len(health), Corrupt: s.corruptRecords(healthCorrupt)},
		{Name: DatasetQueueTasks, Records: nonNil(tasks), Count: len(tasks), Corrupt: s.corruptRecords(tasksCorrupt)},
	}
	return datasets, nil
}

// corruptRecords logs and counts each unreadable row and describes it for the manifest.
func (s *Store) corruptRecords(errs []error) []pipeline.CorruptRecord {
	if len(errs) == 0 {
		return nil
	}
	out := make([]pipeline.CorruptRecord, 0, len(errs))
	for _, err := range errs {
		rec := pipeline.CorruptRecord{Error: err.Error()}
		var recErr *pipeline.RecordError
		if errors.As(err, &recErr) {
			rec.Table, rec.Key, rec.Error = recErr.Table, recErr.Key, recErr.Err.Error()
		}
		s.logger.Error("exporting without corrupt record",
			zap.String("table", rec.Table), zap.String("key", rec.Key), zap.Error(err))
		metrics.ObserveCorruptRecord(rec.Table, "export")
		out = append(out, rec)
	}
	return out
}

func (s *Store) exportSeenPosts(ctx context.Context) ([]pipeline.SeenPost, []error, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source_id, game_id, first_seen_at FROM seen_posts ORDER BY source_id")
	if err != nil {
		return nil, nil, fmt.Errorf("query seen posts: %w", err)
	}
	defer rows.Close()
	var (
		out     []pipeline.SeenPost
		corrupt []error
	)
	for rows.Next() {
		var (
			post      pipeline.SeenPost
			firstSeen string
		)
		if err := rows.Scan(&post.SourceID, &post.GameID, &firstSeen); err != nil {
			return nil, nil, fmt.Errorf("scan seen post: %w", err)
		}
		if post.FirstSeenAt, err = parseTime(firstSeen); err != nil {
			corrupt = append(corrupt, pipeline.Corrupt("seen_posts", post.SourceID, err))
			continue
		}
		out = append(out, post)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate seen posts: %w", err)
	}
	return out, corrupt, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
