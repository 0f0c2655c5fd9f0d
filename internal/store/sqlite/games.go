package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

const gameColumns = `id, title, aliases_json, metadata_json, links_json, status, created_at, updated_at, download_count, enrich_attempted_at`

func scanGame(row rowScanner) (pipeline.GameRecord, error) {
	var (
		game                             pipeline.GameRecord
		aliases, metadata, links, status string
		createdAt, updatedAt, attempted  string
	)
	if err := row.Scan(
		&game.ID, &game.Title, &aliases, &metadata, &links, &status,
		&createdAt, &updatedAt, &game.DownloadCount, &attempted,
	); err != nil {
		return pipeline.GameRecord{}, err
	}
	game.Status = pipeline.GameStatus(status)
	corrupt := func(err error) (pipeline.GameRecord, error) {
		return pipeline.GameRecord{}, pipeline.Corrupt("games", game.ID, err)
	}
	if err := decodeInto(aliases, &game.Aliases); err != nil {
		return corrupt(err)
	}
	if err := decodeInto(metadata, &game.Metadata); err != nil {
		return corrupt(err)
	}
	if err := decodeInto(links, &game.DownloadLinks); err != nil {
		return corrupt(err)
	}
	var err error
	if game.CreatedAt, err = parseTime(createdAt); err != nil {
		return corrupt(err)
	}
	if game.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return corrupt(err)
	}
	if game.EnrichAttemptedAt, err = parseTime(attempted); err != nil {
		return corrupt(err)
	}
	return game, nil
}

func getGame(ctx context.Context, q queryer, id string) (pipeline.GameRecord, error) {
	row := q.QueryRowContext(ctx, "SELECT "+gameColumns+" FROM games WHERE id = ?", id)
	game, err := scanGame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.GameRecord{}, fmt.Errorf("game %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.GameRecord{}, fmt.Errorf("load game %s: %w", id, err)
	}
	return game, nil
}

func insertGame(ctx context.Context, tx *sql.Tx, game pipeline.GameRecord) error {
	aliases, links, metadata, err := encodeGame(game)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO games (`+gameColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		game.ID, game.Title, aliases, metadata, links, string(game.Status),
		formatTime(game.CreatedAt), formatTime(game.UpdatedAt), game.DownloadCount, optionalTime(game.EnrichAttemptedAt),
	)
	if err != nil {
		return fmt.Errorf("insert game %s: %w", game.ID, err)
	}
	return nil
}

// updateGame rewrites every mutable column except download_count, which only
// IncrementDownloadCount touches.
func updateGame(ctx context.Context, tx *sql.Tx, game pipeline.GameRecord) error {
	aliases, links, metadata, err := encodeGame(game)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE games SET title = ?, aliases_json = ?, metadata_json = ?, links_json = ?, status = ?, updated_at = ?
         WHERE id = ?`,
		game.Title, aliases, metadata, links, string(game.Status), formatTime(game.UpdatedAt), game.ID,
	)
	if err != nil {
		return fmt.Errorf("update game %s: %w", game.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("game %s: %w", game.ID, pipeline.ErrNotFound)
	}
	return nil
}

func encodeGame(game pipeline.GameRecord) (aliases, links, metadata string, err error) {
	if game.Aliases == nil {
		game.Aliases = []string{}
	}
	if game.DownloadLinks == nil {
		game.DownloadLinks = []pipeline.DownloadLink{}
	}
	if aliases, err = mustEncode("games", game.ID, game.Aliases); err != nil {
		return "", "", "", err
	}
	if links, err = mustEncode("games", game.ID, game.DownloadLinks); err != nil {
		return "", "", "", err
	}
	if metadata, err = mustEncode("games", game.ID, game.Metadata); err != nil {
		return "", "", "", err
	}
	return aliases, links, metadata, nil
}

// GetGame loads one game record.
func (s *Store) GetGame(ctx context.Context, id string) (pipeline.GameRecord, error) {
	return getGame(ctx, s.db, id)
}

// ListGames returns all readable game records ordered by id. Corrupt rows are
// logged and skipped so one bad record does not hide the rest.
func (s *Store) ListGames(ctx context.Context) ([]pipeline.GameRecord, error) {
	games, corrupt, err := s.listGames(ctx)
	if err != nil {
		return nil, err
	}
	for _, cErr := range corrupt {
		s.logger.Error("skipping corrupt game record", zap.Error(cErr))
	}
	return games, nil
}

func (s *Store) listGames(ctx context.Context) ([]pipeline.GameRecord, []error, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+gameColumns+" FROM games ORDER BY id")
	if err != nil {
		return nil, nil, fmt.Errorf("query games: %w", err)
	}
	defer rows.Close()

	var (
		games   []pipeline.GameRecord
		corrupt []error
	)
	for rows.Next() {
		game, scanErr := scanGame(rows)
		if scanErr != nil {
			if errors.Is(scanErr, pipeline.ErrStoreCorruption) {
				corrupt = append(corrupt, scanErr)
				continue
			}
			return nil, nil, fmt.Errorf("scan game: %w", scanErr)
		}
		games = append(games, game)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate games: %w", err)
	}
	return games, corrupt, nil
}

// DedupSnapshot returns the seen-post map and alias view used by the dedup gate.
func (s *Store) DedupSnapshot(ctx context.Context) (pipeline.DedupSnapshot, error) {
	snap := pipeline.DedupSnapshot{Seen: map[string]string{}}

	rows, err := s.db.QueryContext(ctx, "SELECT source_id, game_id FROM seen_posts")
	if err != nil {
		return snap, fmt.Errorf("query seen posts: %w", err)
	}
	for rows.Next() {
		var sourceID, gameID string
		if err := rows.Scan(&sourceID, &gameID); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan seen post: %w", err)
		}
		snap.Seen[sourceID] = gameID
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate seen posts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT id, aliases_json, updated_at FROM games ORDER BY id")
	if err != nil {
		return snap, fmt.Errorf("query aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, aliases, updatedAt string
		if err := rows.Scan(&id, &aliases, &updatedAt); err != nil {
			return snap, fmt.Errorf("scan aliases: %w", err)
		}
		cand := pipeline.Candidate{GameID: id}
		decodeErr := decodeInto(aliases, &cand.Aliases)
		if decodeErr == nil {
			cand.UpdatedAt, decodeErr = parseTime(updatedAt)
		}
		if decodeErr != nil {
			s.logger.Error("skipping corrupt game in dedup snapshot",
				zap.Error(pipeline.Corrupt("games", id, decodeErr)))
			continue
		}
		snap.Games = append(snap.Games, cand)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate aliases: %w", err)
	}
	return snap, nil
}

// CommitFeedItem durably records one feed item: the game is created or
// updated and the sourceId is marked seen in the same transaction. The
// decision is re-validated against current state before it is applied.
func (s *Store) CommitFeedItem(ctx context.Context, ingest pipeline.Ingest, now time.Time) (pipeline.CommitResult, error) {
	item := ingest.Item
	if item.SourceID == "" {
		return pipeline.CommitResult{}, fmt.Errorf("feed item source id is required")
	}
	decision := ingest.Decision
	var result pipeline.CommitResult

	err := s.write(ctx, func(tx *sql.Tx) error {
		var seenGame string
		err := tx.QueryRowContext(ctx, "SELECT game_id FROM seen_posts WHERE source_id = ?", item.SourceID).Scan(&seenGame)
		switch {
		case err == nil:
			game, getErr := getGame(ctx, tx, seenGame)
			if getErr != nil {
				return getErr
			}
			result = pipeline.CommitResult{
				Decision: pipeline.Decision{Kind: pipeline.DecisionDuplicatePost, GameID: seenGame, Alias: decision.Alias},
				Game:     game,
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check seen post: %w", err)
		}
		if decision.GameID == "" {
			return fmt.Errorf("decision for %s has no game id", item.SourceID)
		}

		existing, getErr := getGame(ctx, tx, decision.GameID)
		switch {
		case getErr == nil:
			decision.Kind = pipeline.DecisionUpdateExisting
		case errors.Is(getErr, pipeline.ErrNotFound):
			decision.Kind = pipeline.DecisionNew
		default:
			return getErr
		}

		links := classifyLinks(item.RawLinks, now)
		var game pipeline.GameRecord
		var added []string
		if decision.Kind == pipeline.DecisionNew {
			title := ingest.Title
			if title == "" {
				title = item.Title
			}
			game = pipeline.GameRecord{
				ID:            decision.GameID,
				Title:         title,
				DownloadLinks: links,
				Status:        pipeline.GameStatusActive,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if ingest.Enriched {
				game.EnrichAttemptedAt = now
			}
			if decision.Alias != "" {
				game.Aliases = []string{decision.Alias}
			}
			if ingest.Metadata != nil {
				game.Metadata = *ingest.Metadata
			}
			for _, link := range links {
				added = append(added, link.URL)
			}
			if err := insertGame(ctx, tx, game); err != nil {
				return err
			}
		} else {
			game = existing
			if decision.Alias != "" && !slices.Contains(game.Aliases, decision.Alias) {
				game.Aliases = append(game.Aliases, decision.Alias)
			}
			for _, link := range links {
				if !game.HasLink(link.URL) {
					game.DownloadLinks = append(game.DownloadLinks, link)
					added = append(added, link.URL)
				}
			}
			if ingest.Metadata != nil && game.Metadata.IsEmpty() {
				game.Metadata = *ingest.Metadata
			}
			game.UpdatedAt = now
			if err := updateGame(ctx, tx, game); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO seen_posts (source_id, game_id, first_seen_at) VALUES (?, ?, ?)",
			item.SourceID, game.ID, formatTime(now),
		); err != nil {
			return fmt.Errorf("insert seen post: %w", err)
		}
		result = pipeline.CommitResult{Decision: decision, Game: game, AddedLinks: added}
		return nil
	})
	if err != nil {
		return pipeline.CommitResult{}, fmt.Errorf("commit feed item %s: %w", item.SourceID, err)
	}
	return result, nil
}

// UpdateMetadata replaces a game's metadata. The download counter is untouched.
func (s *Store) UpdateMetadata(ctx context.Context, id string, md pipeline.Metadata, now time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		game, err := getGame(ctx, tx, id)
		if err != nil {
			return err
		}
		game.Metadata = md
		game.UpdatedAt = now
		return updateGame(ctx, tx, game)
	})
}

// MarkEnrichAttempt records that a catalog lookup ran for the game without
// changing its metadata or updatedAt.
func (s *Store) MarkEnrichAttempt(ctx context.Context, id string, now time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE games SET enrich_attempted_at = ? WHERE id = ?", formatTime(now), id)
		if err != nil {
			return fmt.Errorf("mark enrich attempt: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("game %s: %w", id, pipeline.ErrNotFound)
		}
		return nil
	})
}

// IncrementDownloadCount bumps the monotonic download counter and returns the new value.
func (s *Store) IncrementDownloadCount(ctx context.Context, id string) (int64, error) {
	var count int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE games SET download_count = download_count + 1 WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("increment download count: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("game %s: %w", id, pipeline.ErrNotFound)
		}
		if err := tx.QueryRowContext(ctx, "SELECT download_count FROM games WHERE id = ?", id).Scan(&count); err != nil {
			return fmt.Errorf("read download count: %w", err)
		}
		return nil
	})
	return count, err
}

// RemoveDownloadLink drops a link and its health record. This is the only
// path that shortens a game's link sequence.
func (s *Store) RemoveDownloadLink(ctx context.Context, id, url string, now time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		game, err := getGame(ctx, tx, id)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(game.DownloadLinks, func(l pipeline.DownloadLink) bool { return l.URL == url })
		if idx < 0 {
			return fmt.Errorf("link %s on game %s: %w", url, id, pipeline.ErrNotFound)
		}
		game.DownloadLinks = slices.Delete(game.DownloadLinks, idx, idx+1)
		game.UpdatedAt = now
		if err := updateGame(ctx, tx, game); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM link_health WHERE game_id = ? AND url = ?", id, url); err != nil {
			return fmt.Errorf("delete link health: %w", err)
		}
		return nil
	})
}

func classifyLinks(raw []string, now time.Time) []pipeline.DownloadLink {
	links := make([]pipeline.DownloadLink, 0, len(raw))
	seen := map[string]bool{}
	for _, url := range raw {
		kind, ok := pipeline.ClassifyLink(url)
		if !ok || seen[url] {
			continue
		}
		seen[url] = true
		links = append(links, pipeline.DownloadLink{URL: url, Kind: kind, AddedAt: now})
	}
	return links
}
