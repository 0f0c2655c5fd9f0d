package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

const healthColumns = `game_id, url, last_checked_at, consecutive_failures, status, status_changed_at, last_error`

func scanHealth(row rowScanner) (pipeline.LinkHealthRecord, error) {
	var (
		rec                  pipeline.LinkHealthRecord
		status               string
		checkedAt, changedAt string
	)
	if err := row.Scan(&rec.GameID, &rec.URL, &checkedAt, &rec.ConsecutiveFailures, &status, &changedAt, &rec.LastError); err != nil {
		return pipeline.LinkHealthRecord{}, err
	}
	rec.Status = pipeline.HealthStatus(status)
	var err error
	if rec.LastCheckedAt, err = parseTime(checkedAt); err != nil {
		return pipeline.LinkHealthRecord{}, pipeline.Corrupt("link_health", rec.GameID+" "+rec.URL, err)
	}
	if rec.StatusChangedAt, err = parseTime(changedAt); err != nil {
		return pipeline.LinkHealthRecord{}, pipeline.Corrupt("link_health", rec.GameID+" "+rec.URL, err)
	}
	return rec, nil
}

// ListLinks returns the current link set of every active game, keyed by game id.
func (s *Store) ListLinks(ctx context.Context) (map[string][]pipeline.DownloadLink, error) {
	games, err := s.ListGames(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]pipeline.DownloadLink, len(games))
	for _, game := range games {
		if game.Status != pipeline.GameStatusActive || len(game.DownloadLinks) == 0 {
			continue
		}
		out[game.ID] = game.DownloadLinks
	}
	return out, nil
}

// UpdateHealth applies fn to the health record of (gameID, url) under the
// write lock and persists the result. A missing record starts Healthy.
func (s *Store) UpdateHealth(
	ctx context.Context,
	gameID, url string,
	fn func(*pipeline.LinkHealthRecord),
) (pipeline.LinkHealthRecord, error) {
	var rec pipeline.LinkHealthRecord
	err := s.write(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+healthColumns+" FROM link_health WHERE game_id = ? AND url = ?", gameID, url)
		current, err := scanHealth(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = pipeline.LinkHealthRecord{GameID: gameID, URL: url, Status: pipeline.HealthHealthy}
		case err != nil:
			return fmt.Errorf("load link health: %w", err)
		}
		fn(&current)
		current.GameID, current.URL = gameID, url
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO link_health (`+healthColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT (game_id, url) DO UPDATE SET
                 last_checked_at = excluded.last_checked_at,
                 consecutive_failures = excluded.consecutive_failures,
                 status = excluded.status,
                 status_changed_at = excluded.status_changed_at,
                 last_error = excluded.last_error`,
			current.GameID, current.URL, formatTime(current.LastCheckedAt), current.ConsecutiveFailures,
			string(current.Status), formatTime(current.StatusChangedAt), current.LastError,
		); err != nil {
			return fmt.Errorf("upsert link health: %w", err)
		}
		rec = current
		return nil
	})
	if err != nil {
		return pipeline.LinkHealthRecord{}, fmt.Errorf("update health %s %s: %w", gameID, url, err)
	}
	return rec, nil
}

// ListHealth returns health records with the given statuses (all when none are given).
func (s *Store) ListHealth(ctx context.Context, statuses ...pipeline.HealthStatus) ([]pipeline.LinkHealthRecord, error) {
	query := "SELECT " + healthColumns + " FROM link_health"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY game_id, url"

	records, corrupt, err := s.listHealth(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, cErr := range corrupt {
		s.logger.Error("skipping corrupt link health record", zap.Error(cErr))
	}
	return records, nil
}

func (s *Store) listHealth(ctx context.Context, query string, args ...any) ([]pipeline.LinkHealthRecord, []error, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query link health: %w", err)
	}
	defer rows.Close()
	var (
		records []pipeline.LinkHealthRecord
		corrupt []error
	)
	for rows.Next() {
		rec, scanErr := scanHealth(rows)
		if scanErr != nil {
			if errors.Is(scanErr, pipeline.ErrStoreCorruption) {
				corrupt = append(corrupt, scanErr)
				continue
			}
			return nil, nil, fmt.Errorf("scan link health: %w", scanErr)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate link health: %w", err)
	}
	return records, corrupt, nil
}
