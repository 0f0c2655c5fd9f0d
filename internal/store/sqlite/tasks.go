package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

const maxQuarantinedPayload = 512

const taskColumns = `id, game_id, raw_links_json, attempt, state, enqueued_at, not_before, last_error, updated_at`

func scanTask(row rowScanner) (pipeline.QueueTask, error) {
	var (
		task                             pipeline.QueueTask
		rawLinks, state                  string
		enqueuedAt, notBefore, updatedAt string
	)
	if err := row.Scan(&task.ID, &task.GameID, &rawLinks, &task.Attempt, &state, &enqueuedAt, &notBefore, &task.LastError, &updatedAt); err != nil {
		return pipeline.QueueTask{}, err
	}
	task.State = pipeline.TaskState(state)
	corrupt := func(err error) (pipeline.QueueTask, error) {
		return pipeline.QueueTask{}, pipeline.Corrupt("queue_tasks", task.ID, err)
	}
	if err := decodeInto(rawLinks, &task.RawLinks); err != nil {
		return corrupt(err)
	}
	var err error
	if task.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return corrupt(err)
	}
	if task.NotBefore, err = parseTime(notBefore); err != nil {
		return corrupt(err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return corrupt(err)
	}
	return task, nil
}

func getTask(ctx context.Context, q queryer, id string) (pipeline.QueueTask, error) {
	task, err := scanTask(q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM queue_tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.QueueTask{}, fmt.Errorf("task %s: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return pipeline.QueueTask{}, fmt.Errorf("load task %s: %w", id, err)
	}
	return task, nil
}

// EnqueueTask appends a Pending task unless the game already has one, in which
// case the Pending task absorbs the new raw links. While the game's task is
// InProgress, links it already carries coalesce into it; any others go to a
// Pending task that runs after it. The boolean reports whether a new task was
// created.
func (s *Store) EnqueueTask(ctx context.Context, task pipeline.QueueTask) (pipeline.QueueTask, bool, error) {
	if task.ID == "" || task.GameID == "" {
		return pipeline.QueueTask{}, false, fmt.Errorf("task id and game id are required")
	}
	var (
		out     pipeline.QueueTask
		created bool
	)
	err := s.write(ctx, func(tx *sql.Tx) error {
		pending, found, err := s.activeTask(ctx, tx, task.GameID, pipeline.TaskStatePending, task.EnqueuedAt)
		if err != nil {
			return err
		}
		if found {
			out = pending
			merged := mergeLinks(pending.RawLinks, task.RawLinks)
			if len(merged) == len(pending.RawLinks) {
				return nil
			}
			encoded, encErr := mustEncode("queue_tasks", pending.ID, merged)
			if encErr != nil {
				return encErr
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE queue_tasks SET raw_links_json = ?, updated_at = ? WHERE id = ?",
				encoded, formatTime(task.EnqueuedAt), pending.ID,
			); err != nil {
				return fmt.Errorf("merge task links: %w", err)
			}
			out.RawLinks = merged
			return nil
		}

		running, found, err := s.activeTask(ctx, tx, task.GameID, pipeline.TaskStateInProgress, task.EnqueuedAt)
		if err != nil {
			return err
		}
		if found {
			extra := missingLinks(running.RawLinks, task.RawLinks)
			if len(extra) == 0 {
				out = running
				return nil
			}
			task.RawLinks = extra
		}

		task.State = pipeline.TaskStatePending
		task.Attempt = 0
		if task.NotBefore.IsZero() {
			task.NotBefore = task.EnqueuedAt
		}
		task.UpdatedAt = task.EnqueuedAt
		if task.RawLinks == nil {
			task.RawLinks = []string{}
		}
		encoded, encErr := mustEncode("queue_tasks", task.ID, task.RawLinks)
		if encErr != nil {
			return encErr
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.GameID, encoded, task.Attempt, string(task.State),
			formatTime(task.EnqueuedAt), formatTime(task.NotBefore), task.LastError, formatTime(task.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		out = task
		created = true
		return nil
	})
	if err != nil {
		return pipeline.QueueTask{}, false, fmt.Errorf("enqueue task for %s: %w", task.GameID, err)
	}
	return out, created, nil
}

// activeTask loads the game's task in state. An unreadable task is failed and
// reported as absent.
func (s *Store) activeTask(
	ctx context.Context,
	tx *sql.Tx,
	gameID string,
	state pipeline.TaskState,
	now time.Time,
) (pipeline.QueueTask, bool, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM queue_tasks WHERE game_id = ? AND state = ? ORDER BY enqueued_at LIMIT 1",
		gameID, string(state))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.QueueTask{}, false, nil
	}
	var recErr *pipeline.RecordError
	if errors.As(err, &recErr) && recErr.Kind == pipeline.KindStoreCorruption {
		return pipeline.QueueTask{}, false, s.quarantineTask(ctx, tx, recErr, now)
	}
	if err != nil {
		return pipeline.QueueTask{}, false, fmt.Errorf("check %s task: %w", state, err)
	}
	return task, true, nil
}

// ClaimNextTask moves the oldest ready Pending task to InProgress. Tasks whose
// game already has an InProgress task are skipped. A ready task that cannot be
// read is marked Failed with the decode error and the next one is tried.
func (s *Store) ClaimNextTask(ctx context.Context, now time.Time) (pipeline.QueueTask, bool, error) {
	var (
		task  pipeline.QueueTask
		found bool
	)
	err := s.write(ctx, func(tx *sql.Tx) error {
		for {
			row := tx.QueryRowContext(ctx,
				`SELECT `+taskColumns+` FROM queue_tasks t
             WHERE t.state = 'pending' AND t.not_before <= ?
               AND NOT EXISTS (
                   SELECT 1 FROM queue_tasks x WHERE x.game_id = t.game_id AND x.state = 'in_progress'
               )
             ORDER BY t.enqueued_at, t.id
             LIMIT 1`,
				formatTime(now))
			claimed, err := scanTask(row)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			var recErr *pipeline.RecordError
			if errors.As(err, &recErr) && recErr.Kind == pipeline.KindStoreCorruption {
				if qErr := s.quarantineTask(ctx, tx, recErr, now); qErr != nil {
					return qErr
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("select ready task: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE queue_tasks SET state = 'in_progress', updated_at = ? WHERE id = ?",
				formatTime(now), claimed.ID,
			); err != nil {
				return fmt.Errorf("claim task %s: %w", claimed.ID, err)
			}
			claimed.State = pipeline.TaskStateInProgress
			claimed.UpdatedAt = now
			task = claimed
			found = true
			return nil
		}
	})
	if err != nil {
		return pipeline.QueueTask{}, false, err
	}
	return task, found, nil
}

// quarantineTask fails an unreadable task so it stops blocking the queue and
// shows up in the admin report. The unreadable columns are reset; the original
// payload is kept in last_error.
func (s *Store) quarantineTask(ctx context.Context, tx *sql.Tx, cause *pipeline.RecordError, now time.Time) error {
	var raw string
	if err := tx.QueryRowContext(ctx, "SELECT raw_links_json FROM queue_tasks WHERE id = ?", cause.Key).Scan(&raw); err != nil {
		return fmt.Errorf("load corrupt task %s: %w", cause.Key, err)
	}
	if len(raw) > maxQuarantinedPayload {
		raw = raw[:maxQuarantinedPayload]
	}
	lastErr := fmt.Sprintf("%v (raw_links_json=%q)", cause, raw)
	stamp := formatTime(now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_tasks SET state = 'failed', raw_links_json = '[]', last_error = ?,
             enqueued_at = ?, not_before = ?, updated_at = ?
         WHERE id = ?`,
		lastErr, stamp, stamp, stamp, cause.Key,
	); err != nil {
		return fmt.Errorf("quarantine task %s: %w", cause.Key, err)
	}
	s.logger.Error("failed unreadable resolution task",
		zap.String("table", cause.Table), zap.String("task_id", cause.Key), zap.Error(cause))
	metrics.ObserveCorruptRecord(cause.Table, "queue")
	return nil
}

// CompleteTask appends the artifact to the game's links and marks the task
// Resolved in one transaction. The boolean reports whether the link was new.
func (s *Store) CompleteTask(ctx context.Context, taskID string, artifact pipeline.Artifact, now time.Time) (bool, error) {
	appended := false
	err := s.write(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.State != pipeline.TaskStateInProgress {
			return fmt.Errorf("task %s is %s, not in progress", taskID, task.State)
		}
		game, err := getGame(ctx, tx, task.GameID)
		if err != nil {
			return err
		}
		if !game.HasLink(artifact.URL) {
			game.DownloadLinks = append(game.DownloadLinks, pipeline.DownloadLink{
				URL:     artifact.URL,
				Kind:    artifact.Kind,
				AddedAt: now,
			})
			game.UpdatedAt = now
			if err := updateGame(ctx, tx, game); err != nil {
				return err
			}
			appended = true
		}
		return setTaskState(ctx, tx, taskID, pipeline.TaskStateResolved, task.Attempt, "", now, nil)
	})
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return appended, nil
}

// RetryTask returns an InProgress task to the back of the queue, not to be
// claimed before notBefore. A Pending task enqueued for the same game while
// this one ran is folded into it.
func (s *Store) RetryTask(ctx context.Context, taskID string, attempt int, notBefore time.Time, lastErr string, now time.Time) error {
	err := s.write(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := s.foldPendingSibling(ctx, tx, task.ID, task.GameID, task.RawLinks, now); err != nil {
			return err
		}
		return setTaskState(ctx, tx, taskID, pipeline.TaskStatePending, attempt, lastErr, now, &notBefore)
	})
	if err != nil {
		return fmt.Errorf("retry task %s: %w", taskID, err)
	}
	return nil
}

// FailTask marks an InProgress task Failed; it is never retried automatically.
func (s *Store) FailTask(ctx context.Context, taskID string, attempt int, lastErr string, now time.Time) error {
	err := s.write(ctx, func(tx *sql.Tx) error {
		return setTaskState(ctx, tx, taskID, pipeline.TaskStateFailed, attempt, lastErr, now, nil)
	})
	if err != nil {
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}
	return nil
}

func setTaskState(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	state pipeline.TaskState,
	attempt int,
	lastErr string,
	now time.Time,
	notBefore *time.Time,
) error {
	var (
		res sql.Result
		err error
	)
	if notBefore != nil {
		res, err = tx.ExecContext(ctx,
			`UPDATE queue_tasks SET state = ?, attempt = ?, last_error = ?, updated_at = ?, enqueued_at = ?, not_before = ?
             WHERE id = ? AND state = 'in_progress'`,
			string(state), attempt, lastErr, formatTime(now), formatTime(now), formatTime(*notBefore), taskID)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE queue_tasks SET state = ?, attempt = ?, last_error = ?, updated_at = ?
             WHERE id = ? AND state = 'in_progress'`,
			string(state), attempt, lastErr, formatTime(now), taskID)
	}
	if err != nil {
		return fmt.Errorf("set task state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not in progress: %w", taskID, pipeline.ErrNotFound)
	}
	return nil
}

// ResetInProgress returns every InProgress task to Pending. It runs at startup
// before workers begin, recovering tasks orphaned by an unclean shutdown.
func (s *Store) ResetInProgress(ctx context.Context, now time.Time) (int, error) {
	reset := 0
	err := s.write(ctx, func(tx *sql.Tx) error {
		type orphan struct{ id, gameID, raw string }
		rows, err := tx.QueryContext(ctx, "SELECT id, game_id, raw_links_json FROM queue_tasks WHERE state = 'in_progress'")
		if err != nil {
			return fmt.Errorf("query in-progress tasks: %w", err)
		}
		var orphans []orphan
		for rows.Next() {
			var o orphan
			if err := rows.Scan(&o.id, &o.gameID, &o.raw); err != nil {
				rows.Close()
				return fmt.Errorf("scan in-progress task: %w", err)
			}
			orphans = append(orphans, o)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate in-progress tasks: %w", err)
		}

		for _, o := range orphans {
			var links []string
			if decodeErr := decodeInto(o.raw, &links); decodeErr != nil {
				recErr := &pipeline.RecordError{Kind: pipeline.KindStoreCorruption, Table: "queue_tasks", Key: o.id, Err: decodeErr}
				if err := s.quarantineTask(ctx, tx, recErr, now); err != nil {
					return err
				}
				continue
			}
			if err := s.foldPendingSibling(ctx, tx, o.id, o.gameID, links, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE queue_tasks SET state = 'pending', updated_at = ? WHERE id = ?",
				formatTime(now), o.id,
			); err != nil {
				return fmt.Errorf("reset task %s: %w", o.id, err)
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset in-progress tasks: %w", err)
	}
	return reset, nil
}

// foldPendingSibling moves the raw links of the game's other Pending task into
// taskID and deletes it, keeping one Pending task per game once taskID leaves
// InProgress.
func (s *Store) foldPendingSibling(ctx context.Context, tx *sql.Tx, taskID, gameID string, links []string, now time.Time) error {
	var siblingID, raw string
	err := tx.QueryRowContext(ctx,
		"SELECT id, raw_links_json FROM queue_tasks WHERE game_id = ? AND state = 'pending' AND id <> ?",
		gameID, taskID,
	).Scan(&siblingID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check pending sibling: %w", err)
	}
	var extra []string
	if decodeErr := decodeInto(raw, &extra); decodeErr != nil {
		recErr := &pipeline.RecordError{Kind: pipeline.KindStoreCorruption, Table: "queue_tasks", Key: siblingID, Err: decodeErr}
		return s.quarantineTask(ctx, tx, recErr, now)
	}
	merged := mergeLinks(links, extra)
	encoded, encErr := mustEncode("queue_tasks", taskID, merged)
	if encErr != nil {
		return encErr
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM queue_tasks WHERE id = ?", siblingID); err != nil {
		return fmt.Errorf("delete folded task %s: %w", siblingID, err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE queue_tasks SET raw_links_json = ? WHERE id = ?", encoded, taskID); err != nil {
		return fmt.Errorf("fold links into %s: %w", taskID, err)
	}
	return nil
}

// ListTasks returns tasks in the given states (all tasks when none are given), oldest first.
func (s *Store) ListTasks(ctx context.Context, states ...pipeline.TaskState) ([]pipeline.QueueTask, error) {
	query := "SELECT " + taskColumns + " FROM queue_tasks"
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += " WHERE state IN (" + placeholders(len(states)) + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY enqueued_at, id"

	tasks, corrupt, err := s.listTasks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, cErr := range corrupt {
		s.logger.Error("skipping corrupt task record", zap.Error(cErr))
	}
	return tasks, nil
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]pipeline.QueueTask, []error, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var (
		tasks   []pipeline.QueueTask
		corrupt []error
	)
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			if errors.Is(scanErr, pipeline.ErrStoreCorruption) {
				corrupt = append(corrupt, scanErr)
				continue
			}
			return nil, nil, fmt.Errorf("scan task: %w", scanErr)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, corrupt, nil
}

// missingLinks returns the links in extra that existing does not carry.
func missingLinks(existing, extra []string) []string {
	var out []string
	for _, link := range extra {
		if !slices.Contains(existing, link) && !slices.Contains(out, link) {
			out = append(out, link)
		}
	}
	return out
}

func mergeLinks(existing, extra []string) []string {
	out := slices.Clone(existing)
	for _, link := range extra {
		if !slices.Contains(out, link) {
			out = append(out, link)
		}
	}
	return out
}
