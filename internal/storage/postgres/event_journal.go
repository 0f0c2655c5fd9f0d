// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// DefaultTable receives journal rows when no table is configured.
const DefaultTable = "release_events"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JournalConfig controls the Postgres connection pool used for the event journal.
type JournalConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// EventJournal appends delivery events to a Postgres table so downstream
// collaborators can replay what the pipeline announced.
type EventJournal struct {
	pool  execCloser
	table string
}

// NewEventJournal connects to Postgres using the provided config.
func NewEventJournal(ctx context.Context, cfg JournalConfig) (*EventJournal, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("journal.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	journal, err := NewEventJournalWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return journal, nil
}

// NewEventJournalWithPool constructs a journal from an existing pool (primarily for testing).
func NewEventJournalWithPool(pool execCloser, table string) (*EventJournal, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EventJournal{pool: pool, table: table}, nil
}

// EnsureSchema creates the journal table if it does not exist.
func (j *EventJournal) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	game_id     TEXT NOT NULL,
	url         TEXT NOT NULL DEFAULT '',
	payload     JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
)`, j.table)
	if _, err := j.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (j *EventJournal) Close() {
	if j == nil || j.pool == nil {
		return
	}
	j.pool.Close()
}

// Append inserts one event. Re-appending the same event id is a no-op.
func (j *EventJournal) Append(ctx context.Context, event pipeline.Event) error {
	if j == nil || j.pool == nil {
		return fmt.Errorf("event journal is not configured")
	}
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	event_type,
	game_id,
	url,
	payload,
	occurred_at
) VALUES (
	$1,$2,$3,$4,$5,$6
) ON CONFLICT (id) DO NOTHING`, j.table)

	args := []any{
		event.ID,
		string(event.Type),
		event.GameID,
		event.URL,
		payload,
		event.OccurredAt,
	}
	if _, err := j.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
