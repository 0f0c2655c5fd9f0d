package pipeline

import (
	"context"
	"io"
	"time"
)

// GameStore persists game records and the seen-post mapping.
type GameStore interface {
	DedupSnapshot(ctx context.Context) (DedupSnapshot, error)
	CommitFeedItem(ctx context.Context, ingest Ingest, now time.Time) (CommitResult, error)
	GetGame(ctx context.Context, id string) (GameRecord, error)
	ListGames(ctx context.Context) ([]GameRecord, error)
	UpdateMetadata(ctx context.Context, id string, md Metadata, now time.Time) error
	MarkEnrichAttempt(ctx context.Context, id string, now time.Time) error
	IncrementDownloadCount(ctx context.Context, id string) (int64, error)
	RemoveDownloadLink(ctx context.Context, id, url string, now time.Time) error
}

// TaskStore persists download resolution tasks.
type TaskStore interface {
	EnqueueTask(ctx context.Context, task QueueTask) (QueueTask, bool, error)
	ClaimNextTask(ctx context.Context, now time.Time) (QueueTask, bool, error)
	CompleteTask(ctx context.Context, taskID string, artifact Artifact, now time.Time) (bool, error)
	RetryTask(ctx context.Context, taskID string, attempt int, notBefore time.Time, lastErr string, now time.Time) error
	FailTask(ctx context.Context, taskID string, attempt int, lastErr string, now time.Time) error
	ResetInProgress(ctx context.Context, now time.Time) (int, error)
	ListTasks(ctx context.Context, states ...TaskState) ([]QueueTask, error)
}

// HealthStore persists link health records.
type HealthStore interface {
	ListLinks(ctx context.Context) (map[string][]DownloadLink, error)
	UpdateHealth(ctx context.Context, gameID, url string, fn func(*LinkHealthRecord)) (LinkHealthRecord, error)
	ListHealth(ctx context.Context, statuses ...HealthStatus) ([]LinkHealthRecord, error)
}

// Dataset is one named record set exported into a snapshot.
type Dataset struct {
	Name    string
	Records any
	Count   int
	// Corrupt lists the rows left out of Records because they could not be read.
	Corrupt []CorruptRecord
}

// CorruptRecord identifies an unreadable stored row.
type CorruptRecord struct {
	Table string `json:"table"`
	Key   string `json:"key"`
	Error string `json:"error"`
}

// Exporter serializes a durable store for snapshots.
type Exporter interface {
	Export(ctx context.Context) ([]Dataset, error)
}

// Store is the full Record Store surface.
type Store interface {
	GameStore
	TaskStore
	HealthStore
	Exporter
}

// FeedSource fetches the current feed.
type FeedSource interface {
	Fetch(ctx context.Context) ([]FeedItem, error)
}

// Catalog looks up structured metadata by title. Implementations return
// ErrNotFound when the catalog has no match.
type Catalog interface {
	Name() string
	Lookup(ctx context.Context, title string) (Metadata, error)
}

// Enricher resolves a title to canonical metadata.
type Enricher interface {
	Enrich(ctx context.Context, title string) (Metadata, error)
}

// Resolver turns raw links into a final artifact.
type Resolver interface {
	Resolve(ctx context.Context, rawLinks []string) (Artifact, error)
}

// Prober checks whether a published link is still reachable.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// Publisher pushes delivery events to a transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notifier emits the delivery events the chat collaborator renders.
type Notifier interface {
	GamePosted(ctx context.Context, game GameRecord)
	LinkResolved(ctx context.Context, gameID, url string)
	LinkBroken(ctx context.Context, gameID, url string)
}

// Enqueuer accepts resolution work.
type Enqueuer interface {
	Enqueue(ctx context.Context, gameID string, rawLinks []string) (QueueTask, bool, error)
}

// ArchiveSink stores snapshot archives.
type ArchiveSink interface {
	Name() string
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Hasher computes digests for archive integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
