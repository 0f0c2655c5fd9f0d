package pipeline

import (
	"time"
)

// FeedItem is one normalized entry from the release feed. It is never persisted standalone.
type FeedItem struct {
	SourceID    string    `json:"source_id"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
	RawLinks    []string  `json:"raw_links"`
}

// GameStatus is the lifecycle state of a GameRecord.
type GameStatus string

// Game status values.
const (
	GameStatusActive   GameStatus = "active"
	GameStatusArchived GameStatus = "archived"
)

// LinkKind classifies a download link.
type LinkKind string

// Link kinds.
const (
	LinkKindMagnet  LinkKind = "magnet"
	LinkKindTorrent LinkKind = "torrent"
	LinkKindStore   LinkKind = "store"
	LinkKindHoster  LinkKind = "hoster"
	LinkKindDirect  LinkKind = "direct"
)

// DownloadLink is one entry of a game's append-only link sequence.
type DownloadLink struct {
	URL     string    `json:"url"`
	Kind    LinkKind  `json:"kind"`
	AddedAt time.Time `json:"added_at"`
}

// Metadata holds best-effort catalog data for a game.
type Metadata struct {
	Name        string            `json:"name,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Genres      []string          `json:"genres,omitempty"`
	Platforms   []string          `json:"platforms,omitempty"`
	CoverURL    string            `json:"cover_url,omitempty"`
	TrailerURL  string            `json:"trailer_url,omitempty"`
	CriticScore float64           `json:"critic_score,omitempty"`
	UserScore   float64           `json:"user_score,omitempty"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
}

// IsEmpty reports whether no catalog has contributed any data yet.
func (m Metadata) IsEmpty() bool {
	return m.Name == "" && m.Summary == "" && len(m.Genres) == 0 &&
		len(m.Platforms) == 0 && m.CoverURL == "" && len(m.ExternalIDs) == 0
}

// GameRecord is the durable record for one distinct title.
type GameRecord struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Aliases       []string       `json:"aliases"`
	Metadata      Metadata       `json:"metadata"`
	DownloadLinks []DownloadLink `json:"download_links"`
	Status        GameStatus     `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DownloadCount int64          `json:"download_count"`

	// EnrichAttemptedAt is the last time a catalog lookup ran for this game.
	EnrichAttemptedAt time.Time `json:"enrich_attempted_at"`
}

// HasLink reports whether url is already part of the record's link sequence.
func (g GameRecord) HasLink(url string) bool {
	for _, link := range g.DownloadLinks {
		if link.URL == url {
			return true
		}
	}
	return false
}

// SeenPost maps a feed sourceId to the game it was ingested into.
type SeenPost struct {
	SourceID    string    `json:"source_id"`
	GameID      string    `json:"game_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// TaskState is the lifecycle state of a QueueTask.
type TaskState string

// Task states.
const (
	TaskStatePending    TaskState = "pending"
	TaskStateInProgress TaskState = "in_progress"
	TaskStateResolved   TaskState = "resolved"
	TaskStateFailed     TaskState = "failed"
)

// QueueTask is one download resolution unit of work.
type QueueTask struct {
	ID         string    `json:"id"`
	GameID     string    `json:"game_id"`
	RawLinks   []string  `json:"raw_links"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	State      TaskState `json:"state"`
	NotBefore  time.Time `json:"not_before"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HealthStatus is the reachability state of a published link.
type HealthStatus string

// Health statuses.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthBroken   HealthStatus = "broken"
)

// LinkHealthRecord tracks probing results for one (gameId, url) pair.
type LinkHealthRecord struct {
	GameID              string       `json:"game_id"`
	URL                 string       `json:"url"`
	LastCheckedAt       time.Time    `json:"last_checked_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Status              HealthStatus `json:"status"`
	StatusChangedAt     time.Time    `json:"status_changed_at"`
	LastError           string       `json:"last_error,omitempty"`
}

// BackupSnapshot describes one archive written by the snapshot manager.
type BackupSnapshot struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum,omitempty"`
}

// CommitResult reports what CommitFeedItem did with a feed entry.
type CommitResult struct {
	Decision Decision
	Game     GameRecord
	// AddedLinks lists raw links that were not already on the record.
	AddedLinks []string
}

// Report summarizes items needing administrative follow-up.
type Report struct {
	FailedTasks []QueueTask        `json:"failed_tasks"`
	BrokenLinks []LinkHealthRecord `json:"broken_links"`
}

// DecisionKind is the outcome of the dedup gate for one feed item.
type DecisionKind string

// Decision kinds.
const (
	DecisionNew            DecisionKind = "new"
	DecisionDuplicatePost  DecisionKind = "duplicate_post"
	DecisionUpdateExisting DecisionKind = "update_existing"
)

// Decision is the classification of a feed item against a store snapshot.
type Decision struct {
	Kind DecisionKind
	// GameID is the matched game for duplicates and updates, and the id to
	// create for new items.
	GameID string
	// Alias is the normalized title the item was classified under.
	Alias string
	Score float64
}

// Candidate is the dedup view of one GameRecord.
type Candidate struct {
	GameID    string
	Aliases   []string
	UpdatedAt time.Time
}

// DedupSnapshot is a point-in-time view of the store used by the dedup gate.
type DedupSnapshot struct {
	Seen  map[string]string
	Games []Candidate
}

// Ingest carries everything needed to durably record one feed item.
type Ingest struct {
	Item     FeedItem
	Decision Decision
	// Title is the display title with release suffixes removed.
	Title    string
	Metadata *Metadata
	// Enriched reports that a catalog lookup ran, whatever its result.
	Enriched bool
}

// Artifact is the result of a successful resolution.
type Artifact struct {
	URL  string
	Kind LinkKind
}

// EventType names a delivery event.
type EventType string

// Delivery events consumed by the chat collaborator.
const (
	EventGamePosted   EventType = "game_posted"
	EventLinkResolved EventType = "link_resolved"
	EventLinkBroken   EventType = "link_broken"
)

// Event is the payload handed to the delivery collaborator.
type Event struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	GameID     string      `json:"game_id"`
	URL        string      `json:"url,omitempty"`
	Game       *GameRecord `json:"game,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}
