// Package backup writes point-in-time snapshots of every durable store to
// rotating, chronologically named archives.
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
	"github.com/JakeFAU/release-pipeline/internal/telemetry"
)

const (
	// NamePrefix starts every archive name.
	NamePrefix = "snapshot-"
	// NameSuffix ends every archive name.
	NameSuffix = ".tar.gz"
	// ManifestName is the archive member describing the other members.
	ManifestName = "manifest.json"

	timeLayout       = "20060102T150405Z"
	archiveMediaType = "application/gzip"
	defaultRetention = 7
)

// Config controls Manager behavior.
type Config struct {
	// Retention is the number of archives kept per sink.
	Retention int
}

// Manifest is written into every archive as manifest.json.
type Manifest struct {
	CreatedAt time.Time       `json:"created_at"`
	Datasets  []ManifestEntry `json:"datasets"`
}

// ManifestEntry describes one dataset member of an archive.
type ManifestEntry struct {
	Name    string                   `json:"name"`
	File    string                   `json:"file"`
	Count   int                      `json:"count"`
	Size    int64                    `json:"size"`
	SHA256  string                   `json:"sha256"`
	Corrupt []pipeline.CorruptRecord `json:"corrupt,omitempty"`
}

// Manager takes snapshots and enforces retention.
type Manager struct {
	sources []pipeline.Exporter
	primary pipeline.ArchiveSink
	mirrors []pipeline.ArchiveSink
	hasher  pipeline.Hasher
	clock   pipeline.Clock
	cfg     Config
	logger  *zap.Logger

	mu sync.Mutex
}

// New constructs a Manager. The primary sink must accept every snapshot;
// mirror failures are logged only.
func New(
	sources []pipeline.Exporter,
	primary pipeline.ArchiveSink,
	mirrors []pipeline.ArchiveSink,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Manager{
		sources: sources,
		primary: primary,
		mirrors: mirrors,
		hasher:  hasher,
		clock:   clock,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("backup"),
	}
}

// ArchiveName returns the archive name for a snapshot taken at t.
func ArchiveName(t time.Time) string {
	return NamePrefix + t.UTC().Format(timeLayout) + NameSuffix
}

// ParseArchiveName extracts the snapshot time from an archive name.
func ParseArchiveName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, NamePrefix) || !strings.HasSuffix(name, NameSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, NamePrefix), NameSuffix)
	t, err := time.Parse(timeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Snapshot exports every source into one archive, writes it to every sink,
// and then prunes old archives. Snapshots are serialized; two snapshots in
// the same second share a name and the later one wins.
func (m *Manager) Snapshot(ctx context.Context) (snap pipeline.BackupSnapshot, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := telemetry.Start(ctx, "backup.snapshot")
	defer func() { telemetry.End(span, err) }()
	defer func() {
		if err != nil {
			metrics.ObserveBackup("error", 0)
			m.logger.Error("snapshot failed", zap.Error(err))
		}
	}()

	createdAt := m.clock.Now().UTC().Truncate(time.Second)
	name := ArchiveName(createdAt)

	datasets, err := m.export(ctx)
	if err != nil {
		return pipeline.BackupSnapshot{}, err
	}
	data, checksum, err := m.build(createdAt, datasets)
	if err != nil {
		return pipeline.BackupSnapshot{}, err
	}
	span.SetAttributes(attribute.String("archive", name), attribute.Int("size_bytes", len(data)))

	uri, err := m.primary.PutObject(ctx, name, archiveMediaType, bytes.NewReader(data))
	if err != nil {
		return pipeline.BackupSnapshot{}, fmt.Errorf("write archive to %s: %w", m.primary.Name(), err)
	}
	for _, mirror := range m.mirrors {
		if _, mErr := mirror.PutObject(ctx, name, archiveMediaType, bytes.NewReader(data)); mErr != nil {
			m.logger.Warn("failed to mirror archive", zap.String("sink", mirror.Name()), zap.Error(mErr))
		}
	}

	snap = pipeline.BackupSnapshot{
		Name:      name,
		CreatedAt: createdAt,
		Path:      uri,
		SizeBytes: int64(len(data)),
		Checksum:  checksum,
	}
	metrics.ObserveBackup("ok", snap.SizeBytes)
	m.logger.Info("snapshot written",
		zap.String("name", name),
		zap.String("path", uri),
		zap.Int64("size_bytes", snap.SizeBytes),
	)

	if _, pErr := m.prune(ctx); pErr != nil {
		m.logger.Warn("retention pass failed", zap.Error(pErr))
	}
	return snap, nil
}

// Prune evicts archives beyond the retention count from every sink, oldest
// first, and returns the evicted names.
func (m *Manager) Prune(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prune(ctx)
}

func (m *Manager) prune(ctx context.Context) ([]string, error) {
	var (
		evicted []string
		errs    []error
	)
	for _, sink := range m.sinks() {
		names, err := m.archives(ctx, sink)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		excess := len(names) - m.cfg.Retention
		for i := 0; i < excess; i++ {
			if err := sink.DeleteObject(ctx, names[i]); err != nil {
				errs = append(errs, fmt.Errorf("evict %s from %s: %w", names[i], sink.Name(), err))
				continue
			}
			evicted = append(evicted, names[i])
			m.logger.Info("archive evicted", zap.String("sink", sink.Name()), zap.String("name", names[i]))
		}
	}
	return evicted, errors.Join(errs...)
}

// List returns the archives held by the primary sink, oldest first.
func (m *Manager) List(ctx context.Context) ([]pipeline.BackupSnapshot, error) {
	names, err := m.archives(ctx, m.primary)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.BackupSnapshot, 0, len(names))
	for _, name := range names {
		createdAt, _ := ParseArchiveName(name)
		out = append(out, pipeline.BackupSnapshot{Name: name, CreatedAt: createdAt, Path: name})
	}
	return out, nil
}

func (m *Manager) sinks() []pipeline.ArchiveSink {
	return append([]pipeline.ArchiveSink{m.primary}, m.mirrors...)
}

// archives lists well-formed archive names on sink in chronological order.
func (m *Manager) archives(ctx context.Context, sink pipeline.ArchiveSink) ([]string, error) {
	names, err := sink.ListObjects(ctx, NamePrefix)
	if err != nil {
		return nil, fmt.Errorf("list archives on %s: %w", sink.Name(), err)
	}
	out := names[:0]
	for _, name := range names {
		if _, ok := ParseArchiveName(name); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) export(ctx context.Context) ([]pipeline.Dataset, error) {
	var all []pipeline.Dataset
	seen := make(map[string]bool)
	for _, src := range m.sources {
		datasets, err := src.Export(ctx)
		if err != nil {
			return nil, fmt.Errorf("export datasets: %w", err)
		}
		for _, ds := range datasets {
			if seen[ds.Name] {
				return nil, fmt.Errorf("duplicate dataset %q", ds.Name)
			}
			seen[ds.Name] = true
			all = append(all, ds)
		}
	}
	return all, nil
}

// build renders datasets as a gzipped tar with one JSON member per dataset
// plus the manifest, returning the archive bytes and their SHA-256.
func (m *Manager) build(createdAt time.Time, datasets []pipeline.Dataset) ([]byte, string, error) {
	var buf bytes.Buffer
	digest := sha256.NewWriter(&buf)
	gz := gzip.NewWriter(digest)
	tw := tar.NewWriter(gz)

	manifest := Manifest{CreatedAt: createdAt}
	for _, ds := range datasets {
		body, err := json.MarshalIndent(ds.Records, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode dataset %s: %w", ds.Name, err)
		}
		sum, err := m.hasher.Hash(body)
		if err != nil {
			return nil, "", fmt.Errorf("hash dataset %s: %w", ds.Name, err)
		}
		file := ds.Name + ".json"
		if err := writeMember(tw, file, body, createdAt); err != nil {
			return nil, "", err
		}
		manifest.Datasets = append(manifest.Datasets, ManifestEntry{
			Name:    ds.Name,
			File:    file,
			Count:   ds.Count,
			Size:    int64(len(body)),
			SHA256:  sum,
			Corrupt: ds.Corrupt,
		})
		if len(ds.Corrupt) > 0 {
			m.logger.Warn("snapshot omits unreadable records",
				zap.String("dataset", ds.Name), zap.Int("corrupt", len(ds.Corrupt)))
		}
	}

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeMember(tw, ManifestName, body, createdAt); err != nil {
		return nil, "", err
	}
	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), digest.Sum(), nil
}

func writeMember(tw *tar.Writer, name string, body []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(body)),
		ModTime: modTime,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(body); err != nil {
		return fmt.Errorf("write member %s: %w", name, err)
	}
	return nil
}
