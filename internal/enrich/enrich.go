// Package enrich resolves titles to catalog metadata by querying an ordered
// list of catalogs.
//
// The first catalog that answers provides the primary record. Later catalogs
// are consulted only while supplementary fields (cover, trailer, scores,
// genres, platforms, summary) are still missing, and only fill the gaps.
// Every successful catalog contributes its external id.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// DefaultTimeout bounds each catalog call when none is configured.
const DefaultTimeout = 10 * time.Second

// Chain tries catalogs in priority order.
type Chain struct {
	catalogs []pipeline.Catalog
	timeout  time.Duration
	logger   *zap.Logger
}

var _ pipeline.Enricher = (*Chain)(nil)

// NewChain builds a Chain. A non-positive timeout uses DefaultTimeout.
func NewChain(catalogs []pipeline.Catalog, timeout time.Duration, logger *zap.Logger) *Chain {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{catalogs: catalogs, timeout: timeout, logger: logger.Named("enrich")}
}

// Enrich returns the merged metadata for title. When no catalog answers it
// returns empty metadata and an error wrapping ErrNotFound if every catalog
// missed, or the joined catalog errors otherwise. Callers treat both as
// best-effort misses.
func (c *Chain) Enrich(ctx context.Context, title string) (pipeline.Metadata, error) {
	var (
		merged pipeline.Metadata
		found  bool
		errs   []error
	)
	for _, catalog := range c.catalogs {
		if found && !needsSupplement(merged) {
			break
		}
		md, err := c.lookup(ctx, catalog, title)
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.Metadata{}, fmt.Errorf("enrich %q: %w", title, ctx.Err())
			}
			errs = append(errs, fmt.Errorf("%s: %w", catalog.Name(), err))
			continue
		}
		if !found {
			merged = md
			found = true
			continue
		}
		merged = supplement(merged, md)
	}
	if found {
		return merged, nil
	}
	if len(errs) == 0 {
		return pipeline.Metadata{}, fmt.Errorf("enrich %q: no catalogs configured: %w", title, pipeline.ErrNotFound)
	}
	allMissed := true
	for _, err := range errs {
		if !errors.Is(err, pipeline.ErrNotFound) {
			allMissed = false
			break
		}
	}
	if allMissed {
		return pipeline.Metadata{}, fmt.Errorf("enrich %q: %w", title, pipeline.ErrNotFound)
	}
	return pipeline.Metadata{}, fmt.Errorf("enrich %q: %w", title, errors.Join(errs...))
}

func (c *Chain) lookup(ctx context.Context, catalog pipeline.Catalog, title string) (pipeline.Metadata, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	md, err := catalog.Lookup(callCtx, title)
	switch {
	case err == nil:
		metrics.ObserveCatalogLookup(catalog.Name(), "hit")
		return md, nil
	case errors.Is(err, pipeline.ErrNotFound):
		metrics.ObserveCatalogLookup(catalog.Name(), "miss")
		c.logger.Debug("catalog has no match", zap.String("catalog", catalog.Name()), zap.String("title", title))
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ObserveCatalogLookup(catalog.Name(), "timeout")
		c.logger.Warn("catalog lookup timed out, falling back",
			zap.String("catalog", catalog.Name()), zap.String("title", title), zap.Duration("timeout", c.timeout))
	default:
		metrics.ObserveCatalogLookup(catalog.Name(), "error")
		c.logger.Warn("catalog lookup failed, falling back",
			zap.String("catalog", catalog.Name()), zap.String("title", title), zap.Error(err))
	}
	return pipeline.Metadata{}, err
}

func needsSupplement(md pipeline.Metadata) bool {
	return md.TrailerURL == "" || md.CoverURL == "" || md.Summary == "" ||
		md.CriticScore == 0 || md.UserScore == 0 ||
		len(md.Genres) == 0 || len(md.Platforms) == 0
}

// supplement fills fields missing from primary with values from extra.
func supplement(primary, extra pipeline.Metadata) pipeline.Metadata {
	if primary.Name == "" {
		primary.Name = extra.Name
	}
	if primary.Summary == "" {
		primary.Summary = extra.Summary
	}
	if primary.CoverURL == "" {
		primary.CoverURL = extra.CoverURL
	}
	if primary.TrailerURL == "" {
		primary.TrailerURL = extra.TrailerURL
	}
	if primary.CriticScore == 0 {
		primary.CriticScore = extra.CriticScore
	}
	if primary.UserScore == 0 {
		primary.UserScore = extra.UserScore
	}
	if len(primary.Genres) == 0 {
		primary.Genres = extra.Genres
	}
	if len(primary.Platforms) == 0 {
		primary.Platforms = extra.Platforms
	}
	if len(extra.ExternalIDs) > 0 {
		ids := make(map[string]string, len(primary.ExternalIDs)+len(extra.ExternalIDs))
		maps.Copy(ids, extra.ExternalIDs)
		maps.Copy(ids, primary.ExternalIDs)
		primary.ExternalIDs = ids
	}
	return primary
}
