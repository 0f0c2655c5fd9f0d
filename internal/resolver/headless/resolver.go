// Package headless resolves raw release links into final download artifacts.
// Links that already point at an artifact are returned as-is; hoster pages
// are driven through a browser automation session.
package headless

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// Engine runs one automation session against a hoster page.
type Engine interface {
	Session(ctx context.Context, pageURL string) (pipeline.Artifact, error)
}

// Resolver implements pipeline.Resolver.
type Resolver struct {
	engine Engine
	logger *zap.Logger
}

var _ pipeline.Resolver = (*Resolver)(nil)

// NewResolver builds a Resolver. A nil engine disables hoster resolution.
func NewResolver(engine Engine, logger *zap.Logger) *Resolver {
	if engine == nil {
		engine = NewNoop()
	}
	return &Resolver{engine: engine, logger: logging.OrNop(logger).Named("resolver")}
}

// artifact preference when a task carries several usable links.
var preference = map[pipeline.LinkKind]int{
	pipeline.LinkKindMagnet:  0,
	pipeline.LinkKindDirect:  1,
	pipeline.LinkKindTorrent: 2,
}

// Resolve returns the best artifact for rawLinks. Magnet, direct and torrent
// links resolve without a browser; hoster pages are tried in order until one
// session yields an artifact.
func (r *Resolver) Resolve(ctx context.Context, rawLinks []string) (pipeline.Artifact, error) {
	var (
		best    pipeline.Artifact
		bestPri = len(preference)
		hosters []string
	)
	for _, raw := range rawLinks {
		kind, ok := pipeline.ClassifyLink(raw)
		if !ok {
			continue
		}
		if pri, direct := preference[kind]; direct {
			if pri < bestPri {
				best, bestPri = pipeline.Artifact{URL: raw, Kind: kind}, pri
			}
			continue
		}
		if pipeline.NeedsAutomation(kind) {
			hosters = append(hosters, raw)
		}
	}
	if best.URL != "" {
		return best, nil
	}
	if len(hosters) == 0 {
		return pipeline.Artifact{}, pipeline.ErrNoArtifact
	}

	var errs []error
	for _, page := range hosters {
		artifact, err := r.engine.Session(ctx, page)
		if err == nil && artifact.URL != "" {
			r.logger.Debug("hoster resolved", zap.String("page", page), zap.String("url", artifact.URL))
			return artifact, nil
		}
		if err == nil {
			err = pipeline.ErrNoArtifact
		}
		errs = append(errs, fmt.Errorf("%s: %w", page, err))
		if ctx.Err() != nil {
			break
		}
	}
	return pipeline.Artifact{}, errors.Join(errs...)
}
