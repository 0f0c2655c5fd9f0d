package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// ErrEngineUnavailable is returned when no automation engine is configured.
var ErrEngineUnavailable = errors.New("automation engine not configured")

// Noop is an Engine that always fails, used when headless Chrome is disabled.
type Noop struct{}

// NewNoop creates a new Noop engine.
func NewNoop() *Noop {
	return &Noop{}
}

// Session always returns ErrEngineUnavailable.
func (Noop) Session(context.Context, string) (pipeline.Artifact, error) {
	return pipeline.Artifact{}, ErrEngineUnavailable
}
