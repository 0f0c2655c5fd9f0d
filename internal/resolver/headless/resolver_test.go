package headless

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

type fakeEngine struct {
	mu      sync.Mutex
	visited []string
	results map[string]pipeline.Artifact
}

func (e *fakeEngine) Session(_ context.Context, pageURL string) (pipeline.Artifact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.visited = append(e.visited, pageURL)
	if artifact, ok := e.results[pageURL]; ok {
		return artifact, nil
	}
	return pipeline.Artifact{}, errors.New("download button missing")
}

func TestResolvePrefersLinksThatNeedNoBrowser(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	r := NewResolver(engine, zap.NewNop())

	artifact, err := r.Resolve(context.Background(), []string{
		"https://hoster.example/file/abc",
		"https://cdn.example/game.rar",
		"magnet:?xt=urn:btih:0123456789abcdef",
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.LinkKindMagnet, artifact.Kind)
	require.Empty(t, engine.visited)
}

func TestResolveDrivesHostersInOrder(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{results: map[string]pipeline.Artifact{
		"https://second.example/f/2": {URL: "https://cdn.second.example/game.7z", Kind: pipeline.LinkKindDirect},
	}}
	r := NewResolver(engine, zap.NewNop())

	artifact, err := r.Resolve(context.Background(), []string{
		"https://store.steampowered.com/app/1",
		"https://first.example/f/1",
		"https://second.example/f/2",
	})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.second.example/game.7z", artifact.URL)
	require.Equal(t, []string{"https://first.example/f/1", "https://second.example/f/2"}, engine.visited)
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	r := NewResolver(&fakeEngine{}, zap.NewNop())

	_, err := r.Resolve(context.Background(), []string{"https://store.steampowered.com/app/1", "not a url"})
	require.ErrorIs(t, err, pipeline.ErrNoArtifact)

	_, err = r.Resolve(context.Background(), []string{"https://hoster.example/a"})
	require.ErrorContains(t, err, "download button missing")

	_, err = NewResolver(nil, nil).Resolve(context.Background(), []string{"https://hoster.example/a"})
	require.ErrorIs(t, err, ErrEngineUnavailable)
}
