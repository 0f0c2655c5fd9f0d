package rawg

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/games", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page_size"))
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		switch r.URL.Query().Get("search") {
		case "Game A":
			_, _ = io.WriteString(w, `{"results":[{
				"id": 3498,
				"name": "Game A",
				"background_image": "https://media.rawg.io/game-a.jpg",
				"metacritic": 91,
				"rating": 4.4,
				"genres": [{"name": "Action"}],
				"platforms": [{"platform": {"name": "PC"}}, {"platform": {"name": "PlayStation 5"}}]
			}]}`)
		case "Busy":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = io.WriteString(w, `{"results":[]}`)
		}
	}))
	t.Cleanup(srv.Close)

	client := New(Options{APIKey: "secret", BaseURL: srv.URL + "/api", HTTPClient: srv.Client()})
	require.Equal(t, "rawg", client.Name())

	md, err := client.Lookup(context.Background(), "Game A")
	require.NoError(t, err)
	assert.Equal(t, "Game A", md.Name)
	assert.Equal(t, "https://media.rawg.io/game-a.jpg", md.CoverURL)
	assert.Equal(t, []string{"PC", "PlayStation 5"}, md.Platforms)
	assert.Equal(t, []string{"Action"}, md.Genres)
	assert.InDelta(t, 91, md.CriticScore, 1e-9)
	assert.Empty(t, md.TrailerURL)
	assert.Equal(t, "3498", md.ExternalIDs["rawg"])

	_, err = client.Lookup(context.Background(), "Unknown")
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	_, err = client.Lookup(context.Background(), "Busy")
	require.ErrorIs(t, err, pipeline.ErrTransient)
}
