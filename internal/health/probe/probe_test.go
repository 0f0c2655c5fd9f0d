package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

func TestProbeStatuses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.zip":
			w.WriteHeader(http.StatusOK)
		case "/gone.zip":
			w.WriteHeader(http.StatusGone)
		case "/busy.zip":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/nohead.zip":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
			w.WriteHeader(http.StatusPartialContent)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	p := New(Config{Timeout: time.Second, UserAgent: "releasebot-test"}, srv.Client())
	ctx := context.Background()

	require.NoError(t, p.Probe(ctx, srv.URL+"/ok.zip"))
	require.NoError(t, p.Probe(ctx, srv.URL+"/nohead.zip"))
	require.ErrorIs(t, p.Probe(ctx, srv.URL+"/gone.zip"), ErrGone)
	require.ErrorIs(t, p.Probe(ctx, srv.URL+"/busy.zip"), pipeline.ErrTransient)
	require.ErrorContains(t, p.Probe(ctx, srv.URL+"/other.zip"), "unexpected status 418")
}

func TestProbeTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := New(Config{Timeout: 50 * time.Millisecond}, srv.Client())
	err := p.Probe(context.Background(), srv.URL+"/slow.zip")
	require.ErrorIs(t, err, pipeline.ErrTransient)
}

func TestProbeMagnetIsSyntactic(t *testing.T) {
	t.Parallel()

	p := New(Config{}, nil)
	require.NoError(t, p.Probe(context.Background(), "magnet:?xt=urn:btih:0123456789abcdef&dn=game"))
	require.Error(t, p.Probe(context.Background(), "magnet:?dn=missing-hash"))
	require.Error(t, p.Probe(context.Background(), "ftp://example.com/file"))
}
