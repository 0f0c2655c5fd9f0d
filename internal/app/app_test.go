package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/config"
	"github.com/JakeFAU/release-pipeline/internal/lock"
	"github.com/JakeFAU/release-pipeline/internal/policy/ratelimit"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "data:\n  dir: " + filepath.Join(dir, "data") + "\n" +
		"feed:\n  enabled: false\n" +
		"headless:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return &cfg
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestBuildWiresAdminSurface(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	require.Nil(t, app.poller, "feed disabled")
	require.Nil(t, app.engine, "headless disabled")

	h := app.Handler()
	require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/readyz").Code)
	require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/v1/games").Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(t, h, http.MethodPost, "/v1/admin/poll").Code)

	rec := serve(t, h, http.MethodPost, "/v1/admin/backup")
	require.Equal(t, http.StatusCreated, rec.Code)

	entries, err := os.ReadDir(cfg.Backup.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), "snapshot-"))
}

func TestBuildLocksDataDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	first, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = Build(context.Background(), cfg, zap.NewNop())
	require.ErrorIs(t, err, lock.ErrLocked)

	first.Close(context.Background())
	second, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	second.Close(context.Background())
}

func TestHealthConfigSharesQueueCeiling(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Queue.Workers = 1
	hc := healthConfig(cfg)
	require.Equal(t, 1, hc.Workers)
	require.Equal(t, cfg.Health.Threshold, hc.Threshold)
	require.Equal(t, cfg.Health.ProbeTimeout, hc.ProbeTimeout)
}

func TestBuildCatalogs(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{})
	cfg := &config.Config{}
	cfg.Catalogs.Order = []string{"igdb", "rawg"}

	catalogs, err := buildCatalogs(cfg, limiter, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, catalogs, 1)
	require.Equal(t, "rawg", catalogs[0].Name())

	cfg.Catalogs.IGDB.ClientID = "id"
	cfg.Catalogs.IGDB.ClientSecret = "secret"
	catalogs, err = buildCatalogs(cfg, limiter, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, catalogs, 2)
	require.Equal(t, "igdb", catalogs[0].Name())

	cfg.Catalogs.Order = []string{"steam"}
	_, err = buildCatalogs(cfg, limiter, zap.NewNop())
	require.Error(t, err)
}
