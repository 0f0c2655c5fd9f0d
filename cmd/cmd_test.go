package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/release-pipeline/internal/config"
)

// Tests in this package share cfgFile and loadConfig, so they run serially.

type recordedRequest struct {
	method string
	uri    string
	apiKey string
}

type adminServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
}

func (s *adminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{method: r.Method, uri: r.URL.RequestURI(), apiKey: r.Header.Get("X-API-Key")})
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (s *adminServer) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func withConfig(t *testing.T, cfg config.Config) {
	t.Helper()
	prev := loadConfig
	loadConfig = func(string) (config.Config, error) { return cfg, nil }
	t.Cleanup(func() { loadConfig = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAdminCommandsCallRoutes(t *testing.T) {
	srv := &adminServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	withConfig(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	tests := []struct {
		args   []string
		method string
		uri    string
	}{
		{[]string{"admin", "recheck"}, http.MethodPost, "/v1/admin/recheck"},
		{[]string{"admin", "recheck", "--game", "game-a"}, http.MethodPost, "/v1/admin/recheck?game_id=game-a"},
		{[]string{"admin", "backup"}, http.MethodPost, "/v1/admin/backup"},
		{[]string{"admin", "enqueue", "game-a"}, http.MethodPost, "/v1/admin/games/game-a/enqueue"},
		{[]string{"admin", "report"}, http.MethodGet, "/v1/admin/report"},
	}
	for _, tc := range tests {
		out, err := execute(t, append(tc.args, "--addr", ts.URL)...)
		require.NoError(t, err, tc.args)
		require.Contains(t, out, `"ok": true`)

		got := srv.last()
		require.Equal(t, tc.method, got.method)
		require.Equal(t, tc.uri, got.uri)
		require.Equal(t, "secret", got.apiKey)
	}
}

func TestAdminCommandFailsOnErrorStatus(t *testing.T) {
	srv := &adminServer{status: http.StatusConflict}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	withConfig(t, config.Config{})

	_, err := execute(t, "admin", "recheck", "--addr", ts.URL)
	require.ErrorContains(t, err, "409")
	require.Empty(t, srv.last().apiKey)
}

func TestEnqueueRequiresGameID(t *testing.T) {
	withConfig(t, config.Config{})

	_, err := execute(t, "admin", "enqueue")
	require.Error(t, err)
}

func TestVersionSkipsConfig(t *testing.T) {
	prev := loadConfig
	loadConfig = func(string) (config.Config, error) {
		t.Fatal("version must not load config")
		return config.Config{}, nil
	}
	t.Cleanup(func() { loadConfig = prev })

	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "releasebot dev")
}
