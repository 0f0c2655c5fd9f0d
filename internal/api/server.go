// Package api exposes the HTTP interface for the release pipeline.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/config"
	"github.com/JakeFAU/release-pipeline/internal/health"
	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
	"github.com/JakeFAU/release-pipeline/internal/poller"
)

// Store is the slice of the record store the HTTP surface reads and edits.
type Store interface {
	GetGame(ctx context.Context, id string) (pipeline.GameRecord, error)
	ListGames(ctx context.Context) ([]pipeline.GameRecord, error)
	IncrementDownloadCount(ctx context.Context, id string) (int64, error)
	RemoveDownloadLink(ctx context.Context, id, url string, now time.Time) error
	ListTasks(ctx context.Context, states ...pipeline.TaskState) ([]pipeline.QueueTask, error)
	ListHealth(ctx context.Context, statuses ...pipeline.HealthStatus) ([]pipeline.LinkHealthRecord, error)
	Ping(ctx context.Context) error
}

// HealthChecker runs link health sweeps on demand.
type HealthChecker interface {
	Running() bool
	CheckAll(ctx context.Context) (health.Summary, error)
	CheckGame(ctx context.Context, gameID string) (health.Summary, error)
}

// Backups takes and lists snapshots.
type Backups interface {
	Snapshot(ctx context.Context) (pipeline.BackupSnapshot, error)
	List(ctx context.Context) ([]pipeline.BackupSnapshot, error)
}

// FeedPoller runs a feed poll on demand.
type FeedPoller interface {
	Tick(ctx context.Context) (poller.TickResult, error)
}

// Deps are the collaborators the Server calls into. Health, Backups and Poller
// are optional; their routes answer 503 when unset.
type Deps struct {
	Store   Store
	Queue   pipeline.Enqueuer
	Health  HealthChecker
	Backups Backups
	Poller  FeedPoller
	Clock   pipeline.Clock
	// BaseContext bounds background work started by handlers, such as an
	// asynchronous health sweep. Defaults to context.Background.
	BaseContext context.Context
}

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/games", func(r chi.Router) {
			r.Get("/", s.listGames)
			r.Route("/{game_id}", func(r chi.Router) {
				r.Get("/", s.getGame)
				r.Post("/downloads", s.recordDownload)
			})
		})
		r.Route("/admin", func(r chi.Router) {
			r.Post("/recheck", s.recheck)
			r.Post("/poll", s.poll)
			r.Get("/report", s.report)
			r.Post("/backup", s.snapshot)
			r.Get("/backups", s.listBackups)
			r.Route("/games/{game_id}", func(r chi.Router) {
				r.Post("/enqueue", s.enqueueGame)
				r.Delete("/links", s.removeLink)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listGames(w http.ResponseWriter, r *http.Request) {
	games, err := s.deps.Store.ListGames(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	if games == nil {
		games = []pipeline.GameRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"games": games})
}

func (s *Server) getGame(w http.ResponseWriter, r *http.Request) {
	game, err := s.deps.Store.GetGame(r.Context(), chi.URLParam(r, "game_id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"game": game})
}

func (s *Server) recordDownload(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "game_id")
	count, err := s.deps.Store.IncrementDownloadCount(r.Context(), gameID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"game_id": gameID, "download_count": count})
}

// recheck starts a full sweep in the background, or checks one game inline
// when game_id is given.
func (s *Server) recheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeError(w, http.StatusServiceUnavailable, "health monitor disabled")
		return
	}
	if gameID := r.URL.Query().Get("game_id"); gameID != "" {
		summary, err := s.deps.Health.CheckGame(r.Context(), gameID)
		if err != nil {
			s.sweepError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}
	if s.deps.Health.Running() {
		writeError(w, http.StatusConflict, health.ErrSweepRunning.Error())
		return
	}
	go func() {
		summary, err := s.deps.Health.CheckAll(s.deps.BaseContext)
		if err != nil {
			s.logger.Warn("on-demand health sweep failed", zap.Error(err))
			return
		}
		s.logger.Info("on-demand health sweep finished",
			zap.Int("probed", summary.Probed),
			zap.Int("broken", summary.Broken),
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) sweepError(w http.ResponseWriter, err error) {
	if errors.Is(err, health.ErrSweepRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.storeError(w, err)
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Poller == nil {
		writeError(w, http.StatusServiceUnavailable, "feed poller disabled")
		return
	}
	result, err := s.deps.Poller.Tick(r.Context())
	if err != nil {
		s.logger.Warn("on-demand poll failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backups disabled")
		return
	}
	snap, err := s.deps.Backups.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("on-demand snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backups == nil {
		writeError(w, http.StatusServiceUnavailable, "backups disabled")
		return
	}
	snaps, err := s.deps.Backups.List(r.Context())
	if err != nil {
		s.logger.Error("listing snapshots failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list snapshots failed")
		return
	}
	if snaps == nil {
		snaps = []pipeline.BackupSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	failed, err := s.deps.Store.ListTasks(r.Context(), pipeline.TaskStateFailed)
	if err != nil {
		s.storeError(w, err)
		return
	}
	broken, err := s.deps.Store.ListHealth(r.Context(), pipeline.HealthBroken)
	if err != nil {
		s.storeError(w, err)
		return
	}
	rep := pipeline.Report{FailedTasks: failed, BrokenLinks: broken}
	if rep.FailedTasks == nil {
		rep.FailedTasks = []pipeline.QueueTask{}
	}
	if rep.BrokenLinks == nil {
		rep.BrokenLinks = []pipeline.LinkHealthRecord{}
	}
	writeJSON(w, http.StatusOK, rep)
}

// enqueueGame re-submits every resolvable link of a game, typically after its
// task ended Failed.
func (s *Server) enqueueGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "game_id")
	game, err := s.deps.Store.GetGame(r.Context(), gameID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	raw := make([]string, 0, len(game.DownloadLinks))
	for _, link := range game.DownloadLinks {
		raw = append(raw, link.URL)
	}
	links := poller.Resolvable(raw)
	if len(links) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "game has no resolvable links")
		return
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	task, created, err := s.deps.Queue.Enqueue(queueCtx, gameID, links)
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("game_id", gameID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task, "created": created})
}

func (s *Server) removeLink(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "game_id")
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	if err := s.deps.Store.RemoveDownloadLink(r.Context(), gameID, url, s.now()); err != nil {
		s.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now()
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, pipeline.ErrStoreCorruption):
		s.logger.Error("corrupt record", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "record is corrupt")
	default:
		s.logger.Error("store request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
