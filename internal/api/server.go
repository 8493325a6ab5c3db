// Package api serves the control surface: session lifecycle endpoints,
// stored-data queries, store stats, and a WebSocket event stream. It
// holds no session state of its own; everything goes through the engine
// and the store.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamesprial/go-reddit-scraper/internal/config"
	"github.com/jamesprial/go-reddit-scraper/internal/eventbus"
	"github.com/jamesprial/go-reddit-scraper/internal/store"
	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
	"github.com/jamesprial/go-reddit-scraper/pkg/types"
)

const (
	// wsWriteTimeout bounds one frame write.
	wsWriteTimeout = 10 * time.Second
	// wsPingInterval keeps idle connections alive.
	wsPingInterval = 30 * time.Second
	// defaultPostsLimit caps /data/posts pages when the caller gives none.
	defaultPostsLimit = 100
	// maxPostsLimit is the hard page ceiling.
	maxPostsLimit = 1000
)

// Engine is the session runtime surface the API calls. The root
// package's Engine satisfies it.
type Engine interface {
	StartSession(ctx context.Context, req *types.ScrapeRequest) (types.SessionView, error)
	StopSession(ctx context.Context, sessionID string) (types.SessionView, error)
	Status(ctx context.Context, sessionID string) (types.SessionView, error)
	List(ctx context.Context, status types.SessionStatus, limit int) ([]types.SessionView, error)
	Subscribe(eventTypes ...types.EventType) *eventbus.Subscription
}

// Server handles the control API.
type Server struct {
	engine  Engine
	store   *store.Store
	cfg     *config.Config
	logger  *slog.Logger
	upgrade websocket.Upgrader
	mux     *http.ServeMux
}

// New builds a Server and registers its routes.
func New(engine Engine, st *store.Store, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: engine,
		store:  st,
		cfg:    cfg,
		logger: logger,
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /config", s.handleConfig)
	s.mux.HandleFunc("POST /scrape/start", s.handleStart)
	s.mux.HandleFunc("GET /scrape/status/{id}", s.handleStatus)
	s.mux.HandleFunc("GET /scrape/sessions", s.handleSessions)
	s.mux.HandleFunc("DELETE /scrape/stop/{id}", s.handleStop)
	s.mux.HandleFunc("GET /data/posts", s.handlePosts)
	s.mux.HandleFunc("GET /stats/database", s.handleStats)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.logger.Error("health check store ping failed", "error", err)
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"ts":     time.Now().UTC(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Redact())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req types.ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &pkgerrs.ValidationError{Message: "invalid JSON body: " + err.Error()}, s.logger)
		return
	}
	view, err := s.engine.StartSession(r.Context(), &req)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := types.SessionStatus(q.Get("status"))
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	views, err := s.engine.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	if views == nil {
		views = []types.SessionView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": views,
		"count":    len(views),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.StopSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultPostsLimit)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	if limit > maxPostsLimit {
		limit = maxPostsLimit
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	minScore, err := intParam(q.Get("min_score"), 0)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	daysBack, err := intParam(q.Get("days_back"), 0)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}

	filter := types.PostFilter{
		Subreddit: q.Get("subreddit"),
		MinScore:  minScore,
		DaysBack:  daysBack,
		Search:    q.Get("search"),
		Limit:     limit,
		Offset:    offset,
	}
	posts, total, err := s.store.QueryPosts(r.Context(), filter)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	if posts == nil {
		posts = []*types.Post{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"posts":  posts,
		"count":  len(posts),
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleWS upgrades to a WebSocket and forwards bus events as JSON
// frames. ?types=progress,metric filters the subscription.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var eventTypes []types.EventType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				eventTypes = append(eventTypes, types.EventType(t))
			}
		}
	}

	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	sub := s.engine.Subscribe(eventTypes...)
	defer sub.Close()
	defer conn.Close()

	// Reader goroutine: the client never sends frames we care about, but
	// reading is how gorilla surfaces close frames.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeError maps the taxonomy onto HTTP statuses. Internal detail is
// logged, never sent to the client.
func writeError(w http.ResponseWriter, err error, logger *slog.Logger) {
	var (
		code int
		msg  string
	)
	switch {
	case pkgerrs.IsNotFound(err):
		code, msg = http.StatusNotFound, err.Error()
	case isValidation(err):
		code, msg = http.StatusBadRequest, err.Error()
	case pkgerrs.IsCircuitOpen(err) || isStoreBusy(err):
		code, msg = http.StatusServiceUnavailable, "temporarily unavailable, retry later"
	default:
		code, msg = http.StatusInternalServerError, "internal error"
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func isValidation(err error) bool {
	var ve *pkgerrs.ValidationError
	return stderrors.As(err, &ve)
}

func isStoreBusy(err error) bool {
	var sb *pkgerrs.StoreBusyError
	return stderrors.As(err, &sb)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &pkgerrs.ValidationError{Message: "invalid numeric parameter: " + raw}
	}
	return n, nil
}
