// Package web exposes the HTTP surface: the token-authorized feed, manual
// sync triggers, source status and feed-token rotation.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"unical/internal/config"
	"unical/internal/errs"
	"unical/internal/model"
)

// Store is the web layer's view of persisted data.
type Store interface {
	SourcesForUser(ctx context.Context, userID string) ([]model.CalendarSource, error)
	DeleteSource(ctx context.Context, id string) error
	RotateFeedToken(ctx context.Context, userID string) (string, error)
	ClearSourceReauth(ctx context.Context, id string) error
	SyncRunsForSource(ctx context.Context, sourceID string, limit int) ([]model.SyncRun, error)
}

// Syncer triggers sync attempts.
type Syncer interface {
	SyncSource(sourceID string) bool
	SyncUser(ctx context.Context, userID string) (int, error)
}

// FeedGenerator serializes a user's unified feed.
type FeedGenerator interface {
	GenerateByToken(ctx context.Context, token string) (string, error)
}

// Server provides the HTTP APIs.
type Server struct {
	cfg    *config.Config
	store  Store
	syncer Syncer
	feed   FeedGenerator
	log    *zap.Logger
	mux    *http.ServeMux
}

// NewServer constructs a Server and registers its routes.
func NewServer(cfg *config.Config, store Store, syncer Syncer, feed FeedGenerator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		syncer: syncer,
		feed:   feed,
		log:    log,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler, wrapped with Basic Auth for
// the admin API when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		s.log.Info("HTTP basic auth enabled for admin API")
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects /api/* routes. The feed is authorized by its
// own token and /health stays open for probes.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="unical", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/feed/", s.handleFeed)
	s.mux.HandleFunc("/api/sync", s.handleSyncNow)
	s.mux.HandleFunc("/api/sources", s.handleSources)
	s.mux.HandleFunc("/api/sources/delete", s.handleDeleteSource)
	s.mux.HandleFunc("/api/sources/reauthorized", s.handleReauthorized)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/feed-token/rotate", s.handleRotateToken)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFeed serves GET /feed/<token>.ics. An unknown token is a plain 404;
// nothing distinguishes a missing token from a rotated one.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.URL.Path, "/feed/")
	token = strings.TrimSuffix(token, ".ics")
	if token == "" || strings.Contains(token, "/") {
		http.NotFound(w, r)
		return
	}

	doc, err := s.feed.GenerateByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.log.Error("feed generation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calendar.ics"`)
	_, _ = w.Write([]byte(doc))
}

// handleSyncNow accepts POST /api/sync?source=<id> or ?user=<id> and returns
// 202 as soon as the attempt is started or coalesced, independent of its
// eventual outcome.
func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sourceID := r.URL.Query().Get("source")
	userID := r.URL.Query().Get("user")

	switch {
	case sourceID != "":
		started := s.syncer.SyncSource(sourceID)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted":  true,
			"started":   started,
			"coalesced": !started,
		})
	case userID != "":
		started, err := s.syncer.SyncUser(r.Context(), userID)
		if err != nil {
			s.log.Error("sync-all trigger failed", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted": true,
			"started":  started,
		})
	default:
		http.Error(w, "source or user parameter required", http.StatusBadRequest)
	}
}

// sourceStatus is the JSON projection of one source's sync state. A
// needs-reauth source is distinguishable from a failed (retrying) one.
type sourceStatus struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Masking     string `json:"masking"`
	Enabled     bool   `json:"enabled"`
	Status      string `json:"status"`
	NeedsReauth bool   `json:"needs_reauth"`
	LastSyncAt  string `json:"last_sync_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	NextAttempt string `json:"next_attempt_at,omitempty"`
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user parameter required", http.StatusBadRequest)
		return
	}

	sources, err := s.store.SourcesForUser(r.Context(), userID)
	if err != nil {
		s.log.Error("source listing failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]sourceStatus, 0, len(sources))
	for _, src := range sources {
		st := sourceStatus{
			ID:          src.ID,
			Name:        src.Name,
			Kind:        string(src.Kind),
			Masking:     string(src.Masking),
			Enabled:     src.Enabled,
			Status:      string(src.Status),
			NeedsReauth: src.Status == model.StatusNeedsReauth,
			LastError:   src.LastError,
		}
		if !src.LastSyncAt.IsZero() {
			st.LastSyncAt = src.LastSyncAt.UTC().Format(time.RFC3339)
		}
		if !src.NextAttemptAt.IsZero() {
			st.NextAttempt = src.NextAttemptAt.UTC().Format(time.RFC3339)
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteSource removes a source; its events go with it atomically.
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id parameter required", http.StatusBadRequest)
		return
	}
	if err := s.store.DeleteSource(r.Context(), id); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.log.Error("source delete failed", zap.String("source_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleReauthorized clears needs-reauth after an out-of-band
// re-authorization and kicks off an immediate attempt.
func (s *Server) handleReauthorized(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id parameter required", http.StatusBadRequest)
		return
	}
	if err := s.store.ClearSourceReauth(r.Context(), id); err != nil {
		s.log.Error("reauth clear failed", zap.String("source_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	started := s.syncer.SyncSource(id)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "started": started})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sourceID := r.URL.Query().Get("source")
	if sourceID == "" {
		http.Error(w, "source parameter required", http.StatusBadRequest)
		return
	}
	runs, err := s.store.SyncRunsForSource(r.Context(), sourceID, 20)
	if err != nil {
		s.log.Error("run listing failed", zap.String("source_id", sourceID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRotateToken replaces a user's feed token; the prior token stops
// resolving immediately.
func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user parameter required", http.StatusBadRequest)
		return
	}
	token, err := s.store.RotateFeedToken(r.Context(), userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.log.Error("token rotation failed", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"feed_token": token})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
