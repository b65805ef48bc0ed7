package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/tasksync/internal/syncclient"
)

// Config holds server settings.
type Config struct {
	ListenAddr string
	DataDir    string
	// APIToken grants full access. ReadOnlyToken, when set, may pull but
	// not push; pushes with it answer 403.
	APIToken      string
	ReadOnlyToken string
	// SweepInterval bounds how often expired tombstones are dropped.
	SweepInterval time.Duration
}

// Server is the tasksync HTTP server.
type Server struct {
	config Config
	store  *Store
	http   *http.Server
	cancel context.CancelFunc
}

// NewServer creates a server around an open store.
func NewServer(cfg Config, store *Store) *Server {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	s := &Server{config: cfg, store: store}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests running under httptest.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Start begins serving and launches the tombstone sweep loop. Blocks until
// the listener fails or Shutdown is called.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sweepLoop(ctx)

	slog.Info("server listening", "addr", s.config.ListenAddr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.SweepTombstones(time.Now())
			if err != nil {
				slog.Warn("tombstone sweep", "err", err)
			} else if n > 0 {
				slog.Info("tombstone sweep", "expired", n)
			}
		}
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/sync/push", s.requireAuth(s.handlePush, true))
	mux.HandleFunc("GET /v1/sync/pull", s.requireAuth(s.handlePull, false))
	return logRequests(mux)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start))
	})
}

// requireAuth checks the bearer token and the device header. Write endpoints
// additionally reject read-only tokens with 403, which clients treat as a
// permanent permission failure.
func (s *Server) requireAuth(next http.HandlerFunc, write bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		switch token {
		case "":
			writeError(w, http.StatusUnauthorized, "missing_token", "authorization required")
			return
		case s.config.APIToken:
			// full access
		case s.config.ReadOnlyToken:
			if s.config.ReadOnlyToken == "" {
				writeError(w, http.StatusUnauthorized, "invalid_token", "unknown token")
				return
			}
			if write {
				writeError(w, http.StatusForbidden, "forbidden", "token does not permit writes")
				return
			}
		default:
			writeError(w, http.StatusUnauthorized, "invalid_token", "unknown token")
			return
		}
		if r.Header.Get("X-Device-ID") == "" {
			writeError(w, http.StatusBadRequest, "missing_device", "X-Device-ID header required")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, syncclient.HealthResponse{Status: "ok"})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req syncclient.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "decode push request: "+err.Error())
		return
	}
	deviceID := r.Header.Get("X-Device-ID")
	if req.DeviceID != "" {
		deviceID = req.DeviceID
	}

	res, err := s.store.ApplyChanges(deviceID, req.VectorClock, req.Changes)
	if err != nil {
		slog.Error("apply push", "device", deviceID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "apply changes failed")
		return
	}

	writeJSON(w, http.StatusOK, syncclient.PushResponse{
		Success:           len(res.Conflicts) == 0,
		Processed:         res.Processed,
		Conflicts:         res.Conflicts,
		ServerVectorClock: res.ServerClock,
		Timestamp:         time.Now().UnixMilli(),
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "since must be a unix-ms timestamp")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
			return
		}
	}

	page, err := s.store.ChangesSince(since, limit)
	if err != nil {
		slog.Error("pull changes", "since", since, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "read changes failed")
		return
	}
	serverClock, err := s.store.ServerClock()
	if err != nil {
		slog.Error("read server clock", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "read server clock failed")
		return
	}

	writeJSON(w, http.StatusOK, syncclient.PullResponse{
		Tasks:             page.Tasks,
		Comments:          page.Comments,
		Tombstones:        page.Tombstones,
		ServerVectorClock: serverClock,
		HasMore:           page.HasMore,
		// Timestamp doubles as the cursor value for this page; the
		// store guarantees pulling from it never skips rows.
		Timestamp: page.NextCursor,
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}
