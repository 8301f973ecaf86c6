package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/memovoz/memovoz/internal/health"
	"github.com/memovoz/memovoz/internal/history"
	"github.com/memovoz/memovoz/internal/observe"
)

const (
	readTimeout  = 30 * time.Second
	idleTimeout  = 120 * time.Second
	shutdownWait = 10 * time.Second

	// defaultHistoryLimit bounds /api/history responses when no limit query
	// parameter is given.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ServerConfig carries the gateway server's dependencies.
type ServerConfig struct {
	// Addr is the listen address (e.g. ":8990").
	Addr string

	// OriginPatterns are the WebSocket origins accepted for the upgrade.
	// Empty means same-origin only.
	OriginPatterns []string

	// Session is the controller driven by connected clients. Required.
	Session Session

	// Hub fans session events out to clients. Required.
	Hub *Hub

	// Remote bridges the speech capability over connected clients. Required.
	Remote *RemoteSpeech

	// History serves the /api/history endpoint. Optional.
	History *history.Store

	// Metrics instruments HTTP requests and backs /metrics. Optional.
	Metrics *observe.Metrics

	// Checkers are evaluated by the /readyz endpoint.
	Checkers []health.Checker
}

// Server is the gateway HTTP server: health and metrics endpoints, the turn
// history API, and the /ws event stream.
type Server struct {
	srv     *http.Server
	history *history.Store
	session Session
}

// NewServer wires the router and returns a server ready to Run.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Session == nil || cfg.Hub == nil || cfg.Remote == nil {
		return nil, errors.New("gateway: Session, Hub and Remote are required")
	}

	s := &Server{
		history: cfg.History,
		session: cfg.Session,
	}
	ws := newWSHandler(cfg.Hub, cfg.Remote, cfg.Session, cfg.OriginPatterns)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(observe.Middleware(cfg.Metrics))

	health.New(cfg.Checkers...).Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
	})

	r.Get("/ws", ws.ServeHTTP)

	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: readTimeout,
		// WebSocket connections are long-lived; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  idleTimeout,
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("gateway listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// handleStatus reports the live session state for UIs that poll instead of
// holding a WebSocket open.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       s.session.Status(),
		"offerPending": s.session.OfferPending(),
	})
}

// handleHistory returns recently archived turns, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("history query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"turns": entries,
		"count": len(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}
