// Package server exposes the relay over HTTP: the websocket endpoint plus a
// small operator API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/acme/autocert"

	"github.com/markb/chatrelay/internal/auth"
	"github.com/markb/chatrelay/internal/channel"
	"github.com/markb/chatrelay/internal/log"
	"github.com/markb/chatrelay/internal/observability"
	"github.com/markb/chatrelay/internal/presence"
	"github.com/markb/chatrelay/internal/realtime"
	"github.com/markb/chatrelay/internal/store"
)

// Relay is the gateway as seen by the HTTP layer.
type Relay interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	Stats() realtime.Stats
	Presence(ctx context.Context, identity string) (presence.Record, error)
	Notify(ctx context.Context, identity, content string) (bool, error)
	Shutdown(ctx context.Context) error
}

// HistoryReader serves persisted messages of one channel.
type HistoryReader interface {
	History(ctx context.Context, channel string, limit int) ([]store.Message, error)
}

// PersistStats reports the out-of-band persistence queue.
type PersistStats interface {
	Stats() store.AsyncStats
}

// Config holds the collaborators of a Server. History and Persist are optional.
type Config struct {
	Relay     Relay
	Auth      *auth.Service
	Telemetry *observability.Telemetry
	History   HistoryReader
	Persist   PersistStats
}

type Server struct {
	router    *chi.Mux
	relay     Relay
	auth      *auth.Service
	telemetry *observability.Telemetry
	history   HistoryReader
	persist   PersistStats

	// HTTP server for graceful shutdown
	httpServer *http.Server

	// HTTPS fields
	httpsServer  *http.Server
	httpRedirect *http.Server
	autocertMgr  *autocert.Manager
}

func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		relay:     cfg.Relay,
		auth:      cfg.Auth,
		telemetry: cfg.Telemetry,
		history:   cfg.History,
		persist:   cfg.Persist,
	}
	if s.telemetry == nil {
		s.telemetry = &observability.Telemetry{}
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// CORS middleware for browser-based clients
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(observability.HTTPMiddleware(s.telemetry, "chatrelay"))

	// The upgrade writes its own response.
	s.router.Get("/relay/v1/websocket", s.relay.HandleWebSocket)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/health", s.handleHealth)
		r.With(s.serviceKeyMiddleware).Get("/_/logs", s.handleLogs)

		r.Route("/relay/v1", func(r chi.Router) {
			r.Use(s.serviceKeyMiddleware)
			r.Get("/stats", s.handleStats)
			r.Get("/presence/{identity}", s.handlePresence)
			r.Post("/notify/{identity}", s.handleNotify)
			r.Get("/history/*", s.handleHistory)
		})
	})
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	healthy := s.relay.Stats().Broker.Healthy
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "broker": healthy})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "n must be a positive integer")
			return
		}
		n = parsed
	}
	total, capacity, ok := log.GetBufferStats()
	if !ok {
		writeError(w, http.StatusNotFound, "logs_disabled", "Log buffering is off")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":    log.GetBufferedLogs(n),
		"total":    total,
		"capacity": capacity,
	})
}

type statsResponse struct {
	realtime.Stats
	Persist *store.AsyncStats `json:"persist,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: s.relay.Stats()}
	if s.persist != nil {
		ps := s.persist.Stats()
		resp.Persist = &ps
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	rec, err := s.relay.Presence(r.Context(), identity)
	if err != nil {
		log.Error("server: presence lookup failed", "identity", identity, "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, "presence_unavailable", "Presence store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type notifyRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "message is required")
		return
	}

	sent, err := s.relay.Notify(r.Context(), identity, req.Message)
	if errors.Is(err, channel.ErrInvalidChannel) {
		writeError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return
	}
	if err != nil {
		log.Warn("server: notify failed", "identity", identity, "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, "presence_unavailable", "Presence store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "delivered": sent})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history_disabled", "Message history is not stored")
		return
	}
	channel := chi.URLParam(r, "*")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	msgs, err := s.history.History(r.Context(), channel, limit)
	if err != nil {
		log.Error("server: history query failed", "channel", channel, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "server_error", "Failed to read history")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown closes relay connections first, since hijacked websockets are not
// tracked by http.Server, then stops the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.relay.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}

	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTPS server: %w", err))
		}
	}

	if s.httpRedirect != nil {
		if err := s.httpRedirect.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP redirect server: %w", err))
		}
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
