// Package api exposes the HTTP surface: message intake, topic
// management, the open-tracking pixel, and provider callbacks.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/bulkmail/internal/config"
	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/store"
)

// Server represents the API server
type Server struct {
	config   config.Config
	handler  http.Handler
	handlers *Handlers
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(cfg config.Config, st *store.Store, sendQ *queue.Queue[*domain.Request]) *Server {
	handlers := NewHandlers(st, sendQ)
	router := SetupRoutes(handlers, cfg.Auth.APIKey)

	return &Server{
		config:   cfg,
		handler:  router,
		handlers: handlers,
		router:   router,
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Intake payloads can carry up to 10k recipients; read timeouts
		// stay generous while headers are bounded tightly.
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
