package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all routes. Management endpoints require the
// API key; the tracking pixel and provider callbacks are open because
// mail clients and SNS cannot present credentials.
func SetupRoutes(h *Handlers, apiKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-KEY"},
		MaxAge:         300,
	}))

	// Health checks (no auth required)
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Route("/v1", func(r chi.Router) {
		// Open endpoints: pixel hits come from mail clients, callbacks
		// from SNS.
		r.Get("/events/open", h.TrackOpen)
		r.Post("/events/results", h.HandleProviderEvent)

		r.Group(func(r chi.Router) {
			r.Use(apiKeyAuth(apiKey))
			r.Post("/messages", h.CreateMessages)
			r.Get("/topics/{topicID}", h.GetTopic)
			r.Delete("/topics/{topicID}", h.StopTopic)
			r.Get("/events/counts/sent", h.SentCount)
		})
	})

	return r
}

// apiKeyAuth rejects requests whose X-API-KEY header does not match.
func apiKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-API-KEY") != apiKey {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Invalid API key"})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
