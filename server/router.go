/*
router.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route table for the
  Server Sync API (§6).

MIDDLEWARE STACK:
  1. Logger:    request logging
  2. Recoverer: panic recovery (500 instead of crash)
  3. RequestID: unique id per request for tracing
  4. CORS:      cross-origin requests from device consoles

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fieldsync/posync/metrics"
)

// NewRouter builds the chi router serving the Server Sync API.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Device-ID", "X-Client-Timestamp"},
		AllowCredentials: false,
	}))

	r.Route("/sync", func(r chi.Router) {
		r.Post("/upload", h.Upload)
		r.Get("/download", h.Download)
	})
	r.Post("/dependencies/fetch", h.FetchDependencies)
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
