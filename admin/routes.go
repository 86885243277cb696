package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter builds the admin API. A non-empty secret guards every route
// except /healthz.
func NewRouter(handlers *Handlers, secret string) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Get("/status", handlers.handleStatus)
		r.Post("/sync", handlers.handleSync)
		r.Get("/metrics", handlers.handleMetrics)
	})

	return r
}
