package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/modelbridge/internal/auth"
)

// NewRouter mounts the public and authenticated routes. metrics may be nil.
func NewRouter(h *Handler, authMiddleware auth.Middleware, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"modelbridge"}`))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/v1/models", h.HandleModels)
		r.Post("/v1/generate", h.HandleGenerate)
		r.Post("/v1/generate/stream", h.HandleGenerateStream)
		r.Post("/v1/tool-results", h.HandleToolResults)
		r.Get("/v1/usage", h.HandleUsage)
	})

	return r
}
