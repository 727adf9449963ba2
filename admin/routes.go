package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	// Health stays open for load balancer probes
	r.Get("/health", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(chiAuthMiddleware)

		r.Get("/status", handlers.handleStatus)
		r.Get("/channels", handlers.handleChannels)
		r.Get("/gaps", handlers.handleGaps)
		r.Get("/gaps/{channel}", handlers.handleChannelGaps)
		r.Post("/data", handlers.handleCapture)

		r.Route("/batches", func(r chi.Router) {
			r.Get("/node/{nodeID}", handlers.handleNodeBatches)
			r.Get("/{batchID}/events", handlers.handleBatchEvents)
		})
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}
