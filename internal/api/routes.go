package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the HTTP router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://app.pulsecrm.example", "http://localhost:5173"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Post("/send", h.TriggerSend)
			r.Post("/requeue-failed", h.RequeueFailed)
			r.Get("/stats", h.GetStats)
			r.Get("/stats/clicks", h.GetClickReport)
			r.Get("/stats/daily", h.GetDailySeries)
			r.Get("/preview-count", h.PreviewCountByCampaign)
		})

		r.Post("/queue/drain", h.DrainQueue)
		r.Get("/segments/{segmentID}/preview-count", h.PreviewCount)

		// Provider notifications arrive unauthenticated.
		r.Post("/webhooks/email-events", h.HandleWebhook)
	})

	return r
}
