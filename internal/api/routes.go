package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ignite/audience-dispatch/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all routes. health may be nil.
func SetupRoutes(h *Handlers, health *HealthChecker, corsCfg config.CORSConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(metricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsCfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if health != nil {
		r.Get("/health", health.HandleHealth)
		r.Get("/health/ready", health.HandleReadiness)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", h.ListCampaigns)
		r.Post("/", h.CreateCampaign)
		r.Get("/stats", h.GetCampaignStats)
		r.Post("/estimate-recipients", h.EstimateRecipients)
		r.Post("/audience-preview", h.AudiencePreview)
		r.Post("/opt-out", h.OptOutPhones)

		// Public: reached from links inside delivered messages.
		r.Get("/unsubscribe/{token}", h.Unsubscribe)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetCampaign)
			r.Put("/", h.UpdateCampaign)
			r.Delete("/", h.DeleteCampaign)
			r.Post("/send", h.SendCampaign)
			r.Post("/pause", h.PauseCampaign)
			r.Post("/resume", h.ResumeCampaign)
			r.Post("/duplicate", h.DuplicateCampaign)
			r.Post("/schedule", h.ScheduleCampaign)
			r.Post("/test-send", h.TestSendCampaign)
			r.Get("/sends", h.ListSends)
			r.Post("/fix-stuck", h.FixStuckCampaign)
			r.Get("/repairs", h.ListRepairs)
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/delivery", h.DeliveryWebhook)
		r.Post("/twilio", h.TwilioStatusWebhook)
	})

	return r
}
