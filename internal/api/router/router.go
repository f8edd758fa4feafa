package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/chatpulse/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/chatpulse/internal/http/middleware"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	ChatWebhook        *handlers.ChatWebhookHandler
	ResponseTimes      *handlers.ResponseTimeHandler
	Health             http.Handler
	MetricsHandler     http.Handler
	MetricsSnapshot    http.Handler
	AdminAuthSecret    string
	CORSAllowedOrigins []string
}

// New creates the chi router for the API process.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Handle("/health", cfg.Health)
		} else {
			public.Get("/health", handlers.Health())
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.ChatWebhook != nil {
			public.Post("/webhooks/chat", cfg.ChatWebhook.Handle)
		}
	})

	// The read API is only mounted when a signing secret is configured.
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Use(middleware.Compress(5))
			if rt := cfg.ResponseTimes; rt != nil {
				admin.Get("/orgs/{orgID}/response-times/stats", rt.GetOrgStats)
				admin.Get("/orgs/{orgID}/response-times/pending", rt.GetPending)
				admin.Get("/contacts/{phone}/response-times/stats", rt.GetContactStats)
				admin.Get("/events/failed", rt.ListFailedEvents)
			}
			if cfg.MetricsSnapshot != nil {
				admin.Handle("/metrics/snapshot", cfg.MetricsSnapshot)
			}
		})
	}

	return r
}
