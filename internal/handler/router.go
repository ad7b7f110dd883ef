package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/negotiation-room/internal/middleware"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
)

// RouterConfig holds the handlers and settings of the HTTP surface.
type RouterConfig struct {
	Health    *HealthHandler
	Contracts *ContractHandler
	Rooms     *RoomHandler

	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/templates", cfg.Contracts.Templates)

		r.Route("/contracts", func(r chi.Router) {
			r.Post("/", cfg.Contracts.Create)
			r.Get("/", cfg.Contracts.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Contracts.Get)

				r.Post("/join", cfg.Rooms.Join)
				r.Post("/leave", cfg.Rooms.Leave)
				r.Post("/advance", cfg.Rooms.Advance)
				r.Post("/sign", cfg.Rooms.Sign)
				r.Post("/abandon", cfg.Rooms.Abandon)
				r.Post("/envelopes", cfg.Rooms.Envelope)
				r.Get("/log", cfg.Rooms.Log)

				// Streaming
				r.Get("/stream", cfg.Rooms.Stream)
				r.Get("/ws", cfg.Rooms.WebSocket)
			})
		})
	})

	return r
}
