package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hwconfirm/internal/handler"
	authmw "hwconfirm/internal/transport/http/middleware"
)

// RouterConfig holds the dependencies needed to create routes
type RouterConfig struct {
	DeviceHandler       *handler.DeviceHandler
	ConfirmationHandler *handler.ConfirmationHandler
	HealthHandler       *handler.HealthHandler
	PushHandler         *handler.PushHandler
	ConfirmLimiter      *authmw.RateLimiter
	JWTSecret           string
	AllowedOrigins      []string
}

// NewRouter creates and configures a new Chi router with all route groups
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Get("/api/health", cfg.HealthHandler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Push channel authenticates inside the socket
	r.Get("/ws", cfg.PushHandler.Serve)

	// Protected routes - require authentication
	r.Group(func(r chi.Router) {
		r.Use(authmw.AuthMiddleware(cfg.JWTSecret))

		r.Get("/api/user-id", cfg.DeviceHandler.UserID)

		// Device registry
		r.Get("/api/devices", cfg.DeviceHandler.List)
		r.Post("/api/register-device", cfg.DeviceHandler.Register)
		r.Delete("/api/devices/{deviceId}", cfg.DeviceHandler.Remove)

		// Confirmations
		if cfg.ConfirmLimiter != nil {
			r.With(cfg.ConfirmLimiter.Middleware).Post("/api/request-confirm", cfg.ConfirmationHandler.Request)
		} else {
			r.Post("/api/request-confirm", cfg.ConfirmationHandler.Request)
		}
		r.Get("/api/confirmations", cfg.ConfirmationHandler.List)
		r.Get("/api/confirmation/{confirmationId}", cfg.ConfirmationHandler.GetStatus)
		r.Post("/api/confirmation/{confirmationId}/cancel", cfg.ConfirmationHandler.Cancel)
	})

	return r
}
