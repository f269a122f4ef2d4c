package router

import (
	"net/http"

	"trek-rest-api/internal/handler"
	"trek-rest-api/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler        *handler.Handler
	UserHandler    *handler.UserHandler
	SyncHandler    *handler.SyncHandler
	AdminHandler   *handler.AdminHandler
	AuthMiddleware func(http.Handler) http.Handler
	RateLimiter    *middleware.RateLimiter
	Logger         *zap.Logger
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// PUBLIC routes (no auth required)
	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}

	// AUTHENTICATED routes (use Group to apply auth middleware only to these)
	r.Group(func(r chi.Router) {
		if cfg.AuthMiddleware != nil {
			r.Use(cfg.AuthMiddleware)
		}
		// after auth so authenticated clients are limited by key
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}

		r.Route("/api/v1", func(r chi.Router) {
			if cfg.Handler != nil {
				r.Get("/health", cfg.Handler.Health)
				r.Get("/ready", cfg.Handler.Ready)
			}

			if cfg.UserHandler != nil {
				r.Get("/catalog", cfg.UserHandler.Catalog)
			}

			r.Route("/users/{user_id}", func(r chi.Router) {
				if cfg.UserHandler != nil {
					r.Post("/seed", cfg.UserHandler.Seed)
					r.Get("/profile", cfg.UserHandler.Profile)
					r.Get("/daily", cfg.UserHandler.Daily)
					r.Post("/purchase", cfg.UserHandler.Purchase)
					r.Post("/equip", cfg.UserHandler.Equip)
					r.Post("/activity", cfg.UserHandler.Activity)
					r.Get("/activities", cfg.UserHandler.Sessions)
					r.Post("/activities", cfg.UserHandler.LogSession)
					r.Delete("/activities/{activity_id}", cfg.UserHandler.DeleteSession)
				}
				if cfg.SyncHandler != nil {
					r.Post("/sync", cfg.SyncHandler.Subscribe)
					r.Delete("/sync", cfg.SyncHandler.Unsubscribe)
					r.Get("/events", cfg.SyncHandler.Events)
				}
			})

			if cfg.AdminHandler != nil {
				r.Route("/admin", func(r chi.Router) {
					r.Get("/stats", cfg.AdminHandler.GetStats)
				})
			}
		})
	})

	return r
}
