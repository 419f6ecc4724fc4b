package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// Router is the API router
type Router struct {
	handler        *Handler
	middleware     *Middleware
	allowedOrigins []string
	logger         *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(deps Deps, allowedOrigins []string, log *logger.Logger) *Router {
	return &Router{
		handler:        NewHandler(deps, log),
		middleware:     NewMiddleware(log),
		allowedOrigins: allowedOrigins,
		logger:         log.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.allowedOrigins))

	router.Route("/api/v1", func(router chi.Router) {
		// Health check
		router.Get("/health", r.handler.GetHealth)
		router.Get("/status", r.handler.GetStatus)

		// Geofence routes
		router.Post("/geofence/invalidate", r.handler.InvalidateGeofence)
		router.Get("/geofence/contains", r.handler.CheckContains)

		// Tariff routes
		router.Get("/tariffs", r.handler.GetTariffs)
		router.Post("/tariffs/refresh", r.handler.RefreshTariffs)

		// Kill switch
		router.Put("/system/active", r.handler.SetActive)

		// On-demand billing
		router.Post("/billing/flights/{flightID}", r.handler.BillFlight)
		router.Post("/billing/overflights/{sessionID}", r.handler.BillOverflight)
		router.Get("/billing/overflights/{sessionID}/quote", r.handler.QuoteOverflight)
	})

	return router
}
