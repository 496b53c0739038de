package router

import (
	"net/http"

	"github.com/fengsecao/nexus-cli/internal/api/handlers"
	"github.com/fengsecao/nexus-cli/internal/api/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SetupRouter creates and configures the status server router
func SetupRouter(statusHandler *handlers.StatusHandler, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()

	// ========================================================================
	// Global Middleware (applies to ALL routes)
	// ========================================================================

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID(logger))

	rateLimiter := middleware.NewRateLimiter(handlers.StatusRequestRate, handlers.StatusRequestBurst, logger)
	r.Use(rateLimiter.Middleware())

	r.Use(middleware.Logging(logger))
	r.Use(middleware.Timeout(handlers.HandlerTimeout))

	// ========================================================================
	// Health & Status
	// ========================================================================

	r.HandleFunc("/health", statusHandler.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ready", statusHandler.Ready).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/pacing", statusHandler.Pacing).Methods(http.MethodGet)
	api.HandleFunc("/activity", statusHandler.Activity).Methods(http.MethodGet)

	return r
}
