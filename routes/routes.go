package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/llm-fallback-gateway/app"
	"github.com/upb/llm-fallback-gateway/handlers"
	"github.com/upb/llm-fallback-gateway/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(deps.Config.Server.WriteTimeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	healthHandler := handlers.NewHealthHandler(deps.Providers, deps.Tiers, deps.Logger)
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)

	// Prometheus metrics
	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	chatHandler := handlers.NewChatHandler(deps.Orchestrator, deps.Logger)
	fallbackHandler := handlers.NewFallbackHandler(deps.Orchestrator, deps.Tiers, deps.Logger)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", chatHandler.HandleChatCompletion)

		// Fallback administration
		r.Route("/fallback", func(r chi.Router) {
			r.Get("/config", fallbackHandler.HandleGetConfig)
			r.Patch("/config", fallbackHandler.HandleUpdateConfig)
			r.Get("/tiers", fallbackHandler.HandleListTiers)
			r.Get("/circuits", fallbackHandler.HandleListCircuits)
			r.Post("/circuits/reset", fallbackHandler.HandleResetAllCircuits)
			r.Post("/circuits/{provider}/{model}/reset", fallbackHandler.HandleResetCircuit)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
