package handlers

import (
	"net/http"
	"time"

	"github.com/upb/llm-fallback-gateway/services/equivalence"
	"github.com/upb/llm-fallback-gateway/services/providers"
	"github.com/upb/llm-fallback-gateway/utils"
	"go.uber.org/zap"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	providers *providers.Registry
	tiers     *equivalence.Registry
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(providerRegistry *providers.Registry, tiers *equivalence.Registry, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		providers: providerRegistry,
		tiers:     tiers,
		logger:    logger,
	}
}

// HandleHealth handles GET /healthz
// Basic liveness check - always returns 200 if the process is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness requires at least one registered provider and a loaded tier table
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	allHealthy := true

	if h.providers.Count() == 0 {
		h.logger.Warn("readiness check failed: no providers registered")
		checks["providers"] = "unhealthy"
		allHealthy = false
	} else {
		checks["providers"] = "healthy"
	}

	if len(h.tiers.Tiers()) == 0 {
		h.logger.Warn("readiness check failed: equivalence table empty")
		checks["equivalence"] = "unhealthy"
		allHealthy = false
	} else {
		checks["equivalence"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
