package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-fallback-gateway/services/breaker"
	"github.com/upb/llm-fallback-gateway/services/equivalence"
	"github.com/upb/llm-fallback-gateway/services/fallback"
	"github.com/upb/llm-fallback-gateway/utils"
	"go.uber.org/zap"
)

// FallbackAdmin is the orchestrator's administrative surface used by the
// admin endpoints. Implemented by fallback.Orchestrator.
type FallbackAdmin interface {
	IsEnabled() bool
	Config() fallback.Policy
	Configure(override fallback.PolicyOverride)
	CircuitStates() map[equivalence.BackendKey]breaker.State
	ResetCircuit(backend equivalence.BackendKey)
	ResetAllCircuits()
}

// FallbackHandler handles fallback administration HTTP requests
type FallbackHandler struct {
	admin  FallbackAdmin
	tiers  *equivalence.Registry
	logger *zap.Logger
}

// NewFallbackHandler creates a new FallbackHandler
func NewFallbackHandler(admin FallbackAdmin, tiers *equivalence.Registry, logger *zap.Logger) *FallbackHandler {
	return &FallbackHandler{
		admin:  admin,
		tiers:  tiers,
		logger: logger,
	}
}

// CircuitResponse is one backend's circuit in the list response
type CircuitResponse struct {
	Backend equivalence.BackendKey `json:"backend"`
	State   breaker.State          `json:"state"`
}

// HandleListCircuits handles GET /api/v1/fallback/circuits
func (h *FallbackHandler) HandleListCircuits(w http.ResponseWriter, r *http.Request) {
	states := h.admin.CircuitStates()

	circuits := make([]CircuitResponse, 0, len(states))
	for backend, state := range states {
		circuits = append(circuits, CircuitResponse{Backend: backend, State: state})
	}

	_ = utils.WriteOK(w, circuits)
}

// HandleResetCircuit handles POST /api/v1/fallback/circuits/{provider}/{model}/reset
func (h *FallbackHandler) HandleResetCircuit(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	model := chi.URLParam(r, "model")
	if provider == "" || model == "" {
		_ = utils.WriteBadRequest(w, "provider and model are required", nil)
		return
	}

	backend := equivalence.NewBackendKey(provider, model)
	h.admin.ResetCircuit(backend)

	h.logger.Info("circuit reset", zap.String("backend", backend.String()))
	utils.WriteNoContent(w)
}

// HandleResetAllCircuits handles POST /api/v1/fallback/circuits/reset
func (h *FallbackHandler) HandleResetAllCircuits(w http.ResponseWriter, r *http.Request) {
	h.admin.ResetAllCircuits()

	h.logger.Info("all circuits reset")
	utils.WriteNoContent(w)
}

// FallbackConfigResponse is the response body for GET /api/v1/fallback/config
type FallbackConfigResponse struct {
	Enabled bool            `json:"enabled"`
	Policy  fallback.Policy `json:"policy"`
}

// HandleGetConfig handles GET /api/v1/fallback/config
func (h *FallbackHandler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, FallbackConfigResponse{
		Enabled: h.admin.IsEnabled(),
		Policy:  h.admin.Config(),
	})
}

// HandleUpdateConfig handles PATCH /api/v1/fallback/config.
// Partial update: absent fields keep their current values. Breaker
// threshold changes apply to circuits created after this call.
func (h *FallbackHandler) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var override fallback.PolicyOverride
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if override.MaxAttempts != nil && *override.MaxAttempts < 1 {
		_ = utils.WriteBadRequest(w, "max_attempts must be at least 1", nil)
		return
	}

	h.admin.Configure(override)

	h.logger.Info("fallback policy updated")
	_ = utils.WriteOK(w, FallbackConfigResponse{
		Enabled: h.admin.IsEnabled(),
		Policy:  h.admin.Config(),
	})
}

// TierResponse is one equivalence tier in the list response
type TierResponse struct {
	Name         string                   `json:"name"`
	Backends     []equivalence.BackendKey `json:"backends"`
	Capabilities []string                 `json:"capabilities,omitempty"`
}

// HandleListTiers handles GET /api/v1/fallback/tiers
func (h *FallbackHandler) HandleListTiers(w http.ResponseWriter, r *http.Request) {
	tiers := h.tiers.Tiers()

	out := make([]TierResponse, 0, len(tiers))
	for _, tier := range tiers {
		out = append(out, TierResponse{
			Name:         tier.Name,
			Backends:     tier.Backends,
			Capabilities: tier.Capabilities,
		})
	}

	_ = utils.WriteOK(w, out)
}
