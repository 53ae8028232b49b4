package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/llm-fallback-gateway/services"
	"github.com/upb/llm-fallback-gateway/services/providers"
	"github.com/upb/llm-fallback-gateway/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain and provider errors to HTTP responses.
// The orchestrator returns the final backend's error unmodified, so both
// taxonomies surface here.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	// Provider-level errors first: these carry the upstream failure kind.
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) {
		writeProviderError(w, provErr, logger)
		return
	}

	details := services.GetErrorDetails(err)

	switch {
	case services.IsNotFoundError(err):
		if err := utils.WriteNotFound(w, err.Error()); err != nil {
			logger.Error("failed to write not found response", zap.Error(err))
		}

	case services.IsValidationError(err):
		if err := utils.WriteBadRequest(w, err.Error(), details); err != nil {
			logger.Error("failed to write bad request response", zap.Error(err))
		}

	case services.IsUnavailableError(err):
		// Circuit open with no peer to fall back to.
		if err := utils.WriteServiceUnavailable(w, err.Error()); err != nil {
			logger.Error("failed to write unavailable response", zap.Error(err))
		}

	case services.IsExhaustedError(err):
		if err := utils.WriteServiceUnavailable(w, err.Error()); err != nil {
			logger.Error("failed to write exhausted response", zap.Error(err))
		}

	case services.IsExternalError(err):
		if err := utils.WriteBadGateway(w, err.Error()); err != nil {
			logger.Error("failed to write bad gateway response", zap.Error(err))
		}

	case services.IsInternalError(err):
		// Log internal errors but return a generic message
		logger.Error("internal server error", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
	}
}

// writeProviderError maps an upstream provider failure to an HTTP status.
// Invalid requests are the caller's fault; everything else is an upstream
// problem surfaced as a gateway-class status.
func writeProviderError(w http.ResponseWriter, provErr *providers.ProviderError, logger *zap.Logger) {
	var err error
	switch provErr.Kind {
	case providers.KindInvalidRequest:
		err = utils.WriteBadRequest(w, provErr.Message, map[string]interface{}{
			"provider": provErr.Provider,
		})
	case providers.KindContextLength:
		err = utils.WriteBadRequest(w, provErr.Message, map[string]interface{}{
			"provider": provErr.Provider,
			"code":     "context_length_exceeded",
		})
	case providers.KindRateLimited:
		err = utils.WriteTooManyRequests(w, provErr.Message, map[string]interface{}{
			"provider": provErr.Provider,
		})
	case providers.KindTimeout, providers.KindNetwork, providers.KindServer, providers.KindAuth:
		err = utils.WriteBadGateway(w, provErr.Error())
	default:
		err = utils.WriteBadGateway(w, provErr.Error())
	}
	if err != nil {
		logger.Error("failed to write provider error response", zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
