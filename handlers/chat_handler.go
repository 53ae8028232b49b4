package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/upb/llm-fallback-gateway/services/equivalence"
	"github.com/upb/llm-fallback-gateway/services/fallback"
	"github.com/upb/llm-fallback-gateway/services/providers"
	"github.com/upb/llm-fallback-gateway/utils"
	"go.uber.org/zap"
)

// ChatCompletionRequest represents an OpenAI-compatible chat completion
// request. Model is a backend key of the form "provider/model" so the
// caller picks the concrete backend the fallback chain starts from.
type ChatCompletionRequest struct {
	Model       string        `json:"model" validate:"required"`
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64      `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int          `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`

	// SkipFallback sends the request straight to Model with no breaker
	// interaction; errors come back raw.
	SkipFallback bool `json:"skip_fallback,omitempty"`

	// MaxFallbackAttempts overrides the global attempt budget for this
	// request only.
	MaxFallbackAttempts *int `json:"max_fallback_attempts,omitempty" validate:"omitempty,gte=1,lte=10"`
}

// ChatMessage represents a single chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// ChatCompletionResponse represents an OpenAI-compatible chat completion response
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// ChatChoice represents a completion choice
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage represents token usage information
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Streamer drives one orchestrated inference request. Implemented by
// fallback.Orchestrator.
type Streamer interface {
	Stream(ctx context.Context, req *fallback.StreamRequest) (*providers.ChatResponse, error)
}

// ChatHandler handles chat completion HTTP requests
type ChatHandler struct {
	orchestrator Streamer
	logger       *zap.Logger
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(orchestrator Streamer, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// HandleChatCompletion handles POST /api/v1/chat
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetReqID(ctx)

	var chatReq ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&chatReq); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&chatReq); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	backend, err := equivalence.ParseKey(chatReq.Model)
	if err != nil {
		_ = utils.WriteBadRequest(w, "model must have the form provider/model", map[string]interface{}{
			"model": chatReq.Model,
		})
		return
	}

	streamReq := &fallback.StreamRequest{
		Backend:      backend,
		Request:      buildProviderRequest(&chatReq, backend),
		SkipFallback: chatReq.SkipFallback,
	}
	if chatReq.MaxFallbackAttempts != nil {
		streamReq.Policy = &fallback.PolicyOverride{MaxAttempts: chatReq.MaxFallbackAttempts}
	}

	h.logger.Debug("processing chat completion",
		zap.String("request_id", requestID),
		zap.String("backend", backend.String()),
		zap.Bool("skip_fallback", chatReq.SkipFallback))

	result, err := h.orchestrator.Stream(ctx, streamReq)
	if err != nil {
		h.logger.Error("chat completion failed",
			zap.String("request_id", requestID),
			zap.String("backend", backend.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	response := buildChatResponse(result)

	h.logger.Info("chat completion successful",
		zap.String("request_id", requestID),
		zap.String("backend", backend.String()),
		zap.String("served_model", result.Model),
		zap.Int("total_tokens", result.Usage.TotalTokens))

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// buildProviderRequest maps the HTTP payload to the provider-level request
func buildProviderRequest(chatReq *ChatCompletionRequest, backend equivalence.BackendKey) *providers.ChatRequest {
	req := &providers.ChatRequest{
		Model:    backend.Model(),
		Messages: make([]providers.Message, len(chatReq.Messages)),
		Stop:     chatReq.Stop,
		User:     chatReq.User,
	}
	for i, m := range chatReq.Messages {
		req.Messages[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	if chatReq.Temperature != nil {
		req.Temperature = *chatReq.Temperature
	}
	if chatReq.MaxTokens != nil {
		req.MaxTokens = *chatReq.MaxTokens
	}
	return req
}

// buildChatResponse maps the provider-level response to the HTTP payload
func buildChatResponse(result *providers.ChatResponse) ChatCompletionResponse {
	choices := make([]ChatChoice, len(result.Choices))
	for i, c := range result.Choices {
		choices[i] = ChatChoice{
			Index:        c.Index,
			Message:      ChatMessage{Role: c.Message.Role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		}
	}
	return ChatCompletionResponse{
		ID:      result.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Model,
		Choices: choices,
		Usage: ChatUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.PromptTokens + result.Usage.CompletionTokens,
		},
	}
}
