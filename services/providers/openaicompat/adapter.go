// Package openaicompat implements the Provider interface against any
// OpenAI-compatible chat completions API. Most hosted LLM providers
// expose this wire format, so one adapter covers them all; the provider
// name and base URL are configuration.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upb/llm-fallback-gateway/services/providers"
)

// Adapter implements providers.Provider over an OpenAI-compatible API.
type Adapter struct {
	name       string
	config     providers.ProviderConfig
	httpClient *http.Client
}

// New creates an adapter for the named provider. The base URL must point
// at the API root (e.g. "https://api.openai.com/v1").
func New(name string, config providers.ProviderConfig) *Adapter {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Adapter{
		name:   name,
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return a.name
}

// wire types for the OpenAI chat completions format

type wireRequest struct {
	Model       string              `json:"model"`
	Messages    []providers.Message `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	User        string              `json:"user,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int               `json:"index"`
		Message      providers.Message `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage providers.Usage `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ChatCompletion performs a chat completion request
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	start := time.Now()

	body, err := json.Marshal(wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		User:        req.User,
	})
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.KindInvalidRequest,
			"failed to marshal request", 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(a.config.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.KindInvalidRequest,
			"failed to create request", 0, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		// Context cancellation must surface as such, not as a provider
		// failure, so the orchestrator can propagate it untouched.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netKind = providers.KindNetwork
		var urlErr interface{ Timeout() bool }
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			netKind = providers.KindTimeout
		}
		return nil, providers.NewProviderError(a.name, netKind, "request failed", 0, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.KindNetwork,
			"failed to read response", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.errorFromResponse(httpResp.StatusCode, respBody)
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, providers.NewProviderError(a.name, providers.KindServer,
			"failed to unmarshal response", httpResp.StatusCode, err)
	}

	resp := &providers.ChatResponse{
		ID:       wire.ID,
		Model:    wire.Model,
		Usage:    wire.Usage,
		Provider: a.name,
		Latency:  time.Since(start),
		Created:  time.Unix(wire.Created, 0),
	}
	for _, c := range wire.Choices {
		resp.Choices = append(resp.Choices, providers.Choice{
			Index:        c.Index,
			Message:      c.Message,
			FinishReason: c.FinishReason,
		})
	}
	return resp, nil
}

// errorFromResponse converts a non-200 response into a typed ProviderError.
func (a *Adapter) errorFromResponse(status int, body []byte) *providers.ProviderError {
	kind := providers.KindFromStatus(status)
	message := fmt.Sprintf("provider returned status %d", status)

	var wire wireError
	if err := json.Unmarshal(body, &wire); err != nil || wire.Error.Message == "" {
		// Some providers return the error object flat instead of nested.
		_ = json.Unmarshal(body, &wire.Error)
	}
	if wire.Error.Message != "" {
		message = wire.Error.Message
	}

	// OpenAI reports context overflow as a 400 with an explicit code.
	if wire.Error.Code == "context_length_exceeded" ||
		strings.Contains(wire.Error.Message, "maximum context length") {
		kind = providers.KindContextLength
	}

	return providers.NewProviderError(a.name, kind, message, status, nil)
}
