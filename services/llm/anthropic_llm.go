// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1/messages"
	anthropicDefaultModel   = "claude-3-5-haiku-latest"

	// anthropicMaxErrorBody bounds how much of an error body is kept.
	anthropicMaxErrorBody = 2048
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    []systemBlock      `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicErrorEnvelope is the body shape of non-200 responses.
type anthropicErrorEnvelope struct {
	Error anthropicError `json:"error"`
}

// AnthropicConfig configures AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the Messages endpoint. Tests point it at httptest.
	BaseURL string

	// DefaultModel is used when a request carries no model.
	DefaultModel string

	// Timeout bounds one HTTP round trip. Default: 60s.
	Timeout time.Duration
}

// AnthropicProvider calls the Anthropic Messages API directly over HTTP.
//
// Thread Safety: safe for concurrent use.
type AnthropicProvider struct {
	httpClient   *http.Client
	apiKey       string
	baseURL      string
	defaultModel string
	logger       *slog.Logger
}

// NewAnthropicProvider validates config and returns a provider.
//
// # Inputs
//
//   - cfg: Provider configuration. APIKey must be set; use LoadSecret to
//     read it from ANTHROPIC_API_KEY or /run/secrets/anthropic_api_key.
//   - logger: Optional; nil discards.
//
// # Outputs
//
//   - *AnthropicProvider: Ready to use.
//   - error: Non-nil when the key is missing.
func NewAnthropicProvider(cfg AnthropicConfig, logger *slog.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is missing")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = anthropicDefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AnthropicProvider{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		logger:       logger,
	}, nil
}

// Name implements Provider.
func (a *AnthropicProvider) Name() string { return "anthropic" }

// Call implements Provider.
func (a *AnthropicProvider) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	payload := anthropicRequest{
		Model:     model,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		block := systemBlock{Type: "text", Text: req.SystemPrompt}
		// Long system prompts are identical across items; let the API cache them.
		if len(req.SystemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		payload.System = []systemBlock{block}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return CallResponse{}, &Error{Class: ClassInvalidRequest, Provider: a.Name(), Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return CallResponse{}, &Error{Class: ClassInvalidRequest, Provider: a.Name(), Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")

	a.logger.Debug("sending request to anthropic", "model", model, "max_tokens", maxTokens)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return CallResponse{}, classifyTransport(a.Name(), ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CallResponse{}, classifyTransport(a.Name(), ctx, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return CallResponse{}, a.statusError(resp.StatusCode, respBody)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return CallResponse{}, &Error{Class: ClassProvider, Provider: a.Name(), StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if apiResp.Error != nil {
		return CallResponse{}, &Error{
			Class:      classFromAnthropicType(apiResp.Error.Type, resp.StatusCode),
			Provider:   a.Name(),
			StatusCode: resp.StatusCode,
			Message:    apiResp.Error.Message,
		}
	}

	var text string
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return CallResponse{}, &Error{Class: ClassProvider, Provider: a.Name(), StatusCode: resp.StatusCode, Message: "response contained no text block"}
	}

	if apiResp.Model != "" {
		model = apiResp.Model
	}
	return CallResponse{
		Text:  text,
		Model: model,
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}, nil
}

func (a *AnthropicProvider) statusError(status int, body []byte) *Error {
	var env anthropicErrorEnvelope
	msg := ""
	class := ClassFromStatus(status)
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Type != "" {
		msg = env.Error.Message
		class = classFromAnthropicType(env.Error.Type, status)
	} else {
		if len(body) > anthropicMaxErrorBody {
			body = body[:anthropicMaxErrorBody]
		}
		msg = string(body)
	}
	return &Error{Class: class, Provider: a.Name(), StatusCode: status, Message: msg}
}

// classFromAnthropicType prefers the documented error type over the status.
func classFromAnthropicType(errType string, status int) ErrorClass {
	switch errType {
	case "authentication_error":
		return ClassAuthentication
	case "permission_error":
		return ClassPermissionDenied
	case "invalid_request_error", "not_found_error", "request_too_large":
		return ClassInvalidRequest
	case "rate_limit_error", "overloaded_error":
		return ClassRateLimited
	case "api_error":
		return ClassUpstreamInternal
	default:
		return ClassFromStatus(status)
	}
}

var _ Provider = (*AnthropicProvider)(nil)
