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
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.triage.llm.ollama")

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// OllamaConfig configures OllamaProvider.
type OllamaConfig struct {
	BaseURL      string // e.g. http://localhost:11434
	DefaultModel string
	Timeout      time.Duration // default 5m; local models can be slow to load
}

// OllamaProvider calls a local Ollama server. Typically used as the cheap
// default tier with a hosted model as the escalation tier.
type OllamaProvider struct {
	httpClient   *http.Client
	baseURL      string
	defaultModel string
	logger       *slog.Logger
}

// NewOllamaProvider returns a provider, or an error when BaseURL is empty.
func NewOllamaProvider(cfg OllamaConfig, logger *slog.Logger) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama: base URL is missing")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama3.1:8b"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OllamaProvider{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		logger:       logger,
	}, nil
}

// Name implements Provider.
func (o *OllamaProvider) Name() string { return "ollama" }

// Call implements Provider. The request asks Ollama for JSON-formatted
// output, which cuts down on repair work downstream.
func (o *OllamaProvider) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	ctx, span := tracer.Start(ctx, "OllamaProvider.Call")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	var messages []ollamaMessage
	if req.SystemPrompt != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: req.Prompt})

	payload := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Format:   "json",
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return CallResponse{}, &Error{Class: ClassInvalidRequest, Provider: o.Name(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return CallResponse{}, &Error{Class: ClassInvalidRequest, Provider: o.Name(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return CallResponse{}, classifyTransport(o.Name(), ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CallResponse{}, classifyTransport(o.Name(), ctx, err)
	}

	var chatResp ollamaChatResponse
	decodeErr := json.Unmarshal(respBody, &chatResp)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		if decodeErr == nil && chatResp.Error != "" {
			msg = chatResp.Error
		}
		span.SetStatus(codes.Error, msg)
		return CallResponse{}, &Error{Class: ClassFromStatus(resp.StatusCode), Provider: o.Name(), StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return CallResponse{}, &Error{Class: ClassProvider, Provider: o.Name(), StatusCode: resp.StatusCode, Err: decodeErr}
	}

	span.SetAttributes(
		attribute.Int("llm.input_tokens", chatResp.PromptEvalCount),
		attribute.Int("llm.output_tokens", chatResp.EvalCount),
	)
	return CallResponse{
		Text:  chatResp.Message.Content,
		Model: model,
		Usage: Usage{InputTokens: chatResp.PromptEvalCount, OutputTokens: chatResp.EvalCount},
	}, nil
}

var _ Provider = (*OllamaProvider)(nil)
