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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // optional, e.g. an Azure or proxy endpoint ending in /v1
	DefaultModel string // default: gpt-4o-mini
	Timeout      time.Duration
}

// OpenAIProvider calls Chat Completions through go-openai.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	logger       *slog.Logger
}

// NewOpenAIProvider returns a provider, or an error when the key is missing.
func NewOpenAIProvider(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is missing")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		logger:       logger,
	}, nil
}

// Name implements Provider.
func (o *OpenAIProvider) Name() string { return "openai" }

// Call implements Provider.
func (o *OpenAIProvider) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}

	o.logger.Debug("sending request to openai", "model", model)

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return CallResponse{}, o.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return CallResponse{}, &Error{Class: ClassProvider, Provider: o.Name(), Message: "no choices returned"}
	}

	if resp.Model != "" {
		model = resp.Model
	}
	return CallResponse{
		Text:  resp.Choices[0].Message.Content,
		Model: model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// classify maps go-openai's error types onto error classes.
func (o *OpenAIProvider) classify(ctx context.Context, err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Class:      ClassFromStatus(apiErr.HTTPStatusCode),
			Provider:   o.Name(),
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{
			Class:      ClassFromStatus(reqErr.HTTPStatusCode),
			Provider:   o.Name(),
			StatusCode: reqErr.HTTPStatusCode,
			Err:        err,
		}
	}
	return classifyTransport(o.Name(), ctx, err)
}

var _ Provider = (*OpenAIProvider)(nil)
