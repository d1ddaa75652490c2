// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the outbound AI provider contract and its adapters.
//
// A Provider performs exactly one request and reports failures as *Error
// values tagged with an ErrorClass. Rate limiting, circuit breaking, retry,
// and escalation all live in the dispatch package; adapters here never retry.
//
// Adapters:
//   - AnthropicProvider: Messages API over net/http
//   - OpenAIProvider: Chat Completions via github.com/sashabaranov/go-openai
//   - OllamaProvider: local /api/chat over net/http
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// CallRequest is a single provider request.
type CallRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	MaxTokens    int
}

// CallResponse is a single provider response.
type CallResponse struct {
	Text  string
	Model string
	Usage Usage
}

// Provider sends one request to an AI backend.
//
// Implementations must be safe for concurrent use and must return *Error
// for every failure they can classify.
type Provider interface {
	// Name identifies the provider in logs, metrics, and breaker keys.
	Name() string

	// Call performs one request. It never retries.
	Call(ctx context.Context, req CallRequest) (CallResponse, error)
}

// Registry resolves providers by name.
type Registry map[string]Provider

// Get returns the named provider.
func (r Registry) Get(name string) (Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("llm: provider %q not configured", name)
	}
	return p, nil
}

// Register adds p under its own name.
func (r Registry) Register(p Provider) {
	r[p.Name()] = p
}

// LoadSecret reads a credential from the environment, falling back to a
// mounted secret file (Podman/Docker secrets). Returns "" when neither is set.
func LoadSecret(envVar, secretPath string) string {
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	if secretPath == "" {
		return ""
	}
	if content, err := os.ReadFile(secretPath); err == nil {
		return strings.TrimSpace(string(content))
	}
	return ""
}
