// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the triage CLI configuration.
//
// The file lives at ~/.aleutian/triage.yaml unless --config says otherwise
// and is created with defaults on first run. API keys never live in the
// file; they come from the environment or mounted secret files.
package config

import (
	"time"

	"github.com/AleutianAI/AleutianTriage/pkg/telemetry"
	"github.com/AleutianAI/AleutianTriage/services/api"
)

// Config is the root of triage.yaml.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Queue      QueueConfig      `yaml:"queue"`
	Processing ProcessingConfig `yaml:"processing"`
	Server     api.Config       `yaml:"server"`
	Telemetry  telemetry.Config `yaml:"telemetry"`

	// Secrets is filled from the environment by Load. Never serialized.
	Secrets Secrets `yaml:"-"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	LogDir string `yaml:"log_dir"`
}

// ProvidersConfig configures the LLM adapters. A provider with an empty
// BaseURL (Ollama) or no API key (Anthropic, OpenAI) is not registered.
type ProvidersConfig struct {
	Ollama    ProviderConfig `yaml:"ollama"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// ProviderConfig is one adapter's settings.
type ProviderConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"omitempty,url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`

	// APIKeyFile is a mounted secret read when the env var is unset.
	APIKeyFile string `yaml:"api_key_file"`
}

// TierConfig names a provider and model.
type TierConfig struct {
	Provider string `yaml:"provider" validate:"required,oneof=ollama anthropic openai"`
	Model    string `yaml:"model"`
}

// DispatchConfig configures the dispatcher.
type DispatchConfig struct {
	MaxRequests    int           `yaml:"max_requests" validate:"gte=1"`
	Window         time.Duration `yaml:"window" validate:"gt=0"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" validate:"gte=0"`

	FailureThreshold int           `yaml:"failure_threshold" validate:"gte=1"`
	OpenTimeout      time.Duration `yaml:"open_timeout" validate:"gt=0"`

	MaxAttempts int     `yaml:"max_attempts" validate:"gte=1,lte=10"`
	BackoffBase float64 `yaml:"backoff_base" validate:"gte=1"`

	Default             TierConfig  `yaml:"default"`
	Escalation          *TierConfig `yaml:"escalation,omitempty"`
	EscalationThreshold float64     `yaml:"escalation_threshold" validate:"gte=0,lte=100"`

	LatencyWindow int `yaml:"latency_window" validate:"gte=0"`
}

// QueueConfig selects and configures the storage backend.
type QueueConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=file badger"`
	Dir     string `yaml:"dir" validate:"required"`

	BadgerSyncWrites bool          `yaml:"badger_sync_writes"`
	BadgerGCInterval time.Duration `yaml:"badger_gc_interval" validate:"gte=0"`

	WakeInterval time.Duration `yaml:"wake_interval" validate:"gte=0"`
}

// ProcessingConfig configures the orchestrator.
type ProcessingConfig struct {
	AutoApply          bool    `yaml:"auto_apply"`
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold" validate:"gte=0,lte=100"`
	MaxTokens          int     `yaml:"max_tokens" validate:"gte=0,lte=200000"`
	PreviewLength      int     `yaml:"preview_length" validate:"gte=0"`

	// RedactPreviews scrubs secrets and card numbers from stored previews.
	RedactPreviews bool `yaml:"redact_previews"`
}

// Secrets are credentials resolved at load time.
type Secrets struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	APIToken        string
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			LogDir: "~/.aleutian/logs",
		},
		Providers: ProvidersConfig{
			Ollama: ProviderConfig{
				BaseURL:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
				Timeout:      5 * time.Minute,
			},
			Anthropic: ProviderConfig{
				DefaultModel: "claude-sonnet-4-5",
				Timeout:      60 * time.Second,
				APIKeyFile:   "/run/secrets/anthropic_api_key",
			},
			OpenAI: ProviderConfig{
				DefaultModel: "gpt-4o-mini",
				Timeout:      60 * time.Second,
				APIKeyFile:   "/run/secrets/openai_api_key",
			},
		},
		Dispatch: DispatchConfig{
			MaxRequests:         50,
			Window:              time.Minute,
			AcquireTimeout:      30 * time.Second,
			FailureThreshold:    5,
			OpenTimeout:         60 * time.Second,
			MaxAttempts:         3,
			BackoffBase:         2,
			Default:             TierConfig{Provider: "ollama", Model: "llama3.1:8b"},
			Escalation:          &TierConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			EscalationThreshold: 70,
			LatencyWindow:       1000,
		},
		Queue: QueueConfig{
			Backend:          "file",
			Dir:              "~/.aleutian/triage/queue",
			BadgerSyncWrites: true,
			BadgerGCInterval: 5 * time.Minute,
			WakeInterval:     time.Minute,
		},
		Processing: ProcessingConfig{
			AutoApplyThreshold: 90,
			PreviewLength:      200,
			RedactPreviews:     true,
		},
		Server: api.Config{
			Port:              12230,
			GinMode:           "release",
			RequestsPerSecond: 20,
			Burst:             40,
			ShutdownTimeout:   10 * time.Second,
		},
		Telemetry: telemetry.Config{
			ServiceName:    "aleutian-triage",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
	}
}
