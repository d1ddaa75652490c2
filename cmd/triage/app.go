// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianTriage/cmd/triage/config"
	"github.com/AleutianAI/AleutianTriage/pkg/logging"
	"github.com/AleutianAI/AleutianTriage/pkg/telemetry"
	"github.com/AleutianAI/AleutianTriage/pkg/ux"
	"github.com/AleutianAI/AleutianTriage/services/dispatch"
	"github.com/AleutianAI/AleutianTriage/services/llm"
	"github.com/AleutianAI/AleutianTriage/services/orchestrator"
	"github.com/AleutianAI/AleutianTriage/services/policy_engine"
	"github.com/AleutianAI/AleutianTriage/services/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

// app holds the components one command invocation needs. Every command
// builds its own; nothing is shared through package state.
type app struct {
	cfg      config.Config
	logger   *logging.Logger
	printer  *ux.Printer
	registry *prometheus.Registry
	store    *queue.Store
	metrics  *telemetry.QueueMetrics
	redactor orchestrator.Redactor

	shutdownTelemetry func(context.Context) error
}

// openApp loads the configuration and opens the queue.
//
// # Description
//
// The dispatcher is not built here; commands that call a model ask for it
// with newDispatcher so that queue-only commands work without provider
// credentials.
func openApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, created, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  cfg.Logging.LogDir,
		Service: "triage",
		Format:  logging.Format(cfg.Logging.Format),
		Output:  cmd.ErrOrStderr(),
	})

	a := &app{
		cfg:      cfg,
		logger:   logger,
		printer:  ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), ux.DetectPersonality(opts.personality, cmd.OutOrStdout())),
		registry: prometheus.NewRegistry(),
	}
	if created {
		a.printer.Muted("Created default configuration")
	}
	if cfg.Processing.RedactPreviews {
		engine, err := policy_engine.NewPolicyEngine()
		if err != nil {
			_ = logger.Close()
			return nil, err
		}
		a.redactor = engine
	}

	telemetryCfg := cfg.Telemetry
	telemetryCfg.Registerer = a.registry
	a.shutdownTelemetry, err = telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	backend, err := openBackend(cfg.Queue, logger.Slog())
	if err != nil {
		_ = a.shutdownTelemetry(ctx)
		_ = logger.Close()
		return nil, err
	}
	a.store = queue.NewStore(backend, logger.Slog())

	a.metrics, err = telemetry.NewQueueMetrics(otel.Meter("triage"), a.tabCounts)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	logger.Debug("triage ready",
		"backend", cfg.Queue.Backend,
		"queue_dir", cfg.Queue.Dir)
	return a, nil
}

// Close releases the queue, telemetry and log file.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := a.metrics.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) tabCounts(context.Context) (map[string]int64, error) {
	stats, err := a.store.Stats()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(stats.ByTab))
	for tab, n := range stats.ByTab {
		counts[string(tab)] = int64(n)
	}
	return counts, nil
}

// newDispatcher builds the provider registry and dispatcher.
func (a *app) newDispatcher() (*dispatch.Dispatcher, error) {
	providers, err := a.providers()
	if err != nil {
		return nil, err
	}

	d := a.cfg.Dispatch
	cfg := dispatch.Config{
		MaxRequests:    d.MaxRequests,
		Window:         d.Window,
		AcquireTimeout: d.AcquireTimeout,
		Breaker: dispatch.CircuitBreakerConfig{
			FailureThreshold: d.FailureThreshold,
			OpenTimeout:      d.OpenTimeout,
		},
		Retry: dispatch.RetryConfig{
			MaxAttempts: d.MaxAttempts,
			Base:        d.BackoffBase,
		},
		Default:             dispatch.Tier{Provider: d.Default.Provider, Model: d.Default.Model},
		EscalationThreshold: d.EscalationThreshold,
		LatencyWindow:       d.LatencyWindow,
		Registerer:          a.registry,
	}
	if d.Escalation != nil {
		cfg.Escalation = &dispatch.Tier{Provider: d.Escalation.Provider, Model: d.Escalation.Model}
	}

	dispatcher, err := dispatch.New(cfg, providers, a.logger.Slog())
	if err != nil {
		return nil, fmt.Errorf("failed to build dispatcher: %w", err)
	}
	return dispatcher, nil
}

// providers registers every adapter with enough configuration to run.
// Ollama needs a base URL; hosted providers need an API key.
func (a *app) providers() (llm.Registry, error) {
	p := a.cfg.Providers
	logger := a.logger.Slog()
	registry := llm.Registry{}

	if p.Ollama.BaseURL != "" {
		ollama, err := llm.NewOllamaProvider(llm.OllamaConfig{
			BaseURL:      p.Ollama.BaseURL,
			DefaultModel: p.Ollama.DefaultModel,
			Timeout:      p.Ollama.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		registry.Register(ollama)
	}

	if key := a.cfg.Secrets.AnthropicAPIKey; key != "" {
		anthropic, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       key,
			BaseURL:      p.Anthropic.BaseURL,
			DefaultModel: p.Anthropic.DefaultModel,
			Timeout:      p.Anthropic.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		registry.Register(anthropic)
	}

	if key := a.cfg.Secrets.OpenAIAPIKey; key != "" {
		openai, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       key,
			BaseURL:      p.OpenAI.BaseURL,
			DefaultModel: p.OpenAI.DefaultModel,
			Timeout:      p.OpenAI.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		registry.Register(openai)
	}

	if len(registry) == 0 {
		return nil, errors.New("no LLM provider configured: set providers.ollama.base_url or an API key")
	}
	return registry, nil
}

// newProcessor wires the orchestrator. analyzer may be nil for commands
// that only resolve items.
func (a *app) newProcessor(analyzer orchestrator.Analyzer) *orchestrator.Processor {
	p := a.cfg.Processing
	return orchestrator.New(a.store, analyzer, orchestrator.Config{
		AutoApply:          p.AutoApply,
		AutoApplyThreshold: p.AutoApplyThreshold,
		MaxTokens:          p.MaxTokens,
		PreviewLength:      p.PreviewLength,
		Recorder:           a.metrics,
		Redactor:           a.redactor,
	}, a.logger.Slog())
}

func openBackend(cfg config.QueueConfig, logger *slog.Logger) (queue.Backend, error) {
	switch cfg.Backend {
	case "badger":
		bc := queue.DefaultBadgerConfig(cfg.Dir)
		bc.SyncWrites = cfg.BadgerSyncWrites
		bc.GCInterval = cfg.BadgerGCInterval
		bc.Logger = logger
		backend, err := queue.OpenBadgerBackend(bc)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger queue: %w", err)
		}
		return backend, nil
	default:
		backend, err := queue.NewFileBackend(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open queue directory: %w", err)
		}
		return backend, nil
	}
}
