// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch sends classification requests to AI providers and
// survives their failures.
//
// # Description
//
// One Analyze call flows through, from outside in:
//
//	Escalator ──► Retrier ──► RateLimiter ──► CircuitBreaker ──► Provider
//	                                                               │
//	Analysis ◄── decode ◄── Repair ◄───────────────────────────────┘
//
// The escalator may run the inner chain a second time against a stronger
// tier. The retrier switches on llm.ErrorClass, never on SDK error types.
//
// # Thread Safety
//
// A Dispatcher is safe for concurrent use. Construct one in main and
// pass it to consumers; there is no package-level instance.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianTriage/services/llm"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.triage.dispatch")

// Request is one classification request.
type Request struct {
	// ItemID ties logs and spans to the queue item. Optional.
	ItemID string `json:"item_id"`

	// Prompt is the rendered user prompt.
	Prompt string `json:"prompt" validate:"required"`

	// SystemPrompt is optional.
	SystemPrompt string `json:"system_prompt"`

	// MaxTokens bounds the response. Zero uses the provider default.
	MaxTokens int `json:"max_tokens" validate:"gte=0,lte=200000"`

	// Model overrides the default tier's model. Optional.
	Model string `json:"model"`
}

// Analysis is a parsed classification result.
type Analysis struct {
	Category        string  `json:"category"`
	Confidence      float64 `json:"confidence"`
	Summary         string  `json:"summary"`
	SuggestedAction string  `json:"suggested_action"`
	Reasoning       string  `json:"reasoning"`

	// Raw is the model's text before repair.
	Raw string `json:"raw,omitempty"`

	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Escalated     bool      `json:"escalated"`
	EscalatedFrom string    `json:"escalated_from,omitempty"`
	RepairStage   string    `json:"repair_stage"`
	Usage         llm.Usage `json:"usage"`
	Cost          float64   `json:"cost"`
}

// analysisWire is the object the model is asked to produce.
type analysisWire struct {
	Category        string   `json:"category" validate:"required"`
	Confidence      *float64 `json:"confidence" validate:"required,gte=0,lte=100"`
	Summary         string   `json:"summary"`
	SuggestedAction string   `json:"suggested_action"`
	Reasoning       string   `json:"reasoning"`
}

// Config configures a Dispatcher.
type Config struct {
	// MaxRequests and Window configure the sliding-window rate limiter.
	MaxRequests int
	Window      time.Duration

	// AcquireTimeout bounds the wait for rate-limit capacity per attempt.
	AcquireTimeout time.Duration

	// Breaker is applied to every provider's circuit breaker.
	Breaker CircuitBreakerConfig

	Retry RetryConfig

	// Default is the first tier. Escalation, when set, is tried once for
	// results with confidence below EscalationThreshold.
	Default             Tier
	Escalation          *Tier
	EscalationThreshold float64

	// Prices drives cost accounting. Nil uses DefaultPriceTable.
	Prices PriceTable

	// LatencyWindow is the ring buffer size for latency percentiles.
	LatencyWindow int

	// Registerer receives the Prometheus collectors. Nil skips registration.
	Registerer prometheus.Registerer
}

// Dispatcher composes rate limiting, circuit breaking, retry, repair, and
// escalation into one Analyze call.
type Dispatcher struct {
	providers      llm.Registry
	limiter        *RateLimiter
	breakers       *CircuitBreakerRegistry
	retrier        *Retrier
	escalator      *Escalator
	metrics        *Metrics
	prices         PriceTable
	acquireTimeout time.Duration
	validate       *validator.Validate
	logger         *slog.Logger
	now            func() time.Time
}

// New builds a Dispatcher.
//
// # Inputs
//
//   - cfg: Dispatcher configuration.
//   - providers: Registered providers. Every configured tier must name one.
//   - logger: Optional; nil discards.
//
// # Outputs
//
//   - *Dispatcher: Ready to use.
//   - error: Non-nil when a tier names an unknown provider.
func New(cfg Config, providers llm.Registry, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if _, err := providers.Get(cfg.Default.Provider); err != nil {
		return nil, fmt.Errorf("default tier: %w", err)
	}
	if cfg.Escalation != nil {
		if _, err := providers.Get(cfg.Escalation.Provider); err != nil {
			return nil, fmt.Errorf("escalation tier: %w", err)
		}
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 50
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.Prices == nil {
		cfg.Prices = DefaultPriceTable()
	}

	d := &Dispatcher{
		providers:      providers,
		limiter:        NewRateLimiter(cfg.MaxRequests, cfg.Window),
		retrier:        NewRetrier(cfg.Retry, logger),
		metrics:        NewMetrics(cfg.Registerer, cfg.LatencyWindow),
		prices:         cfg.Prices,
		acquireTimeout: cfg.AcquireTimeout,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         logger,
		now:            time.Now,
	}
	d.metrics.observeRateLimiter(d.limiter)

	userHook := cfg.Breaker.OnStateChange
	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(name string, from, to CircuitState) {
		d.metrics.SetCircuitState(name, to)
		d.logger.Warn("circuit breaker state change",
			"provider", name, "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	d.breakers = NewCircuitBreakerRegistry(breakerCfg)
	d.breakers.Get(cfg.Default.Provider)
	d.metrics.SetCircuitState(cfg.Default.Provider, CircuitClosed)
	if cfg.Escalation != nil {
		d.breakers.Get(cfg.Escalation.Provider)
		d.metrics.SetCircuitState(cfg.Escalation.Provider, CircuitClosed)
	}

	d.escalator = NewEscalator(EscalationConfig{
		Default:    cfg.Default,
		Escalation: cfg.Escalation,
		Threshold:  cfg.EscalationThreshold,
		OnEscalate: func(Tier, Tier) { d.metrics.RecordEscalation() },
	}, d.runTier, logger)

	return d, nil
}

// Analyze classifies one request.
//
// # Description
//
// Validates req, then runs it through escalation, retry, rate limiting,
// the circuit breaker, the provider, and the repair pipeline. The whole
// call is recorded as one span.
//
// # Outputs
//
//   - Analysis: The parsed result, possibly from the escalation tier.
//   - error: Classified with llm.ClassOf. Authentication, permission, and
//     invalid-request errors are the provider's *llm.Error unchanged;
//     *CircuitOpenError and *ParseError are returned as-is;
//     ErrRateLimitExceeded when no capacity freed in time.
func (d *Dispatcher) Analyze(ctx context.Context, req Request) (Analysis, error) {
	if err := d.validate.Struct(req); err != nil {
		return Analysis{}, &llm.Error{Class: llm.ClassInvalidRequest, Provider: "dispatch", Message: err.Error(), Err: err}
	}

	ctx, span := tracer.Start(ctx, "Dispatcher.Analyze",
		trace.WithAttributes(attribute.String("item.id", req.ItemID)))
	defer span.End()

	result, err := d.escalator.Analyze(ctx, req)
	if err != nil {
		class := llm.ClassOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(class))
		span.SetAttributes(attribute.String("error.class", string(class)))
		return Analysis{}, err
	}

	span.SetAttributes(
		attribute.String("analysis.category", result.Category),
		attribute.Float64("analysis.confidence", result.Confidence),
		attribute.Bool("analysis.escalated", result.Escalated),
		attribute.String("llm.model", result.Model),
	)
	return result, nil
}

// GetMetrics returns the dispatcher metrics snapshot.
func (d *Dispatcher) GetMetrics() MetricsSnapshot {
	snap := d.metrics.Snapshot()
	snap.RateLimitStatus = d.limiter.Usage()
	for name, state := range d.breakers.States() {
		snap.CircuitState[name] = state.String()
	}
	return snap
}

// Breakers exposes the per-provider circuit breakers.
func (d *Dispatcher) Breakers() *CircuitBreakerRegistry { return d.breakers }

// runTier is the TierFunc the escalator calls: one tier, with retries.
func (d *Dispatcher) runTier(ctx context.Context, tier Tier, req Request) (Analysis, error) {
	return Retry(ctx, d.retrier, func(ctx context.Context) (Analysis, error) {
		return d.attempt(ctx, tier, req)
	})
}

// attempt makes exactly one provider call, if capacity and the breaker
// allow it.
func (d *Dispatcher) attempt(ctx context.Context, tier Tier, req Request) (Analysis, error) {
	provider, err := d.providers.Get(tier.Provider)
	if err != nil {
		return Analysis{}, &llm.Error{Class: llm.ClassInvalidRequest, Provider: tier.Provider, Err: errors.Join(ErrNoProvider, err)}
	}

	if !d.limiter.Acquire(ctx, d.acquireTimeout) {
		if ctx.Err() != nil {
			d.metrics.RecordError(llm.ClassCanceled)
			return Analysis{}, ctx.Err()
		}
		d.metrics.RecordError(llm.ClassRateLimitExceeded)
		return Analysis{}, ErrRateLimitExceeded
	}

	ctx, span := tracer.Start(ctx, "Dispatcher.attempt",
		trace.WithAttributes(
			attribute.String("llm.provider", tier.Provider),
			attribute.String("llm.model", tier.Model),
		))
	defer span.End()

	callReq := llm.CallRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Model:        tier.Model,
		MaxTokens:    req.MaxTokens,
	}

	start := d.now()
	resp, err := Call(d.breakers.Get(tier.Provider), func() (llm.CallResponse, error) {
		return provider.Call(ctx, callReq)
	})
	latency := d.now().Sub(start)

	if err != nil {
		class := llm.ClassOf(err)
		if !errors.Is(err, ErrCircuitOpen) {
			d.metrics.RecordRequest(tier.Provider, latency, err)
		}
		d.metrics.RecordError(class)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(class))
		return Analysis{}, err
	}
	d.metrics.RecordRequest(tier.Provider, latency, nil)

	model := resp.Model
	if model == "" {
		model = tier.Model
	}
	cost := d.prices.Cost(model, resp.Usage)
	d.metrics.RecordUsage(model, resp.Usage, cost)

	analysis, stage, err := d.decode(resp.Text)
	if err != nil {
		d.metrics.RecordError(llm.ClassParse)
		var perr *ParseError
		if errors.As(err, &perr) {
			d.logger.Warn("model output could not be parsed",
				"item_id", req.ItemID,
				"provider", tier.Provider,
				"model", model,
				"offset", perr.Offset,
				"snippet", perr.Snippet)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(llm.ClassParse))
		return Analysis{}, err
	}
	d.metrics.RecordRepair(stage)
	span.SetAttributes(attribute.String("repair.stage", stage.String()))

	analysis.Raw = resp.Text
	analysis.Provider = tier.Provider
	analysis.Model = model
	analysis.RepairStage = stage.String()
	analysis.Usage = resp.Usage
	analysis.Cost = cost
	return analysis, nil
}

// decode repairs text and decodes it into an Analysis. Structurally valid
// JSON that lacks a category or carries an out-of-range confidence is a
// parse failure too.
func (d *Dispatcher) decode(text string) (Analysis, RepairStage, error) {
	body, stage, err := Repair(text)
	if err != nil {
		return Analysis{}, 0, err
	}

	var wire analysisWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return Analysis{}, 0, &ParseError{Original: string(body), Snippet: snippetAt(string(body), 0), Err: err}
	}
	if err := d.validate.Struct(wire); err != nil {
		return Analysis{}, 0, &ParseError{Original: string(body), Snippet: snippetAt(string(body), 0), Err: err}
	}

	return Analysis{
		Category:        wire.Category,
		Confidence:      *wire.Confidence,
		Summary:         wire.Summary,
		SuggestedAction: wire.SuggestedAction,
		Reasoning:       wire.Reasoning,
	}, stage, nil
}
