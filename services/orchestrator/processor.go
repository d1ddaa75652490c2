// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator connects incoming messages, the AI dispatcher and
// the triage queue.
//
// # Description
//
// A Processor takes one Event through the queue lifecycle:
//
//	Save (analyzing) ──► Dispatcher.Analyze ──► CompleteAnalysis ──► awaiting_review
//	                                  │                    │
//	                                  │                    └─► auto-apply ──► processed
//	                                  └──► FailAnalysis ──► error
//
// Review decisions come back through Resolve. A SnoozeWaker returns
// snoozed items to their tabs when their deadline passes.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianTriage/pkg/telemetry"
	"github.com/AleutianAI/AleutianTriage/services/dispatch"
	"github.com/AleutianAI/AleutianTriage/services/llm"
	"github.com/AleutianAI/AleutianTriage/services/queue"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "triage.orchestrator"

// DefaultSystemPrompt asks the model for the JSON shape dispatch decodes.
const DefaultSystemPrompt = `You triage incoming messages. Reply with a single JSON object and nothing else:
{"category": string, "confidence": number from 0 to 100, "summary": string, "suggested_action": string, "reasoning": string}
Categories: urgent, work, personal, newsletter, spam, other.
Suggested actions: reply, archive, delete, schedule, forward, none.`

// AutoResolver is recorded as ResolvedBy for auto-applied resolutions.
const AutoResolver = "auto"

// Analyzer classifies one request. *dispatch.Dispatcher implements it.
type Analyzer interface {
	Analyze(ctx context.Context, req dispatch.Request) (dispatch.Analysis, error)
}

// Recorder receives one observation per processed event.
// *telemetry.QueueMetrics implements it.
type Recorder interface {
	RecordProcessed(ctx context.Context, outcome string, elapsed time.Duration)
}

// Redactor scrubs sensitive values from text and classifies it.
// *policy_engine.PolicyEngine implements it.
type Redactor interface {
	Redact(text string) (redacted string, classification string)
}

// Event is one incoming message to triage.
type Event struct {
	AccountID  string         `json:"account_id" validate:"required"`
	Source     queue.Source   `json:"source" validate:"required,oneof=email chat"`
	MessageID  string         `json:"message_id"`
	Sender     string         `json:"sender"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body" validate:"required_without=Subject"`
	ReceivedAt time.Time      `json:"received_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Config controls processing.
type Config struct {
	// AutoApply resolves confident analyses without review.
	AutoApply bool

	// AutoApplyThreshold is the minimum confidence for auto-apply. Default 90.
	AutoApplyThreshold float64

	// SystemPrompt overrides DefaultSystemPrompt.
	SystemPrompt string

	// MaxTokens bounds each analysis response. Zero uses the provider default.
	MaxTokens int

	// PreviewLength is the number of runes kept in content_preview. Default 200.
	PreviewLength int

	// Recorder is optional.
	Recorder Recorder

	// Redactor scrubs the stored content preview. Optional.
	Redactor Redactor
}

func (c Config) withDefaults() Config {
	if c.AutoApplyThreshold <= 0 {
		c.AutoApplyThreshold = 90
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.PreviewLength <= 0 {
		c.PreviewLength = 200
	}
	return c
}

// Processor runs events through analysis and the queue.
//
// # Thread Safety
//
// Safe for concurrent use. Per-item ordering is provided by the store.
type Processor struct {
	store    *queue.Store
	analyzer Analyzer
	config   Config
	logger   *slog.Logger
	validate *validator.Validate
}

// New returns a Processor. A nil logger discards logs.
func New(store *queue.Store, analyzer Analyzer, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Processor{
		store:    store,
		analyzer: analyzer,
		config:   cfg.withDefaults(),
		logger:   logger,
		validate: validator.New(),
	}
}

// Process saves ev, analyzes it and records the outcome.
//
// # Description
//
// The item is created in analyzing. A successful analysis moves it to
// awaiting_review with the analysis stored as its payload, or straight to
// processed when auto-apply is on and confidence reaches the threshold. A
// failed analysis moves it to error with the failure class as error type.
// Analysis failures are recorded on the item, not returned.
//
// # Inputs
//
//   - ctx: Bounds the analysis call.
//   - ev: The message. AccountID, Source and Body or Subject are required.
//
// # Outputs
//
//   - *queue.Item: The item after processing.
//   - error: Validation failures, queue.ErrDuplicate for a message seen
//     before, or storage errors.
//
// # Example
//
//	item, err := p.Process(ctx, orchestrator.Event{
//	    AccountID: "work", Source: queue.SourceEmail,
//	    MessageID: "<abc@mail>", Subject: "Budget", Body: "...",
//	})
//	if errors.Is(err, queue.ErrDuplicate) {
//	    return nil // already handled
//	}
func (p *Processor) Process(ctx context.Context, ev Event) (item *queue.Item, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Processor.Process",
		trace.WithAttributes(
			attribute.String("account.id", ev.AccountID),
			attribute.String("source", string(ev.Source)),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := "failed"
		switch {
		case errors.Is(err, queue.ErrDuplicate):
			outcome = "duplicate"
		case err != nil:
			telemetry.RecordError(span, err)
		case item != nil:
			outcome = string(item.State)
			span.SetAttributes(attribute.String("item.id", item.ID), attribute.String("item.state", outcome))
		}
		if p.config.Recorder != nil {
			p.config.Recorder.RecordProcessed(ctx, outcome, time.Since(start))
		}
	}()

	if err := p.validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	contentPreview := preview(ev, p.config.PreviewLength)
	var classification string
	if p.config.Redactor != nil {
		contentPreview, classification = p.config.Redactor.Redact(contentPreview)
	}

	meta, err := json.Marshal(sourceMetadata{
		MessageID:      ev.MessageID,
		Sender:         ev.Sender,
		Subject:        ev.Subject,
		ReceivedAt:     ev.ReceivedAt,
		Classification: classification,
		Extra:          ev.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode source metadata: %w", err)
	}

	id, err := p.store.Save(queue.Item{
		AccountID:      ev.AccountID,
		Source:         ev.Source,
		DedupKey:       DedupKey(ev),
		State:          queue.StateAnalyzing,
		SourceMetadata: meta,
		ContentPreview: contentPreview,
	})
	if err != nil {
		return nil, err
	}
	logger := telemetry.LoggerWithTrace(ctx, p.logger).With(
		slog.String("item_id", id), slog.String("account_id", ev.AccountID))

	analysis, err := p.analyzer.Analyze(ctx, dispatch.Request{
		ItemID:       id,
		Prompt:       renderPrompt(ev),
		SystemPrompt: p.config.SystemPrompt,
		MaxTokens:    p.config.MaxTokens,
	})
	if err != nil {
		logger.Warn("analysis failed", slog.String("class", string(llm.ClassOf(err))), slog.String("error", err.Error()))
		return p.FailAnalysis(id, err)
	}

	item, err = p.CompleteAnalysis(id, analysis)
	if err != nil {
		return nil, err
	}
	logger.Info("analysis complete",
		slog.String("category", analysis.Category),
		slog.Float64("confidence", analysis.Confidence),
		slog.Bool("escalated", analysis.Escalated),
		slog.String("state", string(item.State)))
	return item, nil
}

// CompleteAnalysis stores analysis on an analyzing item and moves it to
// awaiting_review, or to processed when auto-apply qualifies.
func (p *Processor) CompleteAnalysis(id string, analysis dispatch.Analysis) (*queue.Item, error) {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("encode analysis: %w", err)
	}
	if _, err := p.store.Update(id, queue.Patch{AnalysisPayload: payload}); err != nil {
		return nil, err
	}
	item, err := p.store.SetState(id, queue.ToAwaitingReview())
	if err != nil {
		return nil, err
	}

	if !p.config.AutoApply || analysis.Confidence < p.config.AutoApplyThreshold {
		return item, nil
	}
	confidence := analysis.Confidence
	return p.store.SetState(id, queue.ToProcessed(queue.Resolution{
		Type:                   queue.ResolutionAutoApplied,
		ActionTaken:            analysis.SuggestedAction,
		ResolvedBy:             AutoResolver,
		ConfidenceAtResolution: &confidence,
	}))
}

// FailAnalysis moves an item to error, typed by the failure's class.
func (p *Processor) FailAnalysis(id string, cause error) (*queue.Item, error) {
	return p.store.SetState(id, queue.ToError(queue.ItemError{
		Type:    string(llm.ClassOf(cause)),
		Message: cause.Error(),
	}))
}

var (
	// ErrInvalidEvent wraps event validation failures.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrAutoResolution is returned when Resolve is asked for auto_applied.
	ErrAutoResolution = errors.New("auto_applied is reserved for automatic resolution")
)

// Resolve records a manual review decision.
//
// # Inputs
//
//   - id: The item.
//   - kind: A manual resolution type.
//   - action: What was done, e.g. "replied". Optional.
//   - by: Who decided.
//
// # Outputs
//
//   - *queue.Item: The processed item.
//   - error: ErrAutoResolution, or the store's transition errors.
func (p *Processor) Resolve(id string, kind queue.ResolutionType, action, by string) (*queue.Item, error) {
	if kind == queue.ResolutionAutoApplied {
		return nil, ErrAutoResolution
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown resolution type %q", kind)
	}
	item, err := p.store.Get(id)
	if err != nil {
		return nil, err
	}
	item, err = p.store.SetState(id, queue.ToProcessed(queue.Resolution{
		Type:                   kind,
		ActionTaken:            action,
		ResolvedBy:             by,
		ConfidenceAtResolution: payloadConfidence(item.AnalysisPayload),
	}))
	if err != nil {
		return nil, err
	}
	p.logger.Info("item resolved",
		slog.String("item_id", id),
		slog.String("resolution", string(kind)),
		slog.String("resolved_by", by))
	return item, nil
}

// sourceMetadata is stored as the item's source_metadata.
type sourceMetadata struct {
	MessageID      string         `json:"message_id,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	ReceivedAt     time.Time      `json:"received_at,omitzero"`
	Classification string         `json:"classification,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// DedupKey identifies a message across runs. With a message id the key is
// source:account:message_id; without one it is a content hash.
func DedupKey(ev Event) string {
	if ev.MessageID != "" {
		return fmt.Sprintf("%s:%s:%s", ev.Source, ev.AccountID, ev.MessageID)
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		string(ev.Source), ev.AccountID, ev.Sender, ev.Subject, ev.Body,
	}, "\x00")))
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func renderPrompt(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", ev.Source)
	if ev.Sender != "" {
		fmt.Fprintf(&b, "From: %s\n", ev.Sender)
	}
	if ev.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", ev.Subject)
	}
	b.WriteString("\n")
	b.WriteString(ev.Body)
	return b.String()
}

// preview returns the first n runes of the subject and body.
func preview(ev Event, n int) string {
	text := strings.Join(strings.Fields(strings.TrimSpace(ev.Subject+" "+ev.Body)), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}

func payloadConfidence(payload json.RawMessage) *float64 {
	if len(payload) == 0 {
		return nil
	}
	var p struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return p.Confidence
}
