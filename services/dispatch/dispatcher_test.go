// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTriage/services/llm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodAnswer = "```json\n{\"category\": \"work\", \"confidence\": 88, \"summary\": \"Budget review\", \"suggested_action\": \"reply\",}\n```"

func newTestDispatcher(t *testing.T, cfg Config, providers ...llm.Provider) (*Dispatcher, *recordingSleep) {
	t.Helper()

	reg := llm.Registry{}
	for _, p := range providers {
		reg.Register(p)
	}
	sleeper := &recordingSleep{}
	cfg.Retry.Sleep = sleeper.Sleep
	if cfg.Default.Provider == "" {
		cfg.Default = Tier{Provider: providers[0].Name()}
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}

	d, err := New(cfg, reg, nil)
	require.NoError(t, err)
	return d, sleeper
}

func TestDispatcher_AnalyzeSuccess(t *testing.T) {
	p := newFakeProvider("openai", fakeReply{
		text:  goodAnswer,
		usage: llm.Usage{InputTokens: 1_000_000, OutputTokens: 0},
	})
	d, _ := newTestDispatcher(t, Config{Default: Tier{Provider: "openai", Model: "gpt-4o-mini"}}, p)

	result, err := d.Analyze(context.Background(), Request{ItemID: "item-1", Prompt: "classify this"})
	require.NoError(t, err)

	assert.Equal(t, "work", result.Category)
	assert.Equal(t, 88.0, result.Confidence)
	assert.Equal(t, "reply", result.SuggestedAction)
	assert.Equal(t, "structural", result.RepairStage)
	assert.Equal(t, goodAnswer, result.Raw)
	assert.Equal(t, "openai", result.Provider)
	assert.Equal(t, "gpt-4o-mini", result.Model)
	assert.InDelta(t, 0.15, result.Cost, 1e-9)
	assert.False(t, result.Escalated)

	m := d.GetMetrics()
	assert.Equal(t, int64(1), m.TotalRequests)
	assert.Equal(t, int64(1_000_000), m.TotalTokens)
	assert.InDelta(t, 0.15, m.TotalCost, 1e-9)
	assert.Equal(t, int64(1), m.RepairsByStage["structural"])
	assert.Equal(t, int64(0), m.RepairsByStage["direct"])
	assert.Equal(t, "closed", m.CircuitState["openai"])
	assert.Equal(t, 1, m.RateLimitStatus.Current)
	assert.Empty(t, m.ErrorsByClass)
}

func TestDispatcher_EscalationScenario(t *testing.T) {
	cheap := newFakeProvider("ollama", fakeReply{text: `{"category": "work", "confidence": 60}`})
	strong := newFakeProvider("anthropic", fakeReply{text: `{"category": "urgent", "confidence": 91}`})

	d, _ := newTestDispatcher(t, Config{
		Default:             Tier{Provider: "ollama", Model: "llama3.1:8b"},
		Escalation:          &Tier{Provider: "anthropic", Model: "claude-sonnet-4"},
		EscalationThreshold: 70,
	}, cheap, strong)

	result, err := d.Analyze(context.Background(), Request{Prompt: "classify"})
	require.NoError(t, err)

	assert.Equal(t, 1, cheap.Calls())
	assert.Equal(t, 1, strong.Calls(), "exactly one escalation call")
	assert.True(t, result.Escalated)
	assert.Equal(t, "ollama/llama3.1:8b", result.EscalatedFrom)
	assert.Equal(t, "urgent", result.Category)
	assert.Equal(t, int64(1), d.GetMetrics().Escalations)
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.escalationTotal))
}

func TestDispatcher_AuthErrorSurfacesUnwrapped(t *testing.T) {
	authErr := classErr(llm.ClassAuthentication)
	p := newFakeProvider("anthropic", fakeReply{err: authErr})
	d, sleeper := newTestDispatcher(t, Config{}, p)

	_, err := d.Analyze(context.Background(), Request{Prompt: "x"})

	assert.Same(t, authErr, err)
	assert.Equal(t, 1, p.Calls())
	assert.Empty(t, sleeper.Delays())
	assert.Equal(t, int64(1), d.GetMetrics().ErrorsByClass["authentication"])
}

func TestDispatcher_TransientErrorsRetried(t *testing.T) {
	p := newFakeProvider("openai",
		fakeReply{err: classErr(llm.ClassTransport)},
		fakeReply{err: classErr(llm.ClassRateLimited)},
		fakeReply{text: goodAnswer},
	)
	d, sleeper := newTestDispatcher(t, Config{Retry: RetryConfig{MaxAttempts: 3}}, p)

	result, err := d.Analyze(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)

	assert.Equal(t, "work", result.Category)
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.Delays())

	m := d.GetMetrics()
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(1), m.ErrorsByClass["transport"])
	assert.Equal(t, int64(1), m.ErrorsByClass["rate_limited"])
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.requestsTotal.WithLabelValues("openai", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(d.metrics.requestsTotal.WithLabelValues("openai", "error")))
}

func TestDispatcher_CircuitOpensAndFailsFast(t *testing.T) {
	p := newFakeProvider("openai", fakeReply{err: classErr(llm.ClassUpstreamInternal)})

	var transitions []string
	d, _ := newTestDispatcher(t, Config{
		Retry: RetryConfig{MaxAttempts: 1},
		Breaker: CircuitBreakerConfig{
			FailureThreshold: 2,
			OpenTimeout:      time.Hour,
			OnStateChange: func(name string, from, to CircuitState) {
				transitions = append(transitions, to.String())
			},
		},
	}, p)

	for i := 0; i < 2; i++ {
		_, err := d.Analyze(context.Background(), Request{Prompt: "x"})
		require.Error(t, err)
	}
	_, err := d.Analyze(context.Background(), Request{Prompt: "x"})

	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 2, p.Calls(), "open circuit must not reach the provider")
	assert.Equal(t, []string{"open"}, transitions)

	m := d.GetMetrics()
	assert.Equal(t, "open", m.CircuitState["openai"])
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(1), m.ErrorsByClass["circuit_open"])
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.circuitState.WithLabelValues("openai")))
}

func TestDispatcher_ParseFailureNotRetried(t *testing.T) {
	p := newFakeProvider("openai", fakeReply{text: "I am not sure how to classify this."})
	d, sleeper := newTestDispatcher(t, Config{Retry: RetryConfig{MaxAttempts: 5}}, p)

	_, err := d.Analyze(context.Background(), Request{Prompt: "x"})

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, p.Calls())
	assert.Empty(t, sleeper.Delays())
	assert.Equal(t, int64(1), d.GetMetrics().ErrorsByClass["parse"])
}

func TestDispatcher_InvalidAnalysisIsParseFailure(t *testing.T) {
	cases := map[string]string{
		"confidence out of range": `{"category": "work", "confidence": 150}`,
		"missing category":        `{"confidence": 50}`,
		"missing confidence":      `{"category": "work"}`,
		"confidence as text":      `{"category": "work", "confidence": "high"}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			p := newFakeProvider("openai", fakeReply{text: text})
			d, _ := newTestDispatcher(t, Config{}, p)

			_, err := d.Analyze(context.Background(), Request{Prompt: "x"})
			assert.Equal(t, llm.ClassParse, llm.ClassOf(err))
		})
	}
}

func TestDispatcher_ZeroConfidenceIsValid(t *testing.T) {
	p := newFakeProvider("openai", fakeReply{text: `{"category": "spam", "confidence": 0}`})
	d, _ := newTestDispatcher(t, Config{}, p)

	result, err := d.Analyze(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestDispatcher_InvalidRequest(t *testing.T) {
	p := newFakeProvider("openai", fakeReply{text: goodAnswer})
	d, _ := newTestDispatcher(t, Config{}, p)

	_, err := d.Analyze(context.Background(), Request{})
	assert.Equal(t, llm.ClassInvalidRequest, llm.ClassOf(err))
	assert.Equal(t, 0, p.Calls())
}

func TestDispatcher_RateLimitExceeded(t *testing.T) {
	p := newFakeProvider("openai", fakeReply{text: goodAnswer})
	d, _ := newTestDispatcher(t, Config{
		MaxRequests:    1,
		Window:         time.Hour,
		AcquireTimeout: 10 * time.Millisecond,
	}, p)

	_, err := d.Analyze(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)

	_, err = d.Analyze(context.Background(), Request{Prompt: "x"})
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	assert.Equal(t, llm.ClassRateLimitExceeded, llm.ClassOf(err))
	assert.Equal(t, 1, p.Calls(), "timed-out caller must not send a request")
	assert.Equal(t, RateLimitStatus{Current: 1, Max: 1, Percent: 100}, d.GetMetrics().RateLimitStatus)
}

func TestNew_UnknownProvider(t *testing.T) {
	reg := llm.Registry{}
	reg.Register(newFakeProvider("openai"))

	_, err := New(Config{Default: Tier{Provider: "anthropic"}}, reg, nil)
	assert.Error(t, err)

	_, err = New(Config{Default: Tier{Provider: "openai"}, Escalation: &Tier{Provider: "nope"}}, reg, nil)
	assert.Error(t, err)
}
