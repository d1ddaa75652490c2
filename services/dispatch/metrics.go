// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTriage/pkg/ringbuffer"
	"github.com/AleutianAI/AleutianTriage/services/llm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for dispatch metrics
const dispatchSubsystem = "dispatch"

// DefaultLatencyWindow is how many recent latencies feed the percentiles.
const DefaultLatencyWindow = 1000

// MetricsSnapshot is the JSON shape returned by Dispatcher.GetMetrics.
type MetricsSnapshot struct {
	TotalRequests   int64             `json:"total_requests"`
	TotalTokens     int64             `json:"total_tokens"`
	TotalCost       float64           `json:"total_cost"`
	AvgLatencyMs    float64           `json:"avg_latency_ms"`
	P50LatencyMs    float64           `json:"p50_latency_ms"`
	P95LatencyMs    float64           `json:"p95_latency_ms"`
	P99LatencyMs    float64           `json:"p99_latency_ms"`
	LatencySamples  int               `json:"latency_samples"`
	LatencyEvicted  int64             `json:"latency_evicted"`
	ErrorsByClass   map[string]int64  `json:"errors_by_class"`
	RateLimitStatus RateLimitStatus   `json:"rate_limit_status"`
	CircuitState    map[string]string `json:"circuit_state"`
	Escalations     int64             `json:"escalations"`
	RepairsByStage  map[string]int64  `json:"repairs_by_stage"`
}

// Metrics records dispatcher activity.
//
// # Description
//
// Keeps running totals and a fixed-capacity ring buffer of recent
// latencies for the JSON snapshot, and mirrors every observation into
// Prometheus collectors registered on the injected Registerer.
//
// # Fields (Prometheus)
//
//   - requests_total{provider,status}: Requests sent to a provider
//   - tokens_total{direction,model}: Tokens consumed
//   - cost_usd_total{model}: Spend
//   - request_duration_seconds{provider}: Provider latency
//   - errors_total{class}: Failed attempts by error class
//   - escalations_total: Escalations to the stronger tier
//   - repairs_total{stage}: Responses parsed, by repair stage
//   - circuit_state{provider}: 0 closed, 1 open, 2 half-open
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	mu             sync.Mutex
	totalRequests  int64
	totalTokens    int64
	totalCost      float64
	escalations    int64
	errorsByClass  map[llm.ErrorClass]int64
	repairsByStage map[RepairStage]int64
	latencies      *ringbuffer.RingBuffer[float64]

	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	escalationTotal prometheus.Counter
	repairsTotal    *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	factory         promauto.Factory
}

// NewMetrics creates metrics and registers collectors on reg.
//
// # Inputs
//
//   - reg: Prometheus registerer. Nil creates unregistered collectors.
//   - latencyWindow: Ring buffer capacity. <= 0 uses DefaultLatencyWindow.
//
// # Limitations
//
//   - Panics if the same registerer already holds these collectors.
func NewMetrics(reg prometheus.Registerer, latencyWindow int) *Metrics {
	if latencyWindow <= 0 {
		latencyWindow = DefaultLatencyWindow
	}
	factory := promauto.With(reg)

	return &Metrics{
		errorsByClass:  make(map[llm.ErrorClass]int64),
		repairsByStage: make(map[RepairStage]int64),
		latencies:      ringbuffer.New[float64](latencyWindow),
		factory:        factory,

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "requests_total",
				Help:      "Total requests sent to AI providers by provider and status",
			},
			[]string{"provider", "status"},
		),

		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens consumed by direction and model",
			},
			[]string{"direction", "model"},
		),

		costTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "cost_usd_total",
				Help:      "Estimated spend in USD by model",
			},
			[]string{"model"},
		),

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Provider call latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),

		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "errors_total",
				Help:      "Failed attempts by error class",
			},
			[]string{"class"},
		),

		escalationTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "escalations_total",
				Help:      "Requests re-run against the escalation tier",
			},
		),

		repairsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "repairs_total",
				Help:      "Parsed responses by the repair stage that succeeded",
			},
			[]string{"stage"},
		),

		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: dispatchSubsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state by provider (0 closed, 1 open, 2 half-open)",
			},
			[]string{"provider"},
		),
	}
}

// RecordRequest records one request that reached a provider.
func (m *Metrics) RecordRequest(provider string, latency time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ms := float64(latency) / float64(time.Millisecond)

	m.mu.Lock()
	m.totalRequests++
	m.latencies.Push(ms)
	m.mu.Unlock()

	m.requestsTotal.WithLabelValues(provider, status).Inc()
	m.requestDuration.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordUsage records tokens and cost for a successful call.
func (m *Metrics) RecordUsage(model string, usage llm.Usage, cost float64) {
	m.mu.Lock()
	m.totalTokens += int64(usage.Total())
	m.totalCost += cost
	m.mu.Unlock()

	m.tokensTotal.WithLabelValues("input", model).Add(float64(usage.InputTokens))
	m.tokensTotal.WithLabelValues("output", model).Add(float64(usage.OutputTokens))
	m.costTotal.WithLabelValues(model).Add(cost)
}

// RecordError records one failed attempt.
func (m *Metrics) RecordError(class llm.ErrorClass) {
	m.mu.Lock()
	m.errorsByClass[class]++
	m.mu.Unlock()

	m.errorsTotal.WithLabelValues(string(class)).Inc()
}

// RecordRepair records which stage parsed a response.
func (m *Metrics) RecordRepair(stage RepairStage) {
	m.mu.Lock()
	m.repairsByStage[stage]++
	m.mu.Unlock()

	m.repairsTotal.WithLabelValues(stage.String()).Inc()
}

// RecordEscalation records one escalation.
func (m *Metrics) RecordEscalation() {
	m.mu.Lock()
	m.escalations++
	m.mu.Unlock()

	m.escalationTotal.Inc()
}

// SetCircuitState updates the circuit_state gauge. Used as the breaker
// OnStateChange hook.
func (m *Metrics) SetCircuitState(provider string, state CircuitState) {
	m.circuitState.WithLabelValues(provider).Set(float64(state))
}

// observeRateLimiter exports limiter occupancy as a gauge.
func (m *Metrics) observeRateLimiter(r *RateLimiter) {
	m.factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: dispatchSubsystem,
			Name:      "rate_limit_in_use",
			Help:      "Requests admitted in the current rate window",
		},
		func() float64 { return float64(r.Usage().Current) },
	)
}

// Snapshot returns totals and latency percentiles. Rate limit and circuit
// fields are left for the dispatcher to fill.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	snap := MetricsSnapshot{
		TotalRequests:  m.totalRequests,
		TotalTokens:    m.totalTokens,
		TotalCost:      m.totalCost,
		Escalations:    m.escalations,
		ErrorsByClass:  make(map[string]int64, len(m.errorsByClass)),
		RepairsByStage: make(map[string]int64, len(AllRepairStages)),
		CircuitState:   make(map[string]string),
	}
	for class, n := range m.errorsByClass {
		snap.ErrorsByClass[string(class)] = n
	}
	for _, stage := range AllRepairStages {
		snap.RepairsByStage[stage.String()] = m.repairsByStage[stage]
	}
	latencies := m.latencies.Snapshot()
	snap.LatencyEvicted = m.latencies.DroppedCount()
	m.mu.Unlock()
	snap.LatencySamples = len(latencies)

	if len(latencies) == 0 {
		return snap
	}
	sort.Float64s(latencies)

	var sum float64
	for _, l := range latencies {
		sum += l
	}
	snap.AvgLatencyMs = sum / float64(len(latencies))
	snap.P50LatencyMs = percentile(latencies, 0.50)
	snap.P95LatencyMs = percentile(latencies, 0.95)
	snap.P99LatencyMs = percentile(latencies, 0.99)
	return snap
}

// percentile returns the nearest-rank percentile of sorted values.
func percentile(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
