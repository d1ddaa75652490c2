// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueCounts reports current item counts keyed by tab name.
type QueueCounts func(ctx context.Context) (map[string]int64, error)

// QueueMetrics holds OTel instruments for the triage pipeline.
//
// All instruments are created from a single meter. Use the global meter
// provider configured by Init:
//
//	m, err := telemetry.NewQueueMetrics(otel.Meter("triage"), counts)
type QueueMetrics struct {
	// ItemsProcessedTotal counts processed events by outcome.
	ItemsProcessedTotal metric.Int64Counter

	// ProcessDuration records end-to-end processing time in seconds.
	ProcessDuration metric.Float64Histogram

	// SnoozesWokenTotal counts items returned from snooze.
	SnoozesWokenTotal metric.Int64Counter

	// QueueItems reports the current count per tab.
	QueueItems metric.Int64ObservableGauge

	registration metric.Registration
}

// NewQueueMetrics creates the instruments. counts may be nil, in which
// case the queue gauge reports nothing.
func NewQueueMetrics(meter metric.Meter, counts QueueCounts) (*QueueMetrics, error) {
	m := &QueueMetrics{}
	var err error

	m.ItemsProcessedTotal, err = meter.Int64Counter(
		"triage_items_processed_total",
		metric.WithDescription("Events run through analysis, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create items processed counter: %w", err)
	}

	m.ProcessDuration, err = meter.Float64Histogram(
		"triage_process_duration_seconds",
		metric.WithDescription("End-to-end event processing duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create process duration histogram: %w", err)
	}

	m.SnoozesWokenTotal, err = meter.Int64Counter(
		"triage_snoozes_woken_total",
		metric.WithDescription("Items returned from snooze"),
	)
	if err != nil {
		return nil, fmt.Errorf("create snoozes woken counter: %w", err)
	}

	m.QueueItems, err = meter.Int64ObservableGauge(
		"triage_queue_items",
		metric.WithDescription("Items per tab"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue items gauge: %w", err)
	}

	if counts != nil {
		m.registration, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			byTab, err := counts(ctx)
			if err != nil {
				return err
			}
			for tab, n := range byTab {
				o.ObserveInt64(m.QueueItems, n, metric.WithAttributes(attribute.String("tab", tab)))
			}
			return nil
		}, m.QueueItems)
		if err != nil {
			return nil, fmt.Errorf("register queue items callback: %w", err)
		}
	}

	return m, nil
}

// RecordProcessed records one processed event.
func (m *QueueMetrics) RecordProcessed(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ItemsProcessedTotal.Add(ctx, 1, attrs)
	m.ProcessDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordWoken records n items returned from snooze.
func (m *QueueMetrics) RecordWoken(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SnoozesWokenTotal.Add(ctx, int64(n))
}

// Close unregisters the queue gauge callback.
func (m *QueueMetrics) Close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
