// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry initializes OpenTelemetry tracing and metrics for the
// triage service.
//
// We use OTel APIs directly. Backends are swapped through exporter
// configuration, not code.
//
// # Trace Backend (default: OTLP over gRPC)
//
// Spans from the dispatcher, the processor and the HTTP API go to an OTLP
// collector, to stdout for local debugging, or nowhere.
//
// # Metrics Backend (default: Prometheus)
//
// OTel instruments are bridged into the same Prometheus registry as the
// dispatcher's native collectors, so one /metrics endpoint serves both.
//
// # Usage
//
//	reg := prometheus.NewRegistry()
//	cfg := telemetry.DefaultConfig()
//	cfg.Registerer = reg
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(ctx)
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - ALEUTIAN_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package telemetry
