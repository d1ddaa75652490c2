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
	"context"
	"log/slog"
)

// Tier is a provider and model pair a request can be sent to.
type Tier struct {
	Provider string `yaml:"provider" json:"provider" validate:"required"`
	Model    string `yaml:"model" json:"model"`
}

// String formats the tier as provider/model.
func (t Tier) String() string {
	if t.Model == "" {
		return t.Provider
	}
	return t.Provider + "/" + t.Model
}

// TierFunc runs one request against one tier, retries included.
type TierFunc func(ctx context.Context, tier Tier, req Request) (Analysis, error)

// EscalationConfig configures an Escalator.
type EscalationConfig struct {
	// Default is the tier every request tries first.
	Default Tier

	// Escalation is the stronger tier. Nil disables escalation.
	Escalation *Tier

	// Threshold is the confidence (0-100) below which a result escalates.
	// Zero disables escalation.
	Threshold float64

	// OnEscalate is called once per escalation, before the second call.
	OnEscalate func(from, to Tier)
}

// Escalator re-runs low-confidence results against a stronger tier.
//
// # Description
//
// The first call goes to the default tier, with Request.Model overriding
// its model when set. If the result's confidence is below Threshold, one
// more call goes to the escalation tier and that result is returned with
// Escalated set. A failed escalation call is logged and the first result
// is returned. There is never more than one escalation per request.
//
// # Thread Safety
//
// Safe for concurrent use if run is.
type Escalator struct {
	cfg    EscalationConfig
	run    TierFunc
	logger *slog.Logger
}

// NewEscalator creates an escalator that sends calls through run.
func NewEscalator(cfg EscalationConfig, run TierFunc, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Escalator{cfg: cfg, run: run, logger: logger}
}

// Analyze runs req against the default tier and escalates if needed.
func (e *Escalator) Analyze(ctx context.Context, req Request) (Analysis, error) {
	first := e.cfg.Default
	if req.Model != "" {
		first.Model = req.Model
	}

	result, err := e.run(ctx, first, req)
	if err != nil {
		return Analysis{}, err
	}

	if !e.shouldEscalate(first, result) {
		return result, nil
	}

	to := *e.cfg.Escalation
	e.logger.Info("escalating low-confidence result",
		"item_id", req.ItemID,
		"from", first.String(),
		"to", to.String(),
		"confidence", result.Confidence,
		"threshold", e.cfg.Threshold)
	if e.cfg.OnEscalate != nil {
		e.cfg.OnEscalate(first, to)
	}

	escalated, err := e.run(ctx, to, req)
	if err != nil {
		e.logger.Warn("escalation call failed, keeping first result",
			"item_id", req.ItemID, "to", to.String(), "error", err)
		return result, nil
	}

	escalated.Escalated = true
	escalated.EscalatedFrom = first.String()
	escalated.Cost += result.Cost
	return escalated, nil
}

func (e *Escalator) shouldEscalate(first Tier, result Analysis) bool {
	if e.cfg.Escalation == nil || e.cfg.Threshold <= 0 {
		return false
	}
	if *e.cfg.Escalation == first {
		return false
	}
	return result.Confidence < e.cfg.Threshold
}
