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
	"strings"

	"github.com/AleutianAI/AleutianTriage/services/llm"
)

// ModelPrice is a model's price in USD per million tokens.
type ModelPrice struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"input_per_million" validate:"gte=0"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million" validate:"gte=0"`
}

// PriceTable maps model names, or model name prefixes, to prices.
type PriceTable map[string]ModelPrice

// DefaultPriceTable returns list prices for the models the default config
// references. Local models are free.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"claude-3-5-haiku":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
		"claude-3-5-sonnet": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
		"claude-sonnet-4":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
		"claude-opus-4":     {InputPerMillion: 15.00, OutputPerMillion: 75.00},
		"gpt-4o-mini":       {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		"gpt-4o":            {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	}
}

// Lookup returns the price for model. An exact match wins; otherwise the
// longest key that prefixes model is used, so dated model ids resolve to
// their family. Unknown models cost nothing.
func (p PriceTable) Lookup(model string) (ModelPrice, bool) {
	if price, ok := p[model]; ok {
		return price, true
	}
	best := ""
	for key := range p {
		if strings.HasPrefix(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return ModelPrice{}, false
	}
	return p[best], true
}

// Cost returns the USD cost of usage on model.
func (p PriceTable) Cost(model string, usage llm.Usage) float64 {
	price, ok := p.Lookup(model)
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1e6*price.InputPerMillion +
		float64(usage.OutputTokens)/1e6*price.OutputPerMillion
}
