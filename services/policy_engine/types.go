// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConfidenceLevel is how reliably a pattern identifies its data.
type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// PublicClassification is returned when no pattern matches.
const PublicClassification = "public"

// PolicyFile is the document shape of the embedded policy.
type PolicyFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups patterns for one kind of sensitive data.
type Classification struct {
	Name        string    `yaml:"name" validate:"required"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns" validate:"required,min=1,dive"`
}

// Pattern is one regular expression in a classification.
type Pattern struct {
	Id          string          `yaml:"id" validate:"required"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex" validate:"required"`
	Confidence  ConfidenceLevel `yaml:"confidence"`

	// Redact replaces matches in stored previews. Patterns without it
	// only contribute to classification.
	Redact bool `yaml:"redact"`

	compiled *regexp.Regexp
}

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := ConfidenceLevel(s)
	switch incoming {
	case High, Medium, Low:
		*c = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for confidence: %q", incoming)
	}
}

func (p *PolicyFile) compile() error {
	for i := range p.Classifications {
		for j := range p.Classifications[i].Patterns {
			pattern := &p.Classifications[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("pattern %s: %w", pattern.Id, err)
			}
			pattern.compiled = re
		}
	}
	return nil
}

func (p *PolicyFile) sortByPriority() {
	sort.SliceStable(p.Classifications, func(i, j int) bool {
		return p.Classifications[i].Priority > p.Classifications[j].Priority
	})
}

// Finding is one pattern match in scanned text.
type Finding struct {
	LineNumber     int             `json:"line_number"`
	Classification string          `json:"classification"`
	PatternId      string          `json:"pattern_id"`
	Description    string          `json:"description"`
	Confidence     ConfidenceLevel `json:"confidence"`
	Redacted       bool            `json:"redacted"`
}
