// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine classifies message text and scrubs sensitive
// values from the content previews written to the review queue.
//
//	message text ──► Redact ──► "[REDACTED:AWS_ACCESS_KEY_ID] rotated"
//	                   │
//	                   └──► classification ("secret", "pii", ..., "public")
//
// The policy is embedded at build time (see the enforcement package).
// Only previews are scrubbed; the text sent for analysis is unchanged.
package policy_engine

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianTriage/services/policy_engine/enforcement"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PolicyEngine holds the compiled classifications, highest priority first.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type PolicyEngine struct {
	classifications []Classification
}

// NewPolicyEngine loads the embedded policy.
//
// # Outputs
//
// Returns an error if the embedded YAML is malformed, fails validation, or
// contains an invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	return newPolicyEngine(enforcement.RedactionPatterns)
}

func newPolicyEngine(data []byte) (*PolicyEngine, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the redaction policy: %w", err)
	}
	v := validator.New()
	for i := range file.Classifications {
		if err := v.Struct(file.Classifications[i]); err != nil {
			return nil, fmt.Errorf("invalid classification %q: %w", file.Classifications[i].Name, err)
		}
	}
	if err := file.compile(); err != nil {
		return nil, fmt.Errorf("failed to compile the redaction policy: %w", err)
	}
	file.sortByPriority()
	return &PolicyEngine{classifications: file.Classifications}, nil
}

// ClassifyData returns the name of the highest-priority classification
// with any matching pattern, or PublicClassification.
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, c := range e.classifications {
		for _, p := range c.Patterns {
			if p.compiled.Match(data) {
				return c.Name
			}
		}
	}
	return PublicClassification
}

// Scan reports every pattern that matches each line of content. Findings
// never carry the matched text.
func (e *PolicyEngine) Scan(content string) []Finding {
	var findings []Finding
	for n, line := range strings.Split(content, "\n") {
		for _, c := range e.classifications {
			for _, p := range c.Patterns {
				if !p.compiled.MatchString(line) {
					continue
				}
				findings = append(findings, Finding{
					LineNumber:     n + 1,
					Classification: c.Name,
					PatternId:      p.Id,
					Description:    p.Description,
					Confidence:     p.Confidence,
					Redacted:       p.Redact,
				})
			}
		}
	}
	return findings
}

// Redact replaces matches of redacting patterns with [REDACTED:<id>] and
// returns the scrubbed text with the classification of the original.
//
// # Example
//
//	out, class := engine.Redact("key AKIA1234567890123456")
//	// out == "key [REDACTED:AWS_ACCESS_KEY_ID]", class == "secret"
func (e *PolicyEngine) Redact(text string) (string, string) {
	class := e.ClassifyData([]byte(text))
	if class == PublicClassification {
		return text, class
	}
	for _, c := range e.classifications {
		for _, p := range c.Patterns {
			if p.Redact {
				text = p.compiled.ReplaceAllLiteralString(text, "[REDACTED:"+p.Id+"]")
			}
		}
	}
	return text, class
}
