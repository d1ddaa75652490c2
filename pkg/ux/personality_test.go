// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"testing"
)

func TestParsePersonalityLevel(t *testing.T) {
	tests := []struct {
		input string
		want  PersonalityLevel
	}{
		{"full", PersonalityFull},
		{"F", PersonalityFull},
		{"standard", PersonalityStandard},
		{"std", PersonalityStandard},
		{"minimal", PersonalityMinimal},
		{"m", PersonalityMinimal},
		{"machine", PersonalityMachine},
		{"quiet", PersonalityMachine},
		{" q ", PersonalityMachine},
		{"unknown", PersonalityStandard},
		{"", PersonalityStandard},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParsePersonalityLevel(tt.input); got != tt.want {
				t.Errorf("ParsePersonalityLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDetectPersonality_FlagWins(t *testing.T) {
	t.Setenv(EnvPersonality, "machine")
	if got := DetectPersonality("minimal", &bytes.Buffer{}); got != PersonalityMinimal {
		t.Errorf("DetectPersonality() = %v, want minimal", got)
	}
}

func TestDetectPersonality_Env(t *testing.T) {
	t.Setenv(EnvPersonality, "full")
	if got := DetectPersonality("", &bytes.Buffer{}); got != PersonalityFull {
		t.Errorf("DetectPersonality() = %v, want full", got)
	}
}

func TestDetectPersonality_NonTerminal(t *testing.T) {
	t.Setenv(EnvPersonality, "")
	if got := DetectPersonality("", &bytes.Buffer{}); got != PersonalityMachine {
		t.Errorf("DetectPersonality() = %v, want machine", got)
	}
}

func TestIsTerminal_Buffer(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Error("IsTerminal(buffer) = true")
	}
}
