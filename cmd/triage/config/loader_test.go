// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func clearSecrets(t *testing.T) {
	t.Helper()
	t.Setenv(EnvAnthropicAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")
	t.Setenv(EnvAPIToken, "")
}

// TestDefaultConfigValidates verifies the shipped defaults are valid.
func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

// TestLoad_CreatesDefault verifies first-run creation and round trip.
func TestLoad_CreatesDefault(t *testing.T) {
	clearSecrets(t)
	path := filepath.Join(t.TempDir(), ".aleutian", "triage.yaml")

	cfg, created, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !created {
		t.Error("created = false on first run")
	}
	if cfg.Queue.Backend != "file" {
		t.Errorf("Queue.Backend = %q, want file", cfg.Queue.Backend)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config mode = %o, want 600", perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("written config is not YAML: %v", err)
	}
	for _, key := range []string{"dispatch", "queue", "providers", "server", "telemetry"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("written config missing %q section", key)
		}
	}
	if strings.Contains(string(data), "secrets") || strings.Contains(string(data), "api_token") {
		t.Error("secrets must never be written to the config file")
	}

	again, created, err := Load(path)
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if created {
		t.Error("created = true on second run")
	}
	if again.Dispatch.Window != time.Minute {
		t.Errorf("Dispatch.Window = %v after round trip, want 1m", again.Dispatch.Window)
	}
	if again.Dispatch.Escalation == nil || again.Dispatch.Escalation.Provider != "anthropic" {
		t.Errorf("Dispatch.Escalation = %+v, want anthropic", again.Dispatch.Escalation)
	}
}

// TestParse_PartialFileKeepsDefaults verifies fields absent from the file.
func TestParse_PartialFileKeepsDefaults(t *testing.T) {
	clearSecrets(t)
	cfg, err := Parse([]byte(`
queue:
  backend: badger
  dir: /var/lib/triage
dispatch:
  escalation_threshold: 55
  window: 30s
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Queue.Backend != "badger" || cfg.Queue.Dir != "/var/lib/triage" {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Dispatch.EscalationThreshold != 55 {
		t.Errorf("EscalationThreshold = %v, want 55", cfg.Dispatch.EscalationThreshold)
	}
	if cfg.Dispatch.Window != 30*time.Second {
		t.Errorf("Window = %v, want 30s", cfg.Dispatch.Window)
	}
	if cfg.Dispatch.MaxRequests != 50 {
		t.Errorf("MaxRequests = %d, want default 50", cfg.Dispatch.MaxRequests)
	}
	if cfg.Queue.WakeInterval != time.Minute {
		t.Errorf("WakeInterval = %v, want default 1m", cfg.Queue.WakeInterval)
	}
}

// TestParse_DisableEscalation verifies an explicit null escalation tier.
func TestParse_DisableEscalation(t *testing.T) {
	clearSecrets(t)
	cfg, err := Parse([]byte("dispatch:\n  escalation: null\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Dispatch.Escalation != nil {
		t.Errorf("Escalation = %+v, want nil", cfg.Dispatch.Escalation)
	}
}

// TestParse_Secrets verifies env vars win over secret files.
func TestParse_Secrets(t *testing.T) {
	clearSecrets(t)
	keyFile := filepath.Join(t.TempDir(), "openai_key")
	if err := os.WriteFile(keyFile, []byte("sk-from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvAnthropicAPIKey, "sk-ant-env")
	t.Setenv(EnvAPIToken, " token ")

	cfg, err := Parse([]byte("providers:\n  openai:\n    api_key_file: " + keyFile + "\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Secrets.AnthropicAPIKey != "sk-ant-env" {
		t.Errorf("AnthropicAPIKey = %q", cfg.Secrets.AnthropicAPIKey)
	}
	if cfg.Secrets.OpenAIAPIKey != "sk-from-file" {
		t.Errorf("OpenAIAPIKey = %q", cfg.Secrets.OpenAIAPIKey)
	}
	if cfg.Server.APIToken != "token" {
		t.Errorf("Server.APIToken = %q, want token", cfg.Server.APIToken)
	}
}

// TestParse_Invalid verifies validation failures.
func TestParse_Invalid(t *testing.T) {
	clearSecrets(t)
	tests := []struct {
		name string
		yaml string
	}{
		{"bad backend", "queue:\n  backend: sqlite\n"},
		{"empty dir", "queue:\n  dir: \"\"\n"},
		{"unknown provider", "dispatch:\n  default:\n    provider: gemini\n"},
		{"threshold above 100", "dispatch:\n  escalation_threshold: 101\n"},
		{"zero window", "dispatch:\n  window: 0s\n"},
		{"same tiers", "dispatch:\n  default: {provider: anthropic, model: m}\n  escalation: {provider: anthropic, model: m}\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad trace exporter", "telemetry:\n  trace_exporter: zipkin\n"},
		{"bad gin mode", "server:\n  gin_mode: turbo\n"},
		{"not yaml", "queue: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("Parse(%q) succeeded, want error", tt.yaml)
			}
		})
	}
}

// TestExpandHome verifies "~/" expansion.
func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/q"); got != filepath.Join(home, "q") {
		t.Errorf("expandHome(~/q) = %q", got)
	}
	if got := expandHome("/abs"); got != "/abs" {
		t.Errorf("expandHome(/abs) = %q", got)
	}
}
