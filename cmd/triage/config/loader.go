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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianTriage/services/llm"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvAPIToken        = "TRIAGE_API_TOKEN"
)

// DefaultPath returns ~/.aleutian/triage.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "triage.yaml"), nil
}

// Load reads, defaults and validates the configuration at path.
//
// # Description
//
// A missing file is created from DefaultConfig. Fields absent from the
// file keep their default values. Secrets are resolved from the
// environment, then from each provider's APIKeyFile. Paths starting with
// "~/" are expanded.
//
// # Inputs
//
//   - path: Config file. Empty uses DefaultPath.
//
// # Outputs
//
//   - Config: Ready to use.
//   - bool: True when the file was created by this call.
//   - error: Read, parse or validation failures.
func Load(path string) (Config, bool, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, false, err
		}
		path = p
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return Config{}, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, false, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, created, nil
}

// Parse decodes YAML over DefaultConfig, resolves secrets and validates.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Queue.Dir = expandHome(cfg.Queue.Dir)
	cfg.Logging.LogDir = expandHome(cfg.Logging.LogDir)
	cfg.Secrets = Secrets{
		AnthropicAPIKey: llm.LoadSecret(EnvAnthropicAPIKey, cfg.Providers.Anthropic.APIKeyFile),
		OpenAIAPIKey:    llm.LoadSecret(EnvOpenAIAPIKey, cfg.Providers.OpenAI.APIKeyFile),
		APIToken:        strings.TrimSpace(os.Getenv(EnvAPIToken)),
	}
	cfg.Server.APIToken = cfg.Secrets.APIToken

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Dispatch.Escalation != nil && *c.Dispatch.Escalation == c.Dispatch.Default {
		return errors.New("invalid config: escalation tier equals the default tier")
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
