// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	if LevelWarn.toSlogLevel() != slog.LevelWarn {
		t.Errorf("LevelWarn maps to %v", LevelWarn.toSlogLevel())
	}
	if Level(42).toSlogLevel() != slog.LevelInfo {
		t.Errorf("unknown level should map to Info")
	}
}

func TestNew_JSONOutputIncludesService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Service: "triage", Format: FormatJSON, Output: &buf})

	logger.Info("item queued", "item_id", "abc")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["service"] != "triage" {
		t.Errorf("service = %v, want triage", rec["service"])
	}
	if rec["item_id"] != "abc" {
		t.Errorf("item_id = %v, want abc", rec["item_id"])
	}
}

func TestNew_AutoFormatUsesJSONForBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	logger.Info("hello")

	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON for non-terminal writer, got %q", buf.String())
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info message should be filtered: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestWith_AddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatText, Output: &buf})

	logger.With("item_id", "i-1").Info("snooze set")

	if !strings.Contains(buf.String(), "item_id=i-1") {
		t.Errorf("child attribute missing: %q", buf.String())
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "svc"})
	logger.Info("to file", "k", 1)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "svc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("file missing message: %q", data)
	}
}

func TestBufferedExporter_ReceivesEntries(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Service: "triage", Exporter: exp})

	logger.Warn("retrying", "attempt", 2)
	logger.Debug("below level")

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Level != LevelWarn || entries[0].Service != "triage" {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[0].Attrs["attempt"] != int64(2) {
		t.Errorf("attempt attr = %v", entries[0].Attrs["attempt"])
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestBufferedExporter_ReceivesSlogRecords(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exp})

	logger.Slog().With("item_id", "abc").WithGroup("llm").Info("analysis completed", "tokens", 12)

	if !exp.Contains("analysis completed") {
		t.Fatal("exporter missed slog record")
	}
	attrs := exp.Entries()[0].Attrs
	if attrs["item_id"] != "abc" {
		t.Errorf("item_id = %v", attrs["item_id"])
	}
	if attrs["llm.tokens"] != int64(12) {
		t.Errorf("llm.tokens = %v", attrs["llm.tokens"])
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := Default()
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}
