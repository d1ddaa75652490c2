// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTriage/cmd/triage/config"
	"github.com/AleutianAI/AleutianTriage/pkg/ux"
	"github.com/AleutianAI/AleutianTriage/services/api"
	"github.com/AleutianAI/AleutianTriage/services/dispatch"
	"github.com/AleutianAI/AleutianTriage/services/queue"
)

// =============================================================================
// Harness
// =============================================================================

// fakeOllama answers /api/chat with a fixed reply or status.
type fakeOllama struct {
	reply  string
	status atomic.Int32
	calls  atomic.Int32
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if r.URL.Path != "/api/chat" {
		http.NotFound(w, r)
		return
	}
	if status := int(f.status.Load()); status != 0 {
		http.Error(w, `{"error":"model exploded"}`, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model":             "llama3.1:8b",
		"message":           map[string]string{"role": "assistant", "content": f.reply},
		"done":              true,
		"prompt_eval_count": 42,
		"eval_count":        17,
	})
}

type cliEnv struct {
	t          *testing.T
	configPath string
	queueDir   string
	ollama     *fakeOllama
}

func newCLIEnv(t *testing.T, backend string) *cliEnv {
	t.Helper()
	t.Setenv(config.EnvAnthropicAPIKey, "")
	t.Setenv(config.EnvOpenAIAPIKey, "")
	t.Setenv(config.EnvAPIToken, "")

	ollama := &fakeOllama{
		reply: `{"category": "work", "confidence": 82, "summary": "Budget review", "suggested_action": "reply", "reasoning": "asks for numbers"}`,
	}
	srv := httptest.NewServer(ollama)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	env := &cliEnv{
		t:          t,
		configPath: filepath.Join(dir, "triage.yaml"),
		queueDir:   filepath.Join(dir, "queue"),
		ollama:     ollama,
	}
	cfg := fmt.Sprintf(`logging:
  level: error
  log_dir: ""
providers:
  ollama:
    base_url: %s
  anthropic:
    api_key_file: ""
  openai:
    api_key_file: ""
dispatch:
  max_attempts: 1
  backoff_base: 1
  default: {provider: ollama, model: llama3.1:8b}
  escalation: null
queue:
  backend: %s
  dir: %s
telemetry:
  trace_exporter: none
  metric_exporter: none
`, srv.URL, backend, env.queueDir)
	if err := os.WriteFile(env.configPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return env
}

// run executes one CLI invocation in machine mode.
func (e *cliEnv) run(args ...string) (string, string, error) {
	e.t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader("Body from stdin"))
	cmd.SetArgs(append([]string{"--config", e.configPath, "--personality", "machine"}, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, errOut, err := e.run(args...)
	if err != nil {
		e.t.Fatalf("triage %s: %v\nstderr:\n%s", strings.Join(args, " "), err, errOut)
	}
	return out
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	return v
}

func (e *cliEnv) analyze(messageID string) *queue.Item {
	e.t.Helper()
	out := e.mustRun("analyze", "--json",
		"--account", "work",
		"--message-id", messageID,
		"--sender", "cfo@example.com",
		"--subject", "Q3 budget",
		"--body", "Can you send the Q3 numbers by Friday?")
	return decode[*queue.Item](e.t, out)
}

// =============================================================================
// analyze
// =============================================================================

func TestAnalyze_QueuesItemForReview(t *testing.T) {
	env := newCLIEnv(t, "file")

	item := env.analyze("<q3@mail>")

	if item.State != queue.StateAwaitingReview {
		t.Errorf("State = %s, want awaiting_review", item.State)
	}
	if item.Resolution != nil {
		t.Errorf("Resolution = %+v, want nil", item.Resolution)
	}
	analysis := decode[dispatch.Analysis](t, string(item.AnalysisPayload))
	if analysis.Category != "work" || analysis.Confidence != 82 || analysis.Provider != "ollama" {
		t.Errorf("analysis = %+v", analysis)
	}
	if env.ollama.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", env.ollama.calls.Load())
	}
	if _, err := os.Stat(filepath.Join(env.queueDir, item.ID+".json")); err != nil {
		t.Errorf("item file not written: %v", err)
	}

	list := decode[api.ListResponse](t, env.mustRun("list", "--json", "--tab", "to_process"))
	if list.Count != 1 || list.Items[0].ID != item.ID {
		t.Errorf("list --tab to_process = %+v", list)
	}

	stats := decode[queue.Stats](t, env.mustRun("stats", "--json"))
	if stats.Total != 1 || stats.ByTab[queue.TabToProcess] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAnalyze_DuplicateRejected(t *testing.T) {
	env := newCLIEnv(t, "file")
	env.analyze("<dup@mail>")

	_, _, err := env.run("analyze", "--account", "work", "--message-id", "<dup@mail>", "--body", "again")
	if !errors.Is(err, queue.ErrDuplicate) {
		t.Fatalf("second analyze error = %v, want ErrDuplicate", err)
	}
	if env.ollama.calls.Load() != 1 {
		t.Errorf("provider calls = %d, duplicate must not reach the model", env.ollama.calls.Load())
	}
}

func TestAnalyze_BodyFromStdin(t *testing.T) {
	env := newCLIEnv(t, "file")

	out := env.mustRun("analyze", "--json", "--account", "work", "--source", "chat", "--file", "-")

	item := decode[*queue.Item](t, out)
	if item.ContentPreview != "Body from stdin" {
		t.Errorf("ContentPreview = %q", item.ContentPreview)
	}
	if item.Source != queue.SourceChat {
		t.Errorf("Source = %q, want chat", item.Source)
	}
}

func TestAnalyze_ProviderFailureRecorded(t *testing.T) {
	env := newCLIEnv(t, "file")
	env.ollama.status.Store(http.StatusInternalServerError)

	out, _, err := env.run("analyze", "--json", "--account", "work", "--body", "hello")
	if err == nil || !strings.Contains(err.Error(), "analysis failed") {
		t.Fatalf("analyze error = %v, want analysis failure", err)
	}
	item := decode[*queue.Item](t, out)
	if item.State != queue.StateError || item.Error == nil {
		t.Fatalf("item = %+v, want error state", item)
	}

	list := decode[api.ListResponse](t, env.mustRun("list", "--json", "--tab", "errors"))
	if list.Count != 1 {
		t.Errorf("errors tab count = %d, want 1", list.Count)
	}
}

func TestAnalyze_RequiresAccount(t *testing.T) {
	env := newCLIEnv(t, "file")
	if _, _, err := env.run("analyze", "--body", "hi"); err == nil {
		t.Error("analyze without --account succeeded")
	}
}

// =============================================================================
// queue commands
// =============================================================================

func TestSnoozeAndResolve(t *testing.T) {
	env := newCLIEnv(t, "file")
	item := env.analyze("<snooze@mail>")

	env.mustRun("snooze", item.ID, "--for", "4h", "--reason", "after lunch")

	hidden := decode[api.ListResponse](t, env.mustRun("list", "--json"))
	if hidden.Count != 0 {
		t.Errorf("list without --include-snoozed = %d items, want 0", hidden.Count)
	}
	snoozed := decode[api.ListResponse](t, env.mustRun("list", "--json", "--tab", "snoozed"))
	if snoozed.Count != 1 || snoozed.Items[0].Snooze == nil || snoozed.Items[0].Snooze.Reason != "after lunch" {
		t.Errorf("snoozed tab = %+v", snoozed)
	}

	env.mustRun("snooze", item.ID, "--clear")
	env.mustRun("resolve", item.ID, "--type", "manual_rejected", "--action", "archived", "--by", "alice")

	got := decode[*queue.Item](t, env.mustRun("show", item.ID, "--json"))
	if got.State != queue.StateProcessed {
		t.Fatalf("State = %s, want processed", got.State)
	}
	if got.Resolution == nil || got.Resolution.Type != queue.ResolutionManualRejected || got.Resolution.ResolvedBy != "alice" {
		t.Errorf("Resolution = %+v", got.Resolution)
	}
	if got.Timestamps.ReviewedAt == nil {
		t.Error("ReviewedAt not stamped")
	}

	if _, _, err := env.run("snooze", item.ID, "--for", "1h"); !errors.Is(err, queue.ErrTerminal) {
		t.Errorf("snoozing a processed item: err = %v, want ErrTerminal", err)
	}
}

func TestResolve_Errors(t *testing.T) {
	env := newCLIEnv(t, "file")

	if _, _, err := env.run("resolve", "missing", "--type", "manual_approved"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("resolve missing: err = %v, want ErrNotFound", err)
	}
	if _, _, err := env.run("resolve", "missing", "--type", "bogus"); err == nil {
		t.Error("resolve with unknown type succeeded")
	}
}

func TestSnooze_RequiresMode(t *testing.T) {
	env := newCLIEnv(t, "file")
	if _, _, err := env.run("snooze", "some-id"); err == nil {
		t.Error("snooze without --until/--for/--clear succeeded")
	}
	if _, _, err := env.run("snooze", "some-id", "--until", "tomorrow"); err == nil {
		t.Error("snooze with a non-RFC 3339 time succeeded")
	}
}

func TestList_MachineOutput(t *testing.T) {
	env := newCLIEnv(t, "file")
	item := env.analyze("<table@mail>")

	out := env.mustRun("list")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header and one row:\n%s", len(lines), out)
	}
	if lines[0] != strings.Join(itemHeaders, "\t") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], item.ID+"\tawaiting_review\tto_process\twork\t") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestShow_MachineOutput(t *testing.T) {
	env := newCLIEnv(t, "file")
	item := env.analyze("<show@mail>")

	out := env.mustRun("show", item.ID)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if lines[0] != "id\t"+item.ID || lines[1] != "state\tawaiting_review" {
		t.Errorf("leading fields = %q", lines[:2])
	}
	if last := lines[len(lines)-1]; last != "preview\t"+item.ContentPreview {
		t.Errorf("last line = %q, want the preview", last)
	}
}

func TestPrintItem_BoxesPreview(t *testing.T) {
	var out bytes.Buffer
	p := ux.NewPrinter(&out, io.Discard, ux.PersonalityStandard)
	queued := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	printItem(p, &queue.Item{
		ID:             "item-1",
		AccountID:      "work",
		Source:         queue.SourceEmail,
		State:          queue.StateAwaitingReview,
		ContentPreview: "Can you review the numbers?",
		Timestamps:     queue.Timestamps{QueuedAt: &queued},
	}, queued)

	for _, want := range []string{"item-1", "awaiting_review", "╭", "preview", "Can you review the numbers?"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestList_RejectsUnknownFilters(t *testing.T) {
	env := newCLIEnv(t, "file")
	if _, _, err := env.run("list", "--tab", "inbox"); err == nil {
		t.Error("list --tab inbox succeeded")
	}
	if _, _, err := env.run("list", "--state", "pending"); err == nil {
		t.Error("list --state pending succeeded")
	}
}

func TestStats_MachineOutput(t *testing.T) {
	env := newCLIEnv(t, "file")
	env.analyze("<stats@mail>")

	out := env.mustRun("stats")

	for _, want := range []string{"to_process\t1\n", "errors\t0\n", "awaiting_review\t1\n", "SUMMARY: total=1\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats output missing %q:\n%s", want, out)
		}
	}
}

func TestWake_NothingExpired(t *testing.T) {
	env := newCLIEnv(t, "file")
	got := decode[map[string]int](t, env.mustRun("wake", "--json"))
	if got["woken"] != 0 {
		t.Errorf("woken = %d, want 0", got["woken"])
	}
}

// =============================================================================
// migrate
// =============================================================================

func TestMigrate_DryRunThenApply(t *testing.T) {
	env := newCLIEnv(t, "file")
	if err := os.MkdirAll(env.queueDir, 0o750); err != nil {
		t.Fatal(err)
	}
	legacyPath := filepath.Join(env.queueDir, "legacy-1.json")
	legacy := `{"status": "approved", "message_id": "m-1", "created_at": "2025-03-01T10:00:00Z"}`
	if err := os.WriteFile(legacyPath, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	dry := decode[queue.MigrationReport](t, env.mustRun("migrate", "--dry-run", "--json"))
	if !dry.DryRun || dry.Migrated != 1 {
		t.Errorf("dry run report = %+v", dry)
	}
	raw, err := os.ReadFile(legacyPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != legacy {
		t.Error("dry run rewrote the legacy file")
	}

	applied := decode[queue.MigrationReport](t, env.mustRun("migrate", "--json"))
	if applied.Migrated != 1 || applied.Results[0].ToState != queue.StateProcessed {
		t.Errorf("migrate report = %+v", applied)
	}

	again := decode[queue.MigrationReport](t, env.mustRun("migrate", "--json"))
	if again.Migrated != 0 || again.AlreadyMigrated != 1 {
		t.Errorf("second migrate report = %+v", again)
	}

	item := decode[*queue.Item](t, env.mustRun("show", "legacy-1", "--json"))
	if item.Resolution == nil || item.Resolution.Type != queue.ResolutionManualApproved {
		t.Errorf("migrated resolution = %+v", item.Resolution)
	}
}

func TestMigrate_FailureExitsNonZero(t *testing.T) {
	env := newCLIEnv(t, "file")
	if err := os.MkdirAll(env.queueDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(env.queueDir, "broken.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, _, err := env.run("migrate")
	if err == nil {
		t.Fatal("migrate with a corrupt file succeeded")
	}
	if !strings.Contains(out, "broken\tfailed") {
		t.Errorf("output missing failed row:\n%s", out)
	}
}

// =============================================================================
// backends
// =============================================================================

func TestBadgerBackend_EndToEnd(t *testing.T) {
	env := newCLIEnv(t, "badger")
	item := env.analyze("<badger@mail>")

	got := decode[*queue.Item](t, env.mustRun("show", item.ID, "--json"))
	if got.State != queue.StateAwaitingReview {
		t.Errorf("State = %s after reopening badger, want awaiting_review", got.State)
	}

	if _, _, err := env.run("watch"); err == nil || !strings.Contains(err.Error(), "file backend") {
		t.Errorf("watch on badger: err = %v, want file backend error", err)
	}
}

func TestRoot_BadConfig(t *testing.T) {
	env := newCLIEnv(t, "file")
	if err := os.WriteFile(env.configPath, []byte("queue:\n  backend: sqlite\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.run("stats"); err == nil {
		t.Error("stats with an invalid config succeeded")
	}
}

// =============================================================================
// serve
// =============================================================================

func TestServe_ShutsDownOnCancel(t *testing.T) {
	env := newCLIEnv(t, "file")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", env.configPath, "--personality", "machine", "serve", "--port", strconv.Itoa(port)})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v, want nil after cancel", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
