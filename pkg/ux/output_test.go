// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrinter(level PersonalityLevel) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut, level), &out, &errOut
}

// =============================================================================
// Machine mode
// =============================================================================

func TestPrinter_MachineMode(t *testing.T) {
	p, out, errOut := newTestPrinter(PersonalityMachine)

	p.Title("Queue")
	p.Muted("secondary")
	p.Success("saved")
	p.Info("plain")
	p.Warning("careful")
	p.Error("broken")

	if got, want := out.String(), "OK: saved\nplain\n"; got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	if got, want := errOut.String(), "WARN: careful\nERROR: broken\n"; got != want {
		t.Errorf("stderr = %q, want %q", got, want)
	}
}

func TestTable_MachineMode(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityMachine)

	p.Table([]string{"ID", "STATE"}, [][]string{{"a", "queued"}, {"b", "error"}})

	want := "ID\tSTATE\na\tqueued\nb\terror\n"
	if out.String() != want {
		t.Errorf("Table() = %q, want %q", out.String(), want)
	}
}

func TestFields_MachineMode(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityMachine)

	p.Fields([][2]string{{"id", "a"}, {"state", "queued"}})

	if want := "id\ta\nstate\tqueued\n"; out.String() != want {
		t.Errorf("Fields() = %q, want %q", out.String(), want)
	}
}

func TestCounts_MachineMode(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityMachine)

	p.Counts([]Count{{"to_process", 2}, {"errors", 0}}, 2)
	p.Summary("total", 2)

	want := "to_process\t2\nerrors\t0\nSUMMARY: total=2\n"
	if out.String() != want {
		t.Errorf("Counts() = %q, want %q", out.String(), want)
	}
}

func TestBox_MachineMode(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityMachine)
	p.Box("Item", "content")
	if out.String() != "Item\tcontent\n" {
		t.Errorf("Box() = %q", out.String())
	}
}

// =============================================================================
// Styled modes
// =============================================================================

func TestTitle_FullMode(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityFull)
	p.Title("Queue")
	if !strings.Contains(out.String(), string(IconAnchor)) || !strings.Contains(out.String(), "Queue") {
		t.Errorf("Title() = %q, want anchor and text", out.String())
	}
}

func TestSuccess_MinimalMode(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityMinimal)
	p.Success("saved")
	if !strings.Contains(out.String(), string(IconSuccess)) || !strings.Contains(out.String(), "saved") {
		t.Errorf("Success() = %q", out.String())
	}
}

func TestError_StandardModeGoesToStderr(t *testing.T) {
	p, out, errOut := newTestPrinter(PersonalityStandard)
	p.Error("broken")
	if out.Len() != 0 {
		t.Errorf("stdout = %q, want empty", out.String())
	}
	if !strings.Contains(errOut.String(), "broken") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestBox_StandardMode(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityStandard)
	p.Box("preview", "Can you review the numbers?")
	for _, want := range []string{"╭", "preview", "Can you review the numbers?"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Box() output missing %q:\n%s", want, out.String())
		}
	}
}

func TestHighlight(t *testing.T) {
	machine, _, _ := newTestPrinter(PersonalityMachine)
	if got := machine.Highlight("awaiting_review"); got != "awaiting_review" {
		t.Errorf("machine Highlight() = %q", got)
	}
	full, _, _ := newTestPrinter(PersonalityFull)
	if got := full.Highlight("awaiting_review"); !strings.Contains(got, "awaiting_review") {
		t.Errorf("full Highlight() = %q", got)
	}
}

func TestTable_StandardMode(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityStandard)

	p.Table([]string{"ID", "STATE"}, [][]string{{"item-1", "awaiting_review"}})

	for _, want := range []string{"ID", "STATE", "item-1", "awaiting_review", "╭"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Table() output missing %q:\n%s", want, out.String())
		}
	}
}

func TestFields_StandardModeAligns(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityStandard)

	p.Fields([][2]string{{"id", "a"}, {"state", "queued"}})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if strings.Index(lines[0], "a") != strings.Index(lines[1], "queued") {
		t.Errorf("values not aligned:\n%s", out.String())
	}
}

func TestNewPrinter_DefaultLevel(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{}, &bytes.Buffer{}, "")
	if p.Level() != PersonalityStandard {
		t.Errorf("Level() = %v, want standard", p.Level())
	}
}

// =============================================================================
// ProgressBar
// =============================================================================

func TestProgressBar_MachineMode(t *testing.T) {
	p, _, _ := newTestPrinter(PersonalityMachine)
	if got := p.ProgressBar(3, 10, 20); got != "3/10" {
		t.Errorf("ProgressBar() = %q, want 3/10", got)
	}
}

func TestProgressBar_HalfFull(t *testing.T) {
	p, _, _ := newTestPrinter(PersonalityStandard)
	got := p.ProgressBar(5, 10, 10)
	if strings.Count(got, "█") != 5 || strings.Count(got, "░") != 5 {
		t.Errorf("ProgressBar(5, 10, 10) = %q", got)
	}
	if !strings.Contains(got, "50%") {
		t.Errorf("ProgressBar(5, 10, 10) = %q, want 50%%", got)
	}
}

func TestProgressBar_ZeroTotal(t *testing.T) {
	p, _, _ := newTestPrinter(PersonalityStandard)
	got := p.ProgressBar(0, 0, 4)
	if strings.Count(got, "░") != 4 || !strings.Contains(got, "0%") {
		t.Errorf("ProgressBar(0, 0, 4) = %q", got)
	}
}

func TestRepeatChar(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{3, "███"},
		{0, ""},
		{-1, ""},
	}
	for _, tt := range tests {
		if got := repeatChar('█', tt.n); got != tt.want {
			t.Errorf("repeatChar(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
