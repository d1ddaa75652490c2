// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders human-facing CLI output.
//
// A Printer writes to one stdout and one stderr writer at a fixed
// PersonalityLevel. PersonalityMachine emits plain, tab-separated text for
// scripts; the other levels style output with lipgloss. Colors are only
// emitted when the writer is a color-capable terminal.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Aleutian palette
var (
	ColorTealBright = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealDeep   = lipgloss.Color("#16858E") // borders, accents
	ColorSlate      = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
	IconAnchor  Icon = "⚓"
)

type styles struct {
	title     lipgloss.Style
	bold      lipgloss.Style
	muted     lipgloss.Style
	success   lipgloss.Style
	warning   lipgloss.Style
	err       lipgloss.Style
	highlight lipgloss.Style
	box       lipgloss.Style
	border    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:     r.NewStyle().Bold(true).Foreground(ColorTealBright),
		bold:      r.NewStyle().Bold(true),
		muted:     r.NewStyle().Foreground(ColorSlate),
		success:   r.NewStyle().Foreground(ColorSuccess),
		warning:   r.NewStyle().Foreground(ColorWarning),
		err:       r.NewStyle().Foreground(ColorError),
		highlight: r.NewStyle().Foreground(ColorTealBright).Bold(true),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealDeep).
			Padding(0, 1),
		border: r.NewStyle().Foreground(ColorTealDeep),
	}
}

// Printer writes styled output.
//
// # Thread Safety
//
// A Printer is not safe for concurrent use; commands own one each.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	level  PersonalityLevel
	styles styles
}

// NewPrinter returns a Printer writing results to out and diagnostics to
// errOut.
func NewPrinter(out, errOut io.Writer, level PersonalityLevel) *Printer {
	if level == "" {
		level = PersonalityStandard
	}
	return &Printer{
		out:    out,
		errOut: errOut,
		level:  level,
		styles: newStyles(lipgloss.NewRenderer(out)),
	}
}

// Out returns the result writer.
func (p *Printer) Out() io.Writer { return p.out }

// Level returns the personality level.
func (p *Printer) Level() PersonalityLevel { return p.level }

// Machine reports whether output is plain text for scripts.
func (p *Printer) Machine() bool { return p.level == PersonalityMachine }

// Icon renders i in its status color.
func (p *Printer) Icon(i Icon) string {
	if p.Machine() {
		return string(i)
	}
	switch i {
	case IconSuccess:
		return p.styles.success.Render(string(i))
	case IconWarning:
		return p.styles.warning.Render(string(i))
	case IconError:
		return p.styles.err.Render(string(i))
	case IconPending:
		return p.styles.muted.Render(string(i))
	default:
		return string(i)
	}
}

// Title prints a section title. Suppressed in machine mode.
func (p *Printer) Title(text string) {
	switch p.level {
	case PersonalityMachine:
		return
	case PersonalityFull:
		fmt.Fprintf(p.out, "%s %s\n", IconAnchor, p.styles.title.Render(text))
	default:
		fmt.Fprintln(p.out, p.styles.title.Render(text))
	}
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", p.Icon(IconSuccess), text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", p.Icon(IconSuccess), p.styles.success.Render(text))
	}
}

// Warning prints a warning to the diagnostics writer.
func (p *Printer) Warning(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.errOut, "WARN: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.errOut, "%s %s\n", p.Icon(IconWarning), text)
	default:
		fmt.Fprintf(p.errOut, "%s %s\n", p.Icon(IconWarning), p.styles.warning.Render(text))
	}
}

// Error prints an error to the diagnostics writer.
func (p *Printer) Error(text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.errOut, "ERROR: %s\n", text)
	case PersonalityMinimal:
		fmt.Fprintf(p.errOut, "%s %s\n", p.Icon(IconError), text)
	default:
		fmt.Fprintf(p.errOut, "%s %s\n", p.Icon(IconError), p.styles.err.Render(text))
	}
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if p.Machine() {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.styles.muted.Render("│"), text)
}

// Muted prints secondary text. Suppressed in machine mode.
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.out, p.styles.muted.Render(text))
}

// Box prints content under a title in a rounded box. Machine mode prints
// one "title<TAB>content" line, matching Fields.
func (p *Printer) Box(title, content string) {
	if p.Machine() {
		fmt.Fprintf(p.out, "%s\t%s\n", title, content)
		return
	}
	titleLine := p.styles.title.Render(title)
	fmt.Fprintln(p.out, p.styles.box.Width(72).Render(titleLine+"\n"+content))
}

// Fields prints aligned key/value pairs in order.
//
// # Example
//
//	p.Fields([][2]string{{"id", item.ID}, {"state", string(item.State)}})
func (p *Printer) Fields(pairs [][2]string) {
	if p.Machine() {
		for _, kv := range pairs {
			fmt.Fprintf(p.out, "%s\t%s\n", kv[0], kv[1])
		}
		return
	}
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	for _, kv := range pairs {
		key := kv[0] + strings.Repeat(" ", width-len(kv[0]))
		fmt.Fprintf(p.out, "  %s  %s\n", p.styles.muted.Render(key), kv[1])
	}
}

// Table prints rows under headers.
//
// Machine mode prints a tab-separated header line followed by one line
// per row. Other levels draw a bordered table.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.Machine() {
		fmt.Fprintln(p.out, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(p.out, strings.Join(row, "\t"))
		}
		return
	}
	header := p.styles.bold.Padding(0, 1)
	cell := p.styles.bold.UnsetBold().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.styles.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	fmt.Fprintln(p.out, t.Render())
}

// Count is one labelled value for Counts.
type Count struct {
	Label string
	Value int
}

// Counts prints labelled counts with a bar showing each share of total.
func (p *Printer) Counts(counts []Count, total int) {
	if p.Machine() {
		for _, c := range counts {
			fmt.Fprintf(p.out, "%s\t%d\n", c.Label, c.Value)
		}
		return
	}
	width := 0
	for _, c := range counts {
		width = max(width, len(c.Label))
	}
	for _, c := range counts {
		label := c.Label + strings.Repeat(" ", width-len(c.Label))
		fmt.Fprintf(p.out, "  %s  %5d  %s\n", label, c.Value, p.ProgressBar(c.Value, total, 20))
	}
}

// Summary prints a one-line total.
func (p *Printer) Summary(label string, total int) {
	if p.Machine() {
		fmt.Fprintf(p.out, "SUMMARY: %s=%d\n", label, total)
		return
	}
	fmt.Fprintf(p.out, "\n%s %s\n",
		p.styles.bold.Render(fmt.Sprintf("%d", total)), p.styles.muted.Render(label))
}

// ProgressBar renders a simple progress bar
func (p *Printer) ProgressBar(current, total int, width int) string {
	if p.Machine() {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total)
	}
	filled := int(pct * float64(width))
	empty := width - filled

	bar := p.styles.success.Render(repeatChar('█', filled)) +
		p.styles.muted.Render(repeatChar('░', empty))

	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}

// Highlight renders text in the accent style.
func (p *Printer) Highlight(text string) string {
	if p.Machine() {
		return text
	}
	return p.styles.highlight.Render(text)
}

func repeatChar(c rune, n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(string(c), n)
}
