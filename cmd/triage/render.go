// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianTriage/pkg/ux"
	"github.com/AleutianAI/AleutianTriage/services/dispatch"
	"github.com/AleutianAI/AleutianTriage/services/queue"
)

const timeLayout = "2006-01-02 15:04"

var itemHeaders = []string{"ID", "STATE", "TAB", "ACCOUNT", "QUEUED", "PREVIEW"}

func itemRow(it *queue.Item, now time.Time) []string {
	return []string{
		it.ID,
		string(it.State),
		string(it.Tab(now)),
		it.AccountID,
		formatTime(it.Timestamps.QueuedAt),
		truncate(it.ContentPreview, 48),
	}
}

func printItems(p *ux.Printer, items []*queue.Item, now time.Time) {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, itemRow(it, now))
	}
	p.Table(itemHeaders, rows)
}

// printItem shows every populated field of one item, then the preview
// in a box.
func printItem(p *ux.Printer, it *queue.Item, now time.Time) {
	fields := [][2]string{
		{"id", it.ID},
		{"state", p.Highlight(string(it.State))},
		{"tab", string(it.Tab(now))},
		{"account", it.AccountID},
		{"source", string(it.Source)},
	}
	add := func(k, v string) {
		if v != "" {
			fields = append(fields, [2]string{k, v})
		}
	}
	add("dedup_key", it.DedupKey)
	add("queued_at", formatTime(it.Timestamps.QueuedAt))
	add("analysis_started_at", formatTime(it.Timestamps.AnalysisStartedAt))
	add("analysis_completed_at", formatTime(it.Timestamps.AnalysisCompletedAt))
	add("reviewed_at", formatTime(it.Timestamps.ReviewedAt))

	var analysis dispatch.Analysis
	if len(it.AnalysisPayload) > 0 && json.Unmarshal(it.AnalysisPayload, &analysis) == nil {
		add("category", analysis.Category)
		add("confidence", strconv.FormatFloat(analysis.Confidence, 'f', -1, 64))
		add("suggested_action", analysis.SuggestedAction)
		add("summary", analysis.Summary)
		if analysis.Provider != "" {
			add("model", analysis.Provider+"/"+analysis.Model)
		}
		if analysis.Escalated {
			add("escalated_from", analysis.EscalatedFrom)
		}
	}
	if r := it.Resolution; r != nil {
		add("resolution", string(r.Type))
		add("action_taken", r.ActionTaken)
		add("resolved_by", r.ResolvedBy)
	}
	if s := it.Snooze; s != nil {
		add("snoozed_until", s.Until.Local().Format(timeLayout))
		add("snooze_reason", s.Reason)
		add("snooze_count", strconv.Itoa(s.SnoozeCount))
	}
	if e := it.Error; e != nil {
		add("error_type", e.Type)
		add("error", e.Message)
	}

	p.Fields(fields)
	if it.ContentPreview != "" {
		p.Box("preview", it.ContentPreview)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(timeLayout)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
