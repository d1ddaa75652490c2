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
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianTriage/pkg/ux"
	"github.com/AleutianAI/AleutianTriage/services/api"
	"github.com/AleutianAI/AleutianTriage/services/queue"
	"github.com/spf13/cobra"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		state, tab, account string
		includeSnoozed      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := queue.Filter{
				State:          queue.State(state),
				Tab:            queue.Tab(tab),
				Account:        account,
				IncludeSnoozed: includeSnoozed,
			}
			if f.State != "" && !f.State.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}
			if f.Tab != "" && !slices.Contains(queue.AllTabs, f.Tab) {
				return fmt.Errorf("unknown tab %q", tab)
			}

			return withApp(cmd, opts, func(a *app) error {
				items, err := a.store.List(f)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					if items == nil {
						items = []*queue.Item{}
					}
					return writeJSON(cmd, api.ListResponse{Items: items, Count: len(items)})
				}
				if len(items) == 0 {
					a.printer.Info("No items")
					return nil
				}
				printItems(a.printer, items, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only items in this state")
	cmd.Flags().StringVar(&tab, "tab", "", "Only items in this tab (to_process, in_progress, snoozed, history, errors)")
	cmd.Flags().StringVar(&account, "account", "", "Only items for this account")
	cmd.Flags().BoolVar(&includeSnoozed, "include-snoozed", false, "Include items with an active snooze")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				item, err := a.store.Get(args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, item)
				}
				printItem(a.printer, item, time.Now())
				return nil
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queue items by tab and state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				stats, err := a.store.Stats()
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, stats)
				}

				p := a.printer
				p.Title("Queue")
				tabs := make([]ux.Count, 0, len(queue.AllTabs))
				for _, tab := range queue.AllTabs {
					tabs = append(tabs, ux.Count{Label: string(tab), Value: stats.ByTab[tab]})
				}
				p.Counts(tabs, stats.Total)

				p.Title("States")
				states := make([]ux.Count, 0, len(queue.AllStates))
				for _, s := range queue.AllStates {
					states = append(states, ux.Count{Label: string(s), Value: stats.ByState[s]})
				}
				p.Counts(states, stats.Total)
				p.Summary("total", stats.Total)
				return nil
			})
		},
	}
}

func newWakeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Clear snoozes that have expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				n, err := a.store.WakeExpiredSnoozes()
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, map[string]int{"woken": n})
				}
				a.printer.Success(fmt.Sprintf("Woke %d item(s)", n))
				return nil
			})
		},
	}
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var kind, action, by string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an item awaiting review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := queue.ResolutionType(kind)
			if !rt.Valid() {
				return fmt.Errorf("unknown resolution type %q", kind)
			}
			return withApp(cmd, opts, func(a *app) error {
				item, err := a.newProcessor(nil).Resolve(args[0], rt, action, by)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, item)
				}
				a.printer.Success(fmt.Sprintf("Resolved %s as %s", item.ID, rt))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(queue.ResolutionManualApproved),
		"Resolution: manual_approved, manual_modified, manual_rejected, manual_skipped")
	cmd.Flags().StringVar(&action, "action", "", "Action taken, e.g. replied or archived")
	cmd.Flags().StringVar(&by, "by", "cli", "Who resolved the item")
	return cmd
}

func newSnoozeCmd(opts *rootOptions) *cobra.Command {
	var (
		until  string
		dur    time.Duration
		reason string
		unset  bool
	)
	cmd := &cobra.Command{
		Use:   "snooze <id>",
		Short: "Hide an item until a time, or clear its snooze",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var wakeAt time.Time
			switch {
			case unset:
			case until != "":
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("--until must be RFC 3339: %w", err)
				}
				wakeAt = t
			case dur > 0:
				wakeAt = time.Now().Add(dur)
			default:
				return errors.New("one of --until, --for or --clear is required")
			}

			return withApp(cmd, opts, func(a *app) error {
				var (
					item *queue.Item
					err  error
				)
				if unset {
					item, err = a.store.ClearSnooze(args[0])
				} else {
					item, err = a.store.SetSnooze(args[0], wakeAt, reason)
				}
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd, item)
				}
				if unset {
					a.printer.Success(fmt.Sprintf("Cleared snooze on %s", item.ID))
				} else {
					a.printer.Success(fmt.Sprintf("Snoozed %s until %s", item.ID, wakeAt.Local().Format(timeLayout)))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "Wake time (RFC 3339)")
	cmd.Flags().DurationVar(&dur, "for", 0, "Snooze duration, e.g. 4h")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the item is snoozed")
	cmd.Flags().BoolVar(&unset, "clear", false, "Clear the snooze instead")
	cmd.MarkFlagsMutuallyExclusive("until", "for", "clear")
	return cmd
}
