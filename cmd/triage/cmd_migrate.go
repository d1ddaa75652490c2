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
	"fmt"

	"github.com/AleutianAI/AleutianTriage/services/queue"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var mo queue.MigrateOptions
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Convert legacy status-based queue files to the state model",
		Long: `Convert legacy queue documents (status pending/approved/rejected/...)
into the current state/resolution model. Already migrated items are left
alone, so the command is safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				report, err := queue.NewMigrator(a.store, a.logger.Slog()).Run(cmd.Context(), mo)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					if err := writeJSON(cmd, report); err != nil {
						return err
					}
				} else {
					printMigration(a, report)
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d item(s) failed to migrate", report.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&mo.DryRun, "dry-run", false, "Report changes without writing")
	cmd.Flags().StringVar(&mo.ItemID, "item", "", "Migrate only this item")
	cmd.Flags().IntVar(&mo.Concurrency, "concurrency", 4, "Parallel reads")
	return cmd
}

func printMigration(a *app, report queue.MigrationReport) {
	p := a.printer
	title := "Migration"
	if report.DryRun {
		title += " (dry run)"
	}
	p.Title(title)

	rows := make([][]string, 0, len(report.Results))
	for _, r := range report.Results {
		if r.Outcome == queue.OutcomeAlreadyMigrated {
			continue
		}
		rows = append(rows, []string{r.ID, string(r.Outcome), r.FromStatus, string(r.ToState), r.Error})
	}
	if len(rows) > 0 {
		p.Table([]string{"ID", "OUTCOME", "FROM", "TO", "ERROR"}, rows)
	}

	verb := "migrated"
	if report.DryRun {
		verb = "would migrate"
	}
	p.Info(fmt.Sprintf("%d %s, %d already migrated, %d failed",
		report.Migrated, verb, report.AlreadyMigrated, report.Failed))
}
