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

	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags.
type rootOptions struct {
	configPath  string
	personality string
	logLevel    string
	jsonOutput  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "triage",
		Short: "Classify incoming messages and manage the review queue",
		Long: `triage sends incoming email and chat messages to an LLM for
classification, stores the result in a durable review queue, and lets you
resolve, snooze and migrate queued items.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (default ~/.aleutian/triage.yaml)")
	flags.StringVar(&opts.personality, "personality", "",
		"Output style: full, standard, minimal, machine (env: ALEUTIAN_PERSONALITY)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		newAnalyzeCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newStatsCmd(opts),
		newWakeCmd(opts),
		newResolveCmd(opts),
		newSnoozeCmd(opts),
		newMigrateCmd(opts),
		newServeCmd(opts),
		newWatchCmd(opts),
	)
	return rootCmd
}

// withApp opens an app for the duration of fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(a *app) error) (err error) {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

// writeJSON prints v indented to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
