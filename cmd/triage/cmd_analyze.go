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
	"io"
	"os"
	"time"

	"github.com/AleutianAI/AleutianTriage/services/orchestrator"
	"github.com/AleutianAI/AleutianTriage/services/queue"
	"github.com/spf13/cobra"
)

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var (
		ev       orchestrator.Event
		source   string
		bodyFile string
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Classify one message and add it to the review queue",
		Long: `Classify one message and add it to the review queue.

The body comes from --body, or from --file (use - for stdin). Messages
already seen (same account, source and message id, or the same content
when there is no message id) are rejected as duplicates.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.Source = queue.Source(source)
			if bodyFile != "" {
				body, err := readBody(cmd, bodyFile)
				if err != nil {
					return err
				}
				ev.Body = body
			}
			if ev.ReceivedAt.IsZero() {
				ev.ReceivedAt = time.Now().UTC()
			}

			return withApp(cmd, opts, func(a *app) error {
				dispatcher, err := a.newDispatcher()
				if err != nil {
					return err
				}
				item, err := a.newProcessor(dispatcher).Process(cmd.Context(), ev)
				if err != nil {
					return err
				}

				if opts.jsonOutput {
					if err := writeJSON(cmd, item); err != nil {
						return err
					}
				} else {
					a.printer.Title("Triage")
					printItem(a.printer, item, time.Now())
				}
				if item.State == queue.StateError && item.Error != nil {
					return fmt.Errorf("analysis failed (%s): %s", item.Error.Type, item.Error.Message)
				}
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&ev.AccountID, "account", "", "Account the message belongs to (required)")
	f.StringVar(&source, "source", string(queue.SourceEmail), "Message source: email or chat")
	f.StringVar(&ev.MessageID, "message-id", "", "Upstream message id, used for deduplication")
	f.StringVar(&ev.Sender, "sender", "", "Sender address or handle")
	f.StringVar(&ev.Subject, "subject", "", "Subject line")
	f.StringVar(&ev.Body, "body", "", "Message body")
	f.StringVar(&bodyFile, "file", "", "Read the body from a file (- for stdin)")
	_ = cmd.MarkFlagRequired("account")
	cmd.MarkFlagsMutuallyExclusive("body", "file")
	return cmd
}

func readBody(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read message body: %w", err)
	}
	return string(data), nil
}
