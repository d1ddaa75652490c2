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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianTriage/services/api"
	"github.com/AleutianAI/AleutianTriage/services/orchestrator"
	"github.com/AleutianAI/AleutianTriage/services/queue"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the snooze waker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(cmd, opts, func(a *app) error {
				logger := a.logger.Slog()

				dispatcher, err := a.newDispatcher()
				if err != nil {
					return err
				}

				serverCfg := a.cfg.Server
				if port > 0 {
					serverCfg.Port = port
				}
				svc, err := api.New(serverCfg, api.Deps{
					Store:      a.store,
					Processor:  a.newProcessor(dispatcher),
					Dispatcher: dispatcher,
					Gatherer:   a.registry,
					Logger:     logger,
				})
				if err != nil {
					return err
				}

				waker := orchestrator.NewSnoozeWaker(a.store, a.cfg.Queue.WakeInterval, logger)
				waker.OnWake(func(n int) { a.metrics.RecordWoken(context.Background(), n) })
				if err := waker.Start(ctx); err != nil {
					return err
				}
				defer waker.Stop()

				if backend, ok := a.store.Backend().(*queue.FileBackend); ok {
					go func() {
						err := queue.Watch(ctx, backend.Dir(), logger, func(ev queue.ChangeEvent) {
							logger.Debug("queue item changed", "item_id", ev.ID, "op", string(ev.Op))
						})
						if err != nil {
							logger.Warn("queue watcher unavailable", "error", err.Error())
						}
					}()
				}

				a.printer.Success(fmt.Sprintf("Serving on :%d", serverCfg.Port))
				if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Override the configured port")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print queue item changes as they happen (file backend only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(cmd, opts, func(a *app) error {
				backend, ok := a.store.Backend().(*queue.FileBackend)
				if !ok {
					return fmt.Errorf("watch requires the file backend, configured backend is %q", a.cfg.Queue.Backend)
				}
				a.printer.Muted("Watching " + backend.Dir())
				return queue.Watch(ctx, backend.Dir(), a.logger.Slog(), func(ev queue.ChangeEvent) {
					if opts.jsonOutput {
						_ = writeJSON(cmd, ev)
						return
					}
					a.printer.Info(fmt.Sprintf("%s\t%s", ev.Op, ev.ID))
				})
			})
		},
	}
}
