// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/config"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/ui/statusview"
)

func (a *app) watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live status view with background sync",
		Long: `Show connectivity, the outbox and the active session while syncing in the
background. Queued prompts are delivered as soon as the server is reachable.
Edits to the config file's retry settings apply without a restart.

Keys: d drain now, r retry failed, q quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := RequireTTY(); err != nil {
				return err
			}
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if list := e.coord.Sessions(); len(list) > 0 {
				_ = e.coord.SelectSession(list[0].ID)
			}

			views := e.coord.Views()
			m := statusview.New(e.server, statusview.Actions{
				Drain: func() error {
					_, err := e.coord.DrainOutbox(ctx, "")
					return err
				},
				Retry: func() error {
					_, err := e.coord.RetryFailedMessages(ctx)
					return err
				},
			}).WithViews(views)

			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
			unbridge := statusview.Bridge(p, views)
			defer unbridge()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return e.coord.Run(gctx) })
			g.Go(func() error {
				err := config.Watch(gctx, a.watchedConfigFile(), a.logger.Named("config"), func(cfg *config.Config) {
					a.applyReload(e, cfg)
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Warn("config reload disabled", zap.Error(err))
				}
				return nil
			})

			_, runErr := p.Run()
			cancel()
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			// An interrupt kills the program; that is a normal exit.
			if cmd.Context().Err() != nil {
				return nil
			}
			return runErr
		},
	}
}

// watchedConfigFile is the file whose edits are picked up live. It need
// not exist yet.
func (a *app) watchedConfigFile() string {
	if a.configPath != "" {
		return a.configPath
	}
	if path, ok := config.FindFile(a.configDir); ok {
		return path
	}
	return filepath.Join(a.configDir, "config.toml")
}

// applyReload pushes settings that can change at runtime into the engine.
func (a *app) applyReload(e *engine, cfg *config.Config) {
	policy, err := cfg.Retry.Policy()
	if err != nil {
		a.logger.Warn("ignoring invalid retry settings", zap.Error(err))
		return
	}
	e.coord.SetRetryPolicy(policy)
	a.cfg = cfg
}
