// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/export"
)

func (a *app) exportCommand() *cobra.Command {
	var (
		format string
		output string
		noMeta bool
	)
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write a session to a Markdown or JSON file",
		Long: `Write a session to a file. Prompts still waiting in the outbox are
included and marked as not yet delivered.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := export.DefaultOptions()
			opts.OutputDir = output
			opts.IncludeMetadata = !noMeta
			exporter, err := export.ForFormat(format, opts)
			if err != nil {
				return err
			}

			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.resolveSessionID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if e.checkServer(ctx) {
				if err := e.coord.SyncMessages(ctx, id); err != nil {
					e.logger.Warn("failed to sync messages before export", zap.String("session", id), zap.Error(err))
				}
			}

			s, _ := e.coord.Session(id)
			path, err := export.WriteFile(export.Document{Session: s, Queued: e.coord.Queue(id)}, exporter, opts)
			if err != nil {
				return err
			}
			e.logger.Info("session exported", zap.String("session", id), zap.String("path", path))

			return a.emit(cmd, map[string]string{"session": id, "path": path}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render("Exported to"), path)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "output format: markdown or json")
	cmd.Flags().StringVarP(&output, "output", "o", ".", "directory to write into")
	cmd.Flags().BoolVar(&noMeta, "no-metadata", false, "omit the YAML front matter")
	return cmd
}
