// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/config"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/remote"
)

func (a *app) connectCommand() *cobra.Command {
	var (
		name   string
		list   bool
		forget string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "connect [url]",
		Short: "Test and save a server connection",
		Long: `Test a server URL and save it as a named connection. The most recently
used connection is picked automatically when no server is configured.

  nexus-sync connect https://box.local:4096 --name box
  nexus-sync connect --list
  nexus-sync connect --forget box`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := config.NewConnectionStore(a.configDir)
			switch {
			case list:
				conns, err := store.List()
				if err != nil {
					return err
				}
				return a.emit(cmd, conns, func(w io.Writer) { printConnections(w, conns) })
			case forget != "":
				if err := store.Remove(forget); err != nil {
					return err
				}
				return a.emit(cmd, map[string]string{"removed": forget}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render("Removed"), forget)
				})
			case len(args) == 0:
				return errors.New("a server URL is required (or use --list / --forget)")
			}

			conn, err := config.ConnectionFromURL(name, args[0])
			if err != nil {
				return err
			}
			pingErr := a.ping(cmd.Context(), conn.URL())
			if pingErr != nil && !force {
				return pingErr
			}
			if err := store.Save(conn); err != nil {
				return err
			}
			if pingErr == nil {
				if err := store.MarkConnected(conn.Name, time.Now()); err != nil {
					return err
				}
			}
			a.logger.Info("connection saved", zap.String("name", conn.Name), zap.Bool("reachable", pingErr == nil))

			return a.emit(cmd, conn, func(w io.Writer) {
				if pingErr != nil {
					fmt.Fprintf(w, "%s %s (unreachable: %s)\n", WarningStyle.Render("Saved"), conn.Name, describe(pingErr))
					return
				}
				fmt.Fprintf(w, "%s %s at %s\n", SuccessStyle.Render("Connected"), conn.Name, conn.URL())
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "connection name (default: host:port)")
	f.BoolVar(&list, "list", false, "list saved connections")
	f.StringVar(&forget, "forget", "", "remove a saved connection")
	f.BoolVar(&force, "force", false, "save even if the server is unreachable")
	return cmd
}

func (a *app) ping(ctx context.Context, url string) error {
	client, err := remote.NewClient(url, a.cfg.Server.APIKey, remote.WithLogger(a.logger.Named("remote")))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	return client.Ping(ctx)
}

func printConnections(w io.Writer, conns []config.Connection) {
	if len(conns) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No saved connections."))
		return
	}
	for _, c := range conns {
		last := "never"
		if c.LastConnected != nil {
			last = c.LastConnected.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%-20s %-36s %s\n", c.Name, c.URL(), DimStyle.Render("last used "+last))
	}
}
