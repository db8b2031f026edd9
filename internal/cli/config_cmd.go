// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/config"
)

func (a *app) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
		Long: `Show or change configuration. Keys use dot notation:

  nexus-sync config get sync.drain_policy
  nexus-sync config set retry.preset conservative

Environment variables (NEXUS_*) and .env files override the file; "config set"
only writes the file.`,
		// A broken config file must not stop the commands that repair it.
		PersistentPreRunE: func(*cobra.Command, []string) error {
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			a.configDir = dir
			return nil
		},
	}
	cmd.AddCommand(
		a.configShowCommand(),
		a.configGetCommand(),
		a.configSetCommand(),
		a.configPathCommand(),
	)
	return cmd
}

// effectiveConfig loads configuration the way every other command does.
func (a *app) effectiveConfig() (*config.Config, error) {
	if a.configPath != "" {
		return config.LoadFromPath(a.configPath)
	}
	return config.LoadFromDir(a.configDir)
}

// configFile is the file "config set" writes.
func (a *app) configFile() string {
	if a.configPath != "" {
		return a.configPath
	}
	return filepath.Join(a.configDir, "config.toml")
}

func (a *app) configShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.effectiveConfig()
			if err != nil {
				return err
			}
			redacted := cfg.Clone()
			if redacted.Server.APIKey != "" {
				redacted.Server.APIKey = "[REDACTED]"
			}
			return a.emit(cmd, redacted, func(w io.Writer) {
				fmt.Fprintln(w, cfg.String())
			})
		},
	}
}

func (a *app) configGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.effectiveConfig()
			if err != nil {
				return err
			}
			v, err := cfg.Get(args[0])
			if err != nil {
				return fmt.Errorf("%w (known keys: %s)", err, strings.Join(config.Keys(), ", "))
			}
			if strings.EqualFold(args[0], "server.api_key") && v != "" {
				v = "[REDACTED]"
			}
			return a.emit(cmd, map[string]any{args[0]: v}, func(w io.Writer) {
				fmt.Fprintln(w, v)
			})
		},
	}
}

func (a *app) configSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one value in the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configFile()
			if !strings.EqualFold(filepath.Ext(path), ".toml") {
				return fmt.Errorf("config set only writes TOML files, not %s", path)
			}

			cfg := config.Default()
			data, err := os.ReadFile(path)
			switch {
			case err == nil:
				if err := config.Decode(cfg, data, "toml"); err != nil {
					return err
				}
			case !errors.Is(err, os.ErrNotExist):
				return err
			}

			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.SaveTOML(cfg, path); err != nil {
				return err
			}
			return a.emit(cmd, map[string]string{args[0]: args[1], "file": path}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s in %s\n", SuccessStyle.Render("Set"), args[0], path)
			})
		},
	}
}

func (a *app) configPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.emit(cmd, map[string]string{"dir": a.configDir, "file": a.configFile()}, func(w io.Writer) {
				fmt.Fprintln(w, a.configDir)
			})
		},
	}
}
