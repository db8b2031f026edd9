// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/config"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/connectivity"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
)

// LogFileName is where logs go when no log file is configured.
const LogFileName = "nexus-sync.log"

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildDate string
}

// app carries global flags and the state PersistentPreRunE builds.
type app struct {
	build BuildInfo

	configPath string
	server     string
	apiKey     string
	dataDir    string
	logLevel   string
	jsonOut    bool

	cfg       *config.Config
	configDir string
	logger    *zap.Logger

	// newMonitor supplies the connectivity monitor for an engine
	newMonitor func(logger *zap.Logger) *connectivity.Monitor
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the nexus-sync command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	return newApp(info).rootCommand()
}

func newApp(info BuildInfo) *app {
	return &app{build: info, logger: zap.NewNop(), newMonitor: isolatedMonitor}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "nexus-sync",
		Short: "Offline-first chat client for an OpenCode server",
		Long: `nexus-sync keeps chat sessions with an OpenCode server usable while the
network comes and goes. Prompts sent offline are queued on disk and delivered
in order once the server is reachable again; streamed answers are stitched
into single messages.`,
		Version:           fmt.Sprintf("%s (commit %s, built %s)", a.build.Version, a.build.GitCommit, a.build.BuildDate),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { _ = a.logger.Sync() },
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default: $NEXUS_HOME/config.toml)")
	pf.StringVarP(&a.server, "server", "s", "", "server URL or saved connection name")
	pf.StringVar(&a.apiKey, "api-key", "", "API key sent to the server")
	pf.StringVar(&a.dataDir, "data-dir", "", "directory for sessions and the outbox")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		a.sessionsCommand(),
		a.newSessionCommand(),
		a.historyCommand(),
		a.deleteCommand(),
		a.exportCommand(),
		a.sendCommand(),
		a.queueCommand(),
		a.drainCommand(),
		a.retryCommand(),
		a.discardCommand(),
		a.statusCommand(),
		a.connectCommand(),
		a.chatCommand(),
		a.watchCommand(),
		a.mockServerCommand(),
		a.configCommand(),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	dir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	a.configDir = dir

	var cfg *config.Config
	if a.configPath != "" {
		cfg, err = config.LoadFromPath(a.configPath)
	} else {
		cfg, err = config.LoadFromDir(dir)
	}
	if err != nil {
		return err
	}

	if a.apiKey != "" {
		cfg.Server.APIKey = a.apiKey
	}
	if a.dataDir != "" {
		cfg.Storage.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	if err := config.EnsureDir(dir); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(dir, LogFileName)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development, logFile)
	if err != nil {
		return err
	}
	a.logger = logger.With(zap.String("command", cmd.Name()))
	return nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execute runs the CLI with args and returns the process exit code.
func Execute(info BuildInfo, args []string) int {
	a := newApp(info)
	a.newMonitor = processMonitor
	root := a.rootCommand()
	root.SetArgs(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	if a.jsonOut {
		_ = NewJSONErrorResponse(cmd.CommandPath(), err).Write(root.OutOrStdout())
	} else {
		fmt.Fprintln(root.ErrOrStderr(), ErrorStyle.Render("Error: "+describe(err)))
	}
	return 1
}

// describe prefers the classified user message over the raw error text.
func describe(err error) string {
	var ce *errclass.ClassifiedError
	if errors.As(err, &ce) && ce.UserMessage != "" {
		return ce.UserMessage
	}
	return err.Error()
}

// emit prints data as JSON in --json mode, otherwise calls human.
func (a *app) emit(cmd *cobra.Command, data any, human func(w io.Writer)) error {
	if a.jsonOut {
		return NewJSONResponse(cmd.CommandPath(), data).Write(cmd.OutOrStdout())
	}
	human(cmd.OutOrStdout())
	return nil
}
