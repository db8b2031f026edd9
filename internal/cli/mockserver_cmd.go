// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/mockserver"
)

func (a *app) mockServerCommand() *cobra.Command {
	var (
		addr       string
		apiKey     string
		chunkDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run a local stand-in for the OpenCode server",
		Long: `Run a local server speaking the session, prompt and event-stream API.
Answers echo the prompt and are streamed in chunks, which makes it handy for
trying offline queueing by stopping and restarting it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []mockserver.Option{
				mockserver.WithChunkDelay(chunkDelay),
				mockserver.WithLogger(a.logger.Named("mockserver")),
			}
			if apiKey != "" {
				opts = append(opts, mockserver.WithAPIKey(apiKey))
			}
			srv := mockserver.New(opts...)
			fmt.Fprintf(cmd.OutOrStdout(), "%s on http://%s (Ctrl+C to stop)\n", SuccessStyle.Render("Mock server listening"), addr)
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", mockserver.DefaultAddr, "listen address")
	f.StringVar(&apiKey, "require-key", "", "reject requests without this bearer token")
	f.DurationVar(&chunkDelay, "chunk-delay", 50*time.Millisecond, "pause between streamed chunks")
	return cmd
}
