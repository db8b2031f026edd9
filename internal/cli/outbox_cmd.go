// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/session"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// =============================================================================
// SEND
// =============================================================================

func (a *app) sendCommand() *cobra.Command {
	var sessionRef string
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a prompt, queueing it if the server is unreachable",
		Long: `Send a prompt to a session. Without --session the most recent session is
used, or a new one is created. When the server cannot be reached the prompt
is saved to the outbox and delivered by the next drain.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			e.checkServer(ctx)
			s, err := e.targetSession(ctx, sessionRef)
			if err != nil {
				return err
			}

			entry, sendErr := e.coord.SendTo(ctx, s.ID, strings.Join(args, " "))
			if entry.ID == "" {
				return sendErr
			}
			// A queued prompt is a success for the caller; a failed one is not.
			if entry.Status == outbox.StatusFailed {
				if !a.jsonOut {
					printSendResult(cmd.OutOrStdout(), entry)
				}
				return sendErr
			}
			return a.emit(cmd, entry, func(w io.Writer) { printSendResult(w, entry) })
		},
	}
	cmd.Flags().StringVar(&sessionRef, "session", "", "session id or prefix")
	return cmd
}

func printSendResult(w io.Writer, e outbox.QueuedMessage) {
	switch e.Status {
	case outbox.StatusSent:
		fmt.Fprintf(w, "%s to %s\n", SuccessStyle.Render("Delivered"), shortID(e.SessionID))
	case outbox.StatusFailed:
		fmt.Fprintf(w, "%s %s (kept as %s; run `nexus-sync retry`)\n",
			ErrorStyle.Render("Failed:"), e.LastError, shortID(e.ID))
	default:
		fmt.Fprintf(w, "%s as %s; it will be sent when the server is reachable\n",
			WarningStyle.Render("Queued"), shortID(e.ID))
	}
}

// =============================================================================
// QUEUE
// =============================================================================

func (a *app) queueCommand() *cobra.Command {
	var sessionRef string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List prompts waiting in the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			sid := ""
			if sessionRef != "" {
				if sid, err = e.resolveSessionID(sessionRef); err != nil {
					return err
				}
			}
			entries := e.coord.Queue(sid)
			return a.emit(cmd, entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, DimStyle.Render("Outbox is empty."))
					return
				}
				for _, q := range entries {
					line := fmt.Sprintf("%s %s  %s  %s",
						RenderEntryStatus(q.Status),
						DimStyle.Render(shortID(q.ID)),
						DimStyle.Render(shortID(q.SessionID)),
						util.TruncateRunes(util.SingleLine(q.Content), 50))
					if q.LastError != "" {
						line += "  " + ErrorStyle.Render(q.LastError)
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
	cmd.Flags().StringVar(&sessionRef, "session", "", "only show this session's prompts")
	return cmd
}

// =============================================================================
// DRAIN / RETRY / DISCARD
// =============================================================================

func (a *app) drainCommand() *cobra.Command {
	var sessionRef string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued prompts in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			sid := ""
			if sessionRef != "" {
				if sid, err = e.resolveSessionID(sessionRef); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			if !e.checkServer(ctx) {
				return session.ErrOffline
			}
			res, err := e.coord.DrainOutbox(ctx, sid)
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func(w io.Writer) { printDrainResult(w, res) })
		},
	}
	cmd.Flags().StringVar(&sessionRef, "session", "", "only drain this session")
	return cmd
}

func (a *app) retryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Requeue failed prompts and drain the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			if !e.checkServer(ctx) {
				return session.ErrOffline
			}
			res, err := e.coord.RetryFailedMessages(ctx)
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func(w io.Writer) { printDrainResult(w, res) })
		},
	}
}

func printDrainResult(w io.Writer, r session.DrainResult) {
	if r.Attempted == 0 {
		fmt.Fprintln(w, DimStyle.Render("Nothing to deliver."))
		return
	}
	fmt.Fprintf(w, "%s %d of %d\n", SuccessStyle.Render("Delivered"), r.Delivered, r.Attempted)
	if r.Requeued > 0 {
		fmt.Fprintf(w, "%s %d (will retry)\n", WarningStyle.Render("Requeued"), r.Requeued)
	}
	if r.Failed > 0 {
		fmt.Fprintf(w, "%s %d\n", ErrorStyle.Render("Failed"), r.Failed)
	}
	if r.Stopped {
		fmt.Fprintf(w, "%s after a prompt the server rejected; retry or discard it to continue\n",
			WarningStyle.Render("Stopped"))
	}
	if len(r.Blocked) > 0 {
		fmt.Fprintf(w, "%s %d session(s) until the failed prompt is retried or discarded\n",
			WarningStyle.Render("Held back"), len(r.Blocked))
	}
	if r.Remaining > 0 {
		fmt.Fprintf(w, "%d still queued\n", r.Remaining)
	}
}

func (a *app) discardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Remove an undelivered prompt from the outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := resolveEntryID(e.coord.Queue(""), args[0])
			if err != nil {
				return err
			}
			if err := e.coord.DiscardQueued(id); err != nil {
				return err
			}
			return a.emit(cmd, map[string]string{"discarded": id}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render("Discarded"), shortID(id))
			})
		},
	}
}

// errNoEntry is returned when no outbox entry matches a reference.
var errNoEntry = errors.New("no queued prompt matches")

func resolveEntryID(entries []outbox.QueuedMessage, ref string) (string, error) {
	var match string
	for _, q := range entries {
		if q.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(q.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("entry prefix %q is ambiguous", ref)
			}
			match = q.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w %q", errNoEntry, ref)
	}
	return match, nil
}

// =============================================================================
// STATUS
// =============================================================================

type statusReport struct {
	Server     string `json:"server"`
	Connection string `json:"connection,omitempty"`
	Online     bool   `json:"online"`
	Status     string `json:"status"`
	Sessions   int    `json:"sessions"`
	Queued     int    `json:"queued"`
	Failed     int    `json:"failed"`
	Backend    string `json:"storage_backend"`
	DataDir    string `json:"data_dir"`
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and outbox state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			e.checkServer(cmd.Context())
			st := e.monitor.State()
			rep := statusReport{
				Server:     e.server,
				Connection: e.connName,
				Online:     e.monitor.IsOnline(),
				Status:     string(st.Status()),
				Sessions:   len(e.coord.Sessions()),
				Backend:    a.cfg.Storage.Backend,
				DataDir:    a.cfg.DataDir(a.configDir),
			}
			for _, q := range e.coord.Queue("") {
				rep.Queued++
				if q.Status == outbox.StatusFailed {
					rep.Failed++
				}
			}

			return a.emit(cmd, rep, func(w io.Writer) {
				online := SuccessStyle.Render("online")
				if !rep.Online {
					online = ErrorStyle.Render("offline")
				}
				fmt.Fprintln(w, TitleStyle.Render("nexus-sync"))
				fmt.Fprintln(w, RenderField("Server", rep.Server))
				if rep.Connection != "" {
					fmt.Fprintln(w, RenderField("Connection", rep.Connection))
				}
				fmt.Fprintln(w, RenderField("Status", online+" ("+rep.Status+")"))
				fmt.Fprintln(w, RenderField("Sessions", fmt.Sprint(rep.Sessions)))
				fmt.Fprintln(w, RenderField("Queued", fmt.Sprintf("%d (%d failed)", rep.Queued, rep.Failed)))
				fmt.Fprintln(w, RenderField("Storage", rep.Backend+" at "+rep.DataDir))
			})
		},
	}
}
