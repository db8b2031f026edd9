// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// sessionSummary is the listing row for one session.
type sessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	Messages     int       `json:"messages"`
	LastActivity time.Time `json:"last_activity"`
	Queued       int       `json:"queued"`
}

func (a *app) sessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List chat sessions",
		Long:    "List sessions, merging the server's list into local state when it is reachable.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			stale := false
			if e.checkServer(ctx) {
				if err := e.coord.RefreshSessions(ctx); err != nil {
					e.logger.Warn("failed to refresh sessions", zap.Error(err))
					stale = true
				}
			} else {
				stale = true
			}

			rows := []sessionSummary{}
			for _, s := range e.coord.Sessions() {
				st := s.Stats()
				rows = append(rows, sessionSummary{
					ID:           s.ID,
					Title:        s.Title,
					CreatedAt:    s.CreatedAt,
					Messages:     st.MessageCount,
					LastActivity: st.LastActivity,
					Queued:       len(e.coord.Queue(s.ID)),
				})
			}

			return a.emit(cmd, rows, func(w io.Writer) {
				if stale {
					fmt.Fprintln(w, WarningStyle.Render("Server unreachable; showing local sessions."))
				}
				if len(rows) == 0 {
					fmt.Fprintln(w, DimStyle.Render("No sessions yet. Start one with `nexus-sync new`."))
					return
				}
				for _, r := range rows {
					line := fmt.Sprintf("%s  %-40s %3d msgs  %s",
						DimStyle.Render(shortID(r.ID)),
						util.TruncateRunes(r.Title, 40),
						r.Messages,
						r.LastActivity.Local().Format("2006-01-02 15:04"))
					if r.Queued > 0 {
						line += "  " + WarningStyle.Render(fmt.Sprintf("%d queued", r.Queued))
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
}

func (a *app) newSessionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new [title]",
		Short: "Create a chat session on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := e.coord.CreateSession(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return a.emit(cmd, sessionSummary{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render("Created"), s.ID)
			})
		},
	}
}

func (a *app) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show a session's messages",
		Long:  "Show a session's messages, syncing them from the server when it is reachable.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
					e.logger.Warn("failed to sync messages", zap.String("session", id), zap.Error(err))
				}
			}

			s, _ := e.coord.Session(id)
			msgs := s.Messages
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			return a.emit(cmd, msgs, func(w io.Writer) {
				fmt.Fprintln(w, TitleStyle.Render(s.Title))
				for _, m := range msgs {
					printMessage(w, m)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only show the last n messages")
	return cmd
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its queued prompts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.resolveSessionID(args[0])
			if err != nil {
				return err
			}
			if err := e.coord.DeleteSession(cmd.Context(), id); err != nil {
				return err
			}
			return a.emit(cmd, map[string]string{"deleted": id}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", SuccessStyle.Render("Deleted"), id)
			})
		},
	}
}

// resolveSessionID accepts a full id or a unique prefix of one.
func (e *engine) resolveSessionID(ref string) (string, error) {
	if _, ok := e.coord.Session(ref); ok {
		return ref, nil
	}
	var match string
	for _, s := range e.coord.Sessions() {
		if strings.HasPrefix(s.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("session prefix %q is ambiguous", ref)
			}
			match = s.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no session matches %q", ref)
	}
	return match, nil
}

func printMessage(w io.Writer, m model.Message) {
	label := AssistantStyle.Render(m.Role.DisplayName())
	if m.Role == model.RoleUser {
		label = UserStyle.Render(m.Role.DisplayName())
	}
	fmt.Fprintf(w, "%s %s\n%s\n\n", label, DimStyle.Render(m.Timestamp.Local().Format("15:04")), m.Content)
}

// shortID is enough of an id to pass back as a prefix.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
