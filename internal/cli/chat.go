// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
)

// ChatHistoryFile holds line-editor history in the config directory.
const ChatHistoryFile = "chat_history"

// DefaultAnswerTimeout is how long chat waits for a streamed answer.
const DefaultAnswerTimeout = 2 * time.Minute

func (a *app) chatCommand() *cobra.Command {
	var (
		sessionRef string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with offline queueing",
		Long: `Start an interactive chat. Answers stream in as they arrive. Prompts typed
while the server is unreachable are queued and sent when it comes back.
Type /help for commands.`,
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
			runDone := make(chan error, 1)
			go func() { runDone <- e.coord.Run(ctx) }()
			defer func() {
				cancel()
				if err := <-runDone; err != nil {
					a.logger.Warn("background sync stopped", zap.Error(err))
				}
			}()

			e.checkServer(ctx)
			s, err := e.targetSession(ctx, sessionRef)
			if err != nil {
				return err
			}

			c := newChat(e, cmd.OutOrStdout(), s.ID)
			c.answerTimeout = timeout
			defer c.Close()
			return c.repl(ctx, filepath.Join(a.configDir, ChatHistoryFile))
		},
	}
	cmd.Flags().StringVar(&sessionRef, "session", "", "session id or prefix to continue")
	cmd.Flags().DurationVar(&timeout, "answer-timeout", DefaultAnswerTimeout, "how long to wait for an answer")
	return cmd
}

// =============================================================================
// CHAT STATE
// =============================================================================

// chat is one interactive conversation bound to an engine.
type chat struct {
	e             *engine
	out           io.Writer
	sessionID     string
	answerTimeout time.Duration

	// changed is signalled whenever the active session is republished
	changed chan struct{}
	unsub   func()
}

func newChat(e *engine, out io.Writer, sessionID string) *chat {
	c := &chat{
		e:             e,
		out:           out,
		sessionID:     sessionID,
		answerTimeout: DefaultAnswerTimeout,
		changed:       make(chan struct{}, 1),
	}
	c.unsub = e.coord.Views().ActiveSession.Subscribe(func(*model.Session) {
		select {
		case c.changed <- struct{}{}:
		default:
		}
	})
	return c
}

// Close detaches from the engine's views.
func (c *chat) Close() {
	c.unsub()
}

// repl reads lines until /quit, Ctrl+C or Ctrl+D.
func (c *chat) repl(ctx context.Context, historyPath string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)

	if f, err := os.Open(historyPath); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.OpenFile(historyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return
		}
		_, _ = line.WriteHistory(f)
		f.Close()
	}()

	c.printBanner()
	for {
		input, err := line.Prompt(c.prompt())
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Fprintln(c.out)
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if quit := c.handle(ctx, input); quit {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *chat) prompt() string {
	if !c.e.monitor.IsOnline() {
		return "nexus (offline)> "
	}
	if n := len(c.e.coord.Queue("")); n > 0 {
		return fmt.Sprintf("nexus (%d queued)> ", n)
	}
	return "nexus> "
}

func (c *chat) printBanner() {
	title := c.sessionID
	if s, ok := c.e.coord.Session(c.sessionID); ok {
		title = s.Title
	}
	fmt.Fprintln(c.out, TitleStyle.Render("nexus-sync chat: "+title))
	fmt.Fprintln(c.out, DimStyle.Render("Server "+c.e.server+". Type /help for commands."))
}

// =============================================================================
// INPUT HANDLING
// =============================================================================

var chatCommands = []string{"/sessions", "/new", "/switch", "/history", "/queue", "/drain", "/retry", "/status", "/help", "/quit"}

func completeCommand(line string) []string {
	if !strings.HasPrefix(line, "/") {
		return nil
	}
	var out []string
	for _, c := range chatCommands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}
	return out
}

// handle runs one line of input and reports whether the user asked to quit.
func (c *chat) handle(ctx context.Context, input string) bool {
	if !strings.HasPrefix(input, "/") {
		c.send(ctx, input)
		return false
	}

	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit", "/q":
		return true
	case "/help", "/?":
		c.printHelp()
	case "/sessions":
		c.listSessions(ctx)
	case "/new":
		s, err := c.e.coord.CreateSession(ctx, arg)
		if err != nil {
			c.printError(err)
			return false
		}
		c.sessionID = s.ID
		fmt.Fprintf(c.out, "%s %s\n", SuccessStyle.Render("Started"), shortID(s.ID))
	case "/switch":
		c.switchTo(ctx, arg)
	case "/history":
		if s, ok := c.e.coord.Session(c.sessionID); ok {
			for _, m := range s.Messages {
				printMessage(c.out, m)
			}
		}
	case "/queue":
		entries := c.e.coord.Queue("")
		if len(entries) == 0 {
			fmt.Fprintln(c.out, DimStyle.Render("Outbox is empty."))
		}
		for _, q := range entries {
			fmt.Fprintf(c.out, "%s %s %s\n", RenderEntryStatus(q.Status), DimStyle.Render(shortID(q.ID)), q.Content)
		}
	case "/drain":
		res, err := c.e.coord.DrainOutbox(ctx, "")
		if err != nil {
			c.printError(err)
			return false
		}
		printDrainResult(c.out, res)
	case "/retry":
		res, err := c.e.coord.RetryFailedMessages(ctx)
		if err != nil {
			c.printError(err)
			return false
		}
		printDrainResult(c.out, res)
	case "/status":
		state := "online"
		if !c.e.monitor.IsOnline() {
			state = "offline"
		}
		fmt.Fprintf(c.out, "%s, %d queued, server %s\n", state, len(c.e.coord.Queue("")), c.e.server)
	default:
		fmt.Fprintf(c.out, "%s %s (try /help)\n", WarningStyle.Render("Unknown command"), name)
	}
	return false
}

func (c *chat) printHelp() {
	fmt.Fprintln(c.out, `Commands:
  /sessions        list sessions
  /new [title]     start a new session
  /switch <id>     continue another session
  /history         show this session's messages
  /queue           show undelivered prompts
  /drain           send queued prompts now
  /retry           requeue failed prompts and send them
  /status          connection and outbox state
  /quit            leave`)
}

func (c *chat) printError(err error) {
	fmt.Fprintln(c.out, ErrorStyle.Render("Error: "+describe(err)))
}

func (c *chat) listSessions(ctx context.Context) {
	if c.e.monitor.IsOnline() {
		if err := c.e.coord.RefreshSessions(ctx); err != nil {
			c.printError(err)
		}
	}
	for _, s := range c.e.coord.Sessions() {
		marker := "  "
		if s.ID == c.sessionID {
			marker = "* "
		}
		fmt.Fprintf(c.out, "%s%s  %s\n", marker, DimStyle.Render(shortID(s.ID)), s.Title)
	}
}

func (c *chat) switchTo(ctx context.Context, ref string) {
	if ref == "" {
		fmt.Fprintln(c.out, WarningStyle.Render("Usage: /switch <session-id>"))
		return
	}
	id, err := c.e.resolveSessionID(ref)
	if err == nil {
		err = c.e.coord.SelectSession(id)
	}
	if err != nil {
		c.printError(err)
		return
	}
	c.sessionID = id
	if c.e.monitor.IsOnline() {
		if err := c.e.coord.SyncMessages(ctx, id); err != nil {
			c.e.logger.Warn("failed to sync messages", zap.String("session", id), zap.Error(err))
		}
	}
	s, _ := c.e.coord.Session(id)
	fmt.Fprintf(c.out, "%s %s (%d messages)\n", SuccessStyle.Render("Switched to"), s.Title, len(s.Messages))
}

// =============================================================================
// SENDING
// =============================================================================

func (c *chat) send(ctx context.Context, text string) {
	from := 0
	if s, ok := c.e.coord.Session(c.sessionID); ok {
		from = len(s.Messages)
	}
	entry, err := c.e.coord.SendTo(ctx, c.sessionID, text)
	if entry.ID == "" {
		c.printError(err)
		return
	}
	switch entry.Status {
	case outbox.StatusSent:
		c.awaitAnswer(ctx, sentPrompt{id: entry.MessageID, text: text, from: from})
	case outbox.StatusFailed:
		fmt.Fprintf(c.out, "%s %s (use /retry)\n", ErrorStyle.Render("Not delivered:"), describe(err))
	default:
		fmt.Fprintln(c.out, WarningStyle.Render("Offline: queued, will send when the server is back."))
	}
}

// sentPrompt locates a sent user message. The server's echo replaces its local
// id, so it is also found by text at or after index from.
type sentPrompt struct {
	id   string
	text string
	from int
}

// awaitAnswer prints the assistant reply to the user message as it streams
// in. It returns once the reply is complete, the timeout passes or ctx ends.
func (c *chat) awaitAnswer(ctx context.Context, p sentPrompt) {
	timer := time.NewTimer(c.answerTimeout)
	defer timer.Stop()

	var (
		answerID string
		printed  string
	)
	for {
		if msg, ok := c.answerAfter(p); ok {
			if msg.ID != answerID {
				if answerID != "" {
					fmt.Fprintln(c.out)
				}
				answerID, printed = msg.ID, ""
				fmt.Fprint(c.out, AssistantStyle.Render("Assistant")+" ")
			}
			if strings.HasPrefix(msg.Content, printed) {
				fmt.Fprint(c.out, msg.Content[len(printed):])
			} else {
				fmt.Fprint(c.out, "\n"+msg.Content)
			}
			printed = msg.Content
			if !c.e.coord.IsStreaming(c.sessionID) {
				fmt.Fprintln(c.out)
				return
			}
		}

		select {
		case <-c.changed:
		case <-timer.C:
			if answerID != "" {
				fmt.Fprintln(c.out)
			}
			fmt.Fprintln(c.out, DimStyle.Render("No complete answer yet; it will appear in /history when it arrives."))
			return
		case <-ctx.Done():
			return
		}
	}
}

// answerAfter returns the latest assistant message following p.
func (c *chat) answerAfter(p sentPrompt) (model.Message, bool) {
	s, ok := c.e.coord.Session(c.sessionID)
	if !ok {
		return model.Message{}, false
	}
	idx := s.IndexOf(p.id)
	for i := p.from; idx < 0 && i < len(s.Messages); i++ {
		if m := s.Messages[i]; m.Role == model.RoleUser && m.Content == p.text {
			idx = i
		}
	}
	if idx < 0 {
		return model.Message{}, false
	}
	for i := len(s.Messages) - 1; i > idx; i-- {
		if s.Messages[i].Role == model.RoleAssistant {
			return s.Messages[i], true
		}
	}
	return model.Message{}, false
}
