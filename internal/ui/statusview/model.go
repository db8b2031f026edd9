// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package statusview renders a live terminal view of sync state: connectivity,
// the queued message count, retry progress, the last error and the active
// session's tail.
package statusview

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/session"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// =============================================================================
// MESSAGES
// =============================================================================

// OnlineMsg reports a connectivity change.
type OnlineMsg bool

// QueueMsg reports the number of undelivered messages.
type QueueMsg int

// RetryingMsg reports whether a delivery is waiting to retry.
type RetryingMsg bool

// ErrorMsg carries the latest classified error, or nil once cleared.
type ErrorMsg struct{ Err *errclass.ClassifiedError }

// SessionsMsg carries the session list, newest first.
type SessionsMsg []*model.Session

// ActiveMsg carries the active session, or nil.
type ActiveMsg struct{ Session *model.Session }

// actionDoneMsg reports the result of a key-triggered action.
type actionDoneMsg struct {
	name string
	err  error
}

// Sender delivers messages to a running program. *tea.Program implements it.
type Sender interface {
	Send(msg tea.Msg)
}

// Bridge forwards later view changes to s. Seed the model with WithViews
// first; *tea.Program.Send blocks until the program runs. The returned
// function detaches the bridge.
func Bridge(s Sender, v *session.Views) (unsubscribe func()) {
	unsubs := []func(){
		v.IsOnline.Subscribe(func(on bool) { s.Send(OnlineMsg(on)) }),
		v.QueuedMessageCount.Subscribe(func(n int) { s.Send(QueueMsg(n)) }),
		v.Retrying.Subscribe(func(on bool) { s.Send(RetryingMsg(on)) }),
		v.LastError.Subscribe(func(e *errclass.ClassifiedError) { s.Send(ErrorMsg{Err: e}) }),
		v.Sessions.Subscribe(func(list []*model.Session) { s.Send(SessionsMsg(list)) }),
		v.ActiveSession.Subscribe(func(a *model.Session) { s.Send(ActiveMsg{Session: a}) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// =============================================================================
// MODEL
// =============================================================================

// Actions are run when their key is pressed. Nil actions are disabled.
type Actions struct {
	// Drain is bound to "d"
	Drain func() error
	// Retry is bound to "r"
	Retry func() error
}

// Model is the bubbletea model for the status view.
type Model struct {
	server   string
	actions  Actions
	spinner  spinner.Model
	width    int
	tailSize int

	online   bool
	queued   int
	retrying bool
	lastErr  *errclass.ClassifiedError
	sessions []*model.Session
	active   *model.Session

	notice string
}

// DefaultTail is the number of active-session messages shown.
const DefaultTail = 6

// New creates a status view for server.
func New(server string, actions Actions) Model {
	s := spinner.New()
	s.Spinner = spinner.Spinner{
		Frames: []string{"|", "/", "-", "\\"},
		FPS:    time.Second / 10,
	}
	s.Style = queueStyle
	return Model{
		server:   server,
		actions:  actions,
		spinner:  s,
		width:    80,
		tailSize: DefaultTail,
		online:   true,
	}
}

// WithViews returns m showing the current values of v.
func (m Model) WithViews(v *session.Views) Model {
	m.online = v.IsOnline.Get()
	m.queued = v.QueuedMessageCount.Get()
	m.retrying = v.Retrying.Get()
	m.lastErr = v.LastError.Get()
	m.sessions = v.Sessions.Get()
	m.active = v.ActiveSession.Get()
	return m
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case OnlineMsg:
		m.online = bool(msg)
	case QueueMsg:
		m.queued = int(msg)
	case RetryingMsg:
		m.retrying = bool(msg)
	case ErrorMsg:
		m.lastErr = msg.Err
	case SessionsMsg:
		m.sessions = msg
	case ActiveMsg:
		m.active = msg.Session

	case actionDoneMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s failed: %v", msg.name, msg.err)
		} else {
			m.notice = msg.name + " finished"
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "d":
		return m.run("drain", m.actions.Drain)
	case "r":
		return m.run("retry", m.actions.Retry)
	}
	return m, nil
}

func (m Model) run(name string, fn func() error) (tea.Model, tea.Cmd) {
	if fn == nil {
		return m, nil
	}
	m.notice = name + "..."
	return m, func() tea.Msg {
		return actionDoneMsg{name: name, err: fn()}
	}
}

// =============================================================================
// VIEW
// =============================================================================

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("nexus-sync"))
	b.WriteString("  ")
	if m.online {
		b.WriteString(onlineBadge.Render("ONLINE"))
	} else {
		b.WriteString(offlineBadge.Render("OFFLINE"))
	}
	if m.server != "" {
		b.WriteString(mutedStyle.Render("  " + m.fit(m.server, m.width/2)))
	}
	b.WriteString("\n")

	switch {
	case m.retrying:
		b.WriteString(m.spinner.View())
		b.WriteString(queueStyle.Render(fmt.Sprintf(" retrying... %d queued", m.queued)))
	case m.queued > 0:
		b.WriteString(queueStyle.Render(fmt.Sprintf("%d queued", m.queued)))
	default:
		b.WriteString(mutedStyle.Render("outbox empty"))
	}
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  |  %d sessions", len(m.sessions))))
	b.WriteString("\n")

	if m.lastErr != nil {
		b.WriteString(errorStyle.Render(m.fit(m.lastErr.UserMessage, m.width)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderActive())

	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render(m.fit(m.notice, m.width)))
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("d drain  r retry failed  q quit"))
	return b.String()
}

func (m Model) renderActive() string {
	if m.active == nil {
		return mutedStyle.Render("no active session") + "\n"
	}

	var b strings.Builder
	b.WriteString(activeStyle.Render(m.fit(m.active.Title, m.width)))
	b.WriteString("\n")

	msgs := m.active.Messages
	if len(msgs) > m.tailSize {
		msgs = msgs[len(msgs)-m.tailSize:]
	}
	for _, msg := range msgs {
		label := userStyle.Render("You")
		if msg.Role == model.RoleAssistant {
			label = assistantStyle.Render("AI ")
		}
		body := m.fit(util.SingleLine(msg.Content), m.width-5)
		b.WriteString(label + "  " + bodyStyle.Render(body) + "\n")
	}
	return b.String()
}

// fit truncates s to width display cells.
func (m Model) fit(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "...")
}
