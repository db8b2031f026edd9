// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package statusview

import (
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/observe"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/session"
)

func testViews() *session.Views {
	return &session.Views{
		Sessions:           observe.NewValue[[]*model.Session](nil),
		ActiveSession:      observe.NewValue[*model.Session](nil),
		IsOnline:           observe.NewValue(true),
		HasQueuedMessages:  observe.NewValue(false),
		QueuedMessageCount: observe.NewValue(0),
		LastError:          observe.NewValue[*errclass.ClassifiedError](nil),
		Retrying:           observe.NewValue(false),
	}
}

func apply(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

// =============================================================================
// VIEW TESTS
// =============================================================================

func TestView_ReflectsState(t *testing.T) {
	s := model.NewSession("s1", "Trip planning")
	_ = s.Append(model.NewUserMessage("Where should we go?"))
	_ = s.Append(model.NewMessage(model.RoleAssistant, "Somewhere\nwarm"))

	m := apply(New("http://127.0.0.1:4096", Actions{}),
		OnlineMsg(false),
		QueueMsg(3),
		ErrorMsg{Err: errclass.New(errclass.Offline, "offline")},
		SessionsMsg{s},
		ActiveMsg{Session: s},
	)
	out := m.View()

	for _, want := range []string{"OFFLINE", "3 queued", "1 sessions", "Trip planning", "Where should we go?", "Somewhere warm", "You are offline"} {
		if !strings.Contains(out, want) {
			t.Errorf("View() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "ONLINE") {
		t.Error("View() should not show ONLINE while offline")
	}
}

func TestView_RetryingAndCleared(t *testing.T) {
	m := apply(New("", Actions{}), QueueMsg(1), RetryingMsg(true))
	if !strings.Contains(m.View(), "retrying") {
		t.Errorf("View() should show retry progress:\n%s", m.View())
	}

	m = apply(m, RetryingMsg(false), QueueMsg(0), ErrorMsg{})
	out := m.View()
	if strings.Contains(out, "retrying") || !strings.Contains(out, "outbox empty") {
		t.Errorf("View() after clear:\n%s", out)
	}
	if !strings.Contains(out, "no active session") {
		t.Error("View() should say when no session is active")
	}
}

func TestView_TailOnly(t *testing.T) {
	s := model.NewSession("s1", "")
	for i := 0; i < DefaultTail+2; i++ {
		_ = s.Append(model.NewUserMessage(strings.Repeat("x", i+1) + "|"))
	}
	out := apply(New("", Actions{}), ActiveMsg{Session: s}).View()
	if strings.Contains(out, "\n"+"You  x|") {
		t.Error("oldest messages should be dropped from the tail")
	}
}

func TestFit_WideCharacters(t *testing.T) {
	m := New("", Actions{})
	got := m.fit("日本語のテキストです", 9)
	if w := runewidth.StringWidth(got); w > 9 {
		t.Errorf("fit width = %d, want <= 9 (%q)", w, got)
	}
	if m.fit("anything", 0) != "" {
		t.Error("fit with no room should be empty")
	}
}

// =============================================================================
// KEY TESTS
// =============================================================================

func TestKeys_Quit(t *testing.T) {
	_, cmd := New("", Actions{}).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestKeys_RunActions(t *testing.T) {
	drained := 0
	m := New("", Actions{
		Drain: func() error { drained++; return nil },
		Retry: func() error { return errors.New("server said no") },
	})

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	m = next.(Model)
	if !strings.Contains(m.View(), "drain...") {
		t.Error("pending action should be shown")
	}
	m = apply(m, cmd())
	if drained != 1 || !strings.Contains(m.View(), "drain finished") {
		t.Errorf("drain not reported, drained=%d:\n%s", drained, m.View())
	}

	next, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m = apply(next.(Model), cmd())
	if !strings.Contains(m.View(), "retry failed: server said no") {
		t.Errorf("retry failure not reported:\n%s", m.View())
	}
}

func TestKeys_DisabledAction(t *testing.T) {
	_, cmd := New("", Actions{}).Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	if cmd != nil {
		t.Error("a nil action should do nothing")
	}
}

// =============================================================================
// BRIDGE TESTS
// =============================================================================

type recorder struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recorder) Send(msg tea.Msg) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func TestBridge_ForwardsChanges(t *testing.T) {
	v := testViews()
	v.QueuedMessageCount.Set(2)

	m := New("", Actions{}).WithViews(v)
	if m.queued != 2 || !m.online {
		t.Fatalf("WithViews did not seed state: queued=%d online=%v", m.queued, m.online)
	}

	rec := &recorder{}
	unsub := Bridge(rec, v)
	v.IsOnline.Set(false)
	v.QueuedMessageCount.Set(5)
	unsub()
	v.Retrying.Set(true)

	if len(rec.msgs) != 2 {
		t.Fatalf("forwarded %d messages, want 2: %#v", len(rec.msgs), rec.msgs)
	}
	m = apply(m, rec.msgs...)
	if m.online || m.queued != 5 || m.retrying {
		t.Errorf("state after bridge: online=%v queued=%d retrying=%v", m.online, m.queued, m.retrying)
	}
}
