// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"time"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// DefaultTitle is used until the first user message provides one.
const DefaultTitle = "New Chat Session"

// TitleMaxRunes bounds generated titles.
const TitleMaxRunes = 50

// ErrDuplicateMessage is returned by Append when the message ID is already present.
var ErrDuplicateMessage = errors.New("message already present in session")

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session is a conversation with its ordered message history.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// NewSession creates an empty session. An empty title becomes DefaultTitle.
func NewSession(id, title string) *Session {
	if title == "" {
		title = DefaultTitle
	}
	return &Session{
		ID:        id,
		Title:     title,
		CreatedAt: time.Now(),
		Messages:  []Message{},
	}
}

// Append adds msg to the end of the history.
func (s *Session) Append(msg Message) error {
	if msg.ID != "" && s.IndexOf(msg.ID) >= 0 {
		return ErrDuplicateMessage
	}
	s.Messages = append(s.Messages, msg)
	if msg.Role == RoleUser && s.Title == DefaultTitle {
		s.Title = GenerateTitle(msg.Content)
	}
	return nil
}

// Last returns a pointer to the final message, or nil for an empty session.
// The pointer is only valid until the next Append.
func (s *Session) Last() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// IndexOf returns the position of the message with id, or -1.
func (s *Session) IndexOf(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand to observers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	return &c
}

// GenerateTitle derives a one-line title from message content.
func GenerateTitle(content string) string {
	line := util.SingleLine(content)
	if line == "" {
		return DefaultTitle
	}
	return util.TruncateRunes(line, TitleMaxRunes)
}

// =============================================================================
// STATISTICS
// =============================================================================

// Stats summarizes a session for listings.
type Stats struct {
	MessageCount      int
	UserMessages      int
	AssistantMessages int
	LastActivity      time.Time
}

// Stats computes message counts and the time of the latest message.
func (s *Session) Stats() Stats {
	st := Stats{MessageCount: len(s.Messages), LastActivity: s.CreatedAt}
	for _, m := range s.Messages {
		switch m.Role {
		case RoleUser:
			st.UserMessages++
		case RoleAssistant:
			st.AssistantMessages++
		}
		if m.Timestamp.After(st.LastActivity) {
			st.LastActivity = m.Timestamp
		}
	}
	return st
}
