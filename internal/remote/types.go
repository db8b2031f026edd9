// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
)

// API is the remote chat server as the sync engine sees it.
type API interface {
	CreateSession(ctx context.Context, title string) (*model.Session, error)
	ListSessions(ctx context.Context) ([]*model.Session, error)
	SendPrompt(ctx context.Context, sessionID, text string) error
	GetSessionMessages(ctx context.Context, sessionID string) ([]model.Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
	// Events streams server events until ctx ends or the connection drops,
	// then closes the channel.
	Events(ctx context.Context) (<-chan Event, error)
	Ping(ctx context.Context) error
}

// =============================================================================
// EVENTS
// =============================================================================

// Event is one server event. The set of implementations is closed.
type Event interface {
	eventTag()
}

// SessionCreated reports a new session.
type SessionCreated struct {
	Session *model.Session
}

// MessageReceived carries a complete message.
type MessageReceived struct {
	SessionID string
	Message   model.Message
}

// MessageChunk carries one fragment of an assistant answer.
type MessageChunk struct {
	SessionID string
	MessageID string
	Chunk     string
}

// ErrorEvent reports a server-side failure.
type ErrorEvent struct {
	Message string
}

func (SessionCreated) eventTag()  {}
func (MessageReceived) eventTag() {}
func (MessageChunk) eventTag()    {}
func (ErrorEvent) eventTag()      {}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidURL is returned for server URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("server URL must be an absolute http or https URL")

	// ErrLineTooLong is returned when an event stream line exceeds MaxLineSize.
	ErrLineTooLong = errors.New("event stream line too long")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

// StatusCode returns the HTTP status. The classifier maps it to an error kind.
func (e *APIError) StatusCode() int {
	return e.Status
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("server returned HTTP %d: %s", e.Status, e.Message)
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// flexTime accepts RFC 3339 strings and unix seconds, integer or fractional.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		*t = flexTime(parsed)
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	whole := int64(secs)
	*t = flexTime(time.Unix(whole, int64((secs-float64(whole))*1e9)))
	return nil
}

func (t flexTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t))
}

type wireSession struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	CreatedAt flexTime      `json:"created_at"`
	Messages  []wireMessage `json:"messages,omitempty"`
}

func (w wireSession) toModel() *model.Session {
	s := model.NewSession(w.ID, w.Title)
	if created := time.Time(w.CreatedAt); !created.IsZero() {
		s.CreatedAt = created
	}
	for _, m := range w.Messages {
		if msg, ok := m.toModel(); ok {
			_ = s.Append(msg)
		}
	}
	return s
}

type wireMessage struct {
	ID        string   `json:"id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Timestamp flexTime `json:"timestamp"`
}

// toModel reports false for roles the client does not display.
func (w wireMessage) toModel() (model.Message, bool) {
	role, ok := model.ParseRole(w.Role)
	if !ok {
		return model.Message{}, false
	}
	msg := model.Message{
		ID:        w.ID,
		Role:      role,
		Content:   w.Content,
		Timestamp: time.Time(w.Timestamp),
	}
	if msg.ID == "" {
		msg.ID = model.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg, true
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptRequest struct {
	Parts []textPart `json:"parts"`
}

type createSessionRequest struct {
	Title string `json:"title,omitempty"`
}
