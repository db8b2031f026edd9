// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
)

// MaxLineSize is the largest event stream line accepted (64KB).
const MaxLineSize = 64 * 1024

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 4096)}
}

// ReadEvent returns the next event's type and data. Multi-line data is
// joined with newlines. It returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.readLine()
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		// Blank line terminates the event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			eventType = ""
			continue
		}

		switch {
		case line[0] == ':':
			// comment / keep-alive
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := line[len("data:"):]
			data = bytes.TrimPrefix(data, []byte(" "))
			dataLines = append(dataLines, append([]byte(nil), data...))
		}
		// id: and retry: are ignored
	}
}

// readLine reads one line without its terminator, enforcing MaxLineSize.
func (s *SSEReader) readLine() ([]byte, error) {
	var line []byte
	for {
		frag, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		line = append(line, frag...)
		if len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// =============================================================================
// EVENT DECODING
// =============================================================================

// eventPayload is the JSON carried in each data field.
type eventPayload struct {
	Type      string       `json:"type"`
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	Role      string       `json:"role"`
	SessionID string       `json:"session_id"`
	IsChunk   bool         `json:"is_chunk"`
	Timestamp flexTime     `json:"timestamp"`
	Session   *wireSession `json:"session,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// DecodeEvent turns one SSE event into an Event. It returns ok=false for
// events the client ignores: keep-alives, unknown types and unknown roles.
func DecodeEvent(eventType string, data []byte) (Event, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return nil, false, nil
	}

	var p eventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("malformed event payload: %w", err)
	}
	if p.Type == "" {
		p.Type = eventType
	}

	switch strings.ToLower(p.Type) {
	case "session.created", "session_created":
		if p.Session == nil || p.Session.ID == "" {
			return nil, false, fmt.Errorf("session.created event without a session")
		}
		return SessionCreated{Session: p.Session.toModel()}, true, nil

	case "error":
		msg := p.Error
		if msg == "" {
			msg = p.Content
		}
		return ErrorEvent{Message: msg}, true, nil

	case "", "message", "message.updated", "message.part":
		return decodeMessage(p)

	default:
		return nil, false, nil
	}
}

func decodeMessage(p eventPayload) (Event, bool, error) {
	role, ok := model.ParseRole(p.Role)
	if !ok {
		return nil, false, nil
	}
	if p.IsChunk {
		if role != model.RoleAssistant {
			return nil, false, nil
		}
		return MessageChunk{SessionID: p.SessionID, MessageID: p.ID, Chunk: p.Content}, true, nil
	}
	// Missing id and timestamp stay zero; the reconciler fills them in.
	msg := model.Message{
		ID:        p.ID,
		Role:      role,
		Content:   p.Content,
		Timestamp: time.Time(p.Timestamp),
	}
	return MessageReceived{SessionID: p.SessionID, Message: msg}, true, nil
}
