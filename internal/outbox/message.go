// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package outbox

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the delivery state of a queued message.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// IsPending reports whether a drain should pick the entry up.
func (s Status) IsPending() bool {
	return s == StatusQueued || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusQueued:  {StatusSending, StatusFailed},
	StatusSending: {StatusSent, StatusFailed, StatusQueued},
	StatusFailed:  {StatusQueued, StatusSending},
	StatusSent:    {},
}

// CanTransition reports whether from -> to is a legal move. Staying put is always legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// QUEUED MESSAGE
// =============================================================================

// QueuedMessage is one outbox entry.
type QueuedMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// MessageID links the entry to the optimistic user message in the session
	MessageID  string    `json:"message_id,omitempty"`
	Content    string    `json:"content"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`

	LastError     string `json:"last_error,omitempty"`
	LastErrorKind string `json:"last_error_kind,omitempty"`

	// Seq is the enqueue position; it never changes
	Seq uint64 `json:"seq"`
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when no entry has the given id.
	ErrNotFound = errors.New("outbox entry not found")

	// ErrEmptyContent is returned when enqueueing an empty message.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrNoSession is returned when enqueueing without a session id.
	ErrNoSession = errors.New("session id is required")

	// ErrNotPending is returned by Claim for entries already being delivered.
	ErrNotPending = errors.New("outbox entry is not pending")
)

// TransitionError reports an illegal status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("outbox entry %s cannot move from %s to %s", e.ID, e.From, e.To)
}
