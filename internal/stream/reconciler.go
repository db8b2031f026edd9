// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream merges streamed response fragments into session message
// lists so that one response is always one assistant message.
//
// A session may have several responses streaming at once when queued prompts
// are delivered back to back. Fragments that carry a server message id go to
// the message streaming under that id; fragments without one extend the
// newest stream while it is still the last message. A terminal message or an
// explicit completion ends a stream. Matching is by id, never by role: a
// previous assistant reply must not absorb the next answer's text.
//
// The server echoes every user prompt it accepts. Prompts registered with
// ExpectEcho are matched to their echoes in send order and take the server's
// id instead of appearing twice.
package stream

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
)

// DefaultChunkTimeout is how long a stream may go quiet before ExpireStale drops it.
const DefaultChunkTimeout = 60 * time.Second

// Chunk is one incremental fragment of an assistant response.
type Chunk struct {
	SessionID string
	// MessageID is the server's id for the response, when it sends one
	MessageID string
	Text      string
}

// Outcome describes what ApplyMessage did.
type Outcome int

const (
	// Appended means the message was added to the session.
	Appended Outcome = iota
	// Finalized means the streaming message was completed in place.
	Finalized
	// Duplicate means the session already had the message.
	Duplicate
	// Confirmed means a user echo matched a local prompt, which took the
	// server's id.
	Confirmed
)

// String returns the outcome name for logs.
func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Finalized:
		return "finalized"
	case Duplicate:
		return "duplicate"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// MaxPendingEchoes bounds the prompts remembered per session while waiting
// for the server to echo them. The oldest are forgotten first.
const MaxPendingEchoes = 256

type streamState struct {
	// serverID is the id fragments arrive under; empty when the server sent none
	serverID  string
	messageID string
	lastChunk time.Time
}

// Reconciler tracks streaming state per session. It is safe for concurrent
// use, but callers must serialize access to each *model.Session themselves.
type Reconciler struct {
	mu sync.Mutex
	// streams holds each session's active streams, oldest first
	streams map[string][]streamState
	// echoes holds local user message ids awaiting their server echo, in send order
	echoes map[string][]string

	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithChunkTimeout sets how long a silent stream survives ExpireStale.
func WithChunkTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = logging.OrNop(l) }
}

// NewReconciler creates a Reconciler with no active streams.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{
		streams: make(map[string][]streamState),
		echoes:  make(map[string][]string),
		timeout: DefaultChunkTimeout,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// FRAGMENTS
// =============================================================================

// ApplyChunk merges c into sess. It returns the message that received the
// text and whether that message was created by this call.
func (r *Reconciler) ApplyChunk(sess *model.Session, c Chunk) (*model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	states := r.streams[sess.ID]

	if c.MessageID != "" {
		if i := findServerID(states, c.MessageID); i >= 0 {
			if idx := sess.IndexOf(states[i].messageID); idx >= 0 {
				sess.Messages[idx].Content += c.Text
				states[i].lastChunk = now
				return &sess.Messages[idx], false
			}
			// The message was removed while streaming.
			states = removeState(states, i)
		}
	} else if n := len(states); n > 0 {
		st := states[n-1]
		if last := sess.Last(); last != nil && last.ID == st.messageID {
			last.Content += c.Text
			states[n-1].lastChunk = now
			return last, false
		}
		// Something was appended after the newest stream; an anonymous
		// fragment can no longer be attributed to it.
		r.logger.Debug("dropping stale streaming id",
			zap.String("session", sess.ID),
			zap.String("message", st.messageID))
		states = states[:n-1]
	}

	id := c.MessageID
	if id == "" || sess.IndexOf(id) >= 0 {
		id = model.NewID()
	}
	msg := model.Message{
		ID:        id,
		Role:      model.RoleAssistant,
		Content:   c.Text,
		Timestamp: now,
	}
	// id is unique by construction, so Append cannot fail here.
	_ = sess.Append(msg)
	r.streams[sess.ID] = append(states, streamState{serverID: c.MessageID, messageID: id, lastChunk: now})
	return sess.Last(), true
}

func findServerID(states []streamState, serverID string) int {
	for i, st := range states {
		if st.serverID == serverID {
			return i
		}
	}
	return -1
}

func removeState(states []streamState, i int) []streamState {
	return append(states[:i:i], states[i+1:]...)
}

// =============================================================================
// TERMINAL MESSAGES
// =============================================================================

// ApplyMessage merges a complete message into sess.
//
// An assistant message finalizes the stream running under its id or, when
// no stream has that id, the newest stream if it is still the last message.
// The accumulated text is replaced when the full content extends it,
// otherwise the remainder is appended. The message then takes the server's
// id and the stream ends.
//
// A user message that echoes an expected prompt confirms it instead of being
// added again.
func (r *Reconciler) ApplyMessage(sess *model.Session, msg model.Message) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}

	if msg.Role == model.RoleUser {
		if msg.ID != "" && sess.IndexOf(msg.ID) >= 0 {
			return Duplicate
		}
		if r.confirmEcho(sess, msg) {
			return Confirmed
		}
		if msg.ID == "" {
			msg.ID = model.NewID()
		}
		_ = sess.Append(msg)
		return Appended
	}

	if i := r.streamFor(sess, msg); i >= 0 {
		states := r.streams[sess.ID]
		st := states[i]
		r.setStreams(sess.ID, removeState(states, i))
		if idx := sess.IndexOf(st.messageID); idx >= 0 {
			target := &sess.Messages[idx]
			if strings.HasPrefix(msg.Content, target.Content) {
				target.Content = msg.Content
			} else {
				target.Content += msg.Content
			}
			if msg.ID != "" && (msg.ID == target.ID || sess.IndexOf(msg.ID) < 0) {
				target.ID = msg.ID
			}
			return Finalized
		}
	}

	if msg.ID == "" {
		msg.ID = model.NewID()
	}
	if err := sess.Append(msg); err != nil {
		return Duplicate
	}
	return Appended
}

// streamFor picks the stream a terminal assistant message completes, or -1.
func (r *Reconciler) streamFor(sess *model.Session, msg model.Message) int {
	states := r.streams[sess.ID]
	if len(states) == 0 {
		return -1
	}
	if msg.ID != "" {
		if i := findServerID(states, msg.ID); i >= 0 {
			return i
		}
		if sess.IndexOf(msg.ID) >= 0 {
			// Redelivery of a message that is already complete.
			return -1
		}
	}
	n := len(states) - 1
	if last := sess.Last(); last != nil && last.ID == states[n].messageID {
		return n
	}
	return -1
}

func (r *Reconciler) setStreams(sessionID string, states []streamState) {
	if len(states) == 0 {
		delete(r.streams, sessionID)
		return
	}
	r.streams[sessionID] = states
}

// =============================================================================
// ECHOES
// =============================================================================

// ExpectEcho registers a locally created user message whose echo the server
// will send once the prompt is delivered.
func (r *Reconciler) ExpectEcho(sessionID, messageID string) {
	if sessionID == "" || messageID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := append(r.echoes[sessionID], messageID)
	if len(pending) > MaxPendingEchoes {
		pending = pending[len(pending)-MaxPendingEchoes:]
	}
	r.echoes[sessionID] = pending
}

// PendingEchoes returns the number of prompts in sessionID still awaiting an echo.
func (r *Reconciler) PendingEchoes(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.echoes[sessionID])
}

// confirmEcho matches msg against the oldest expected prompt with the same
// content and gives that prompt the server's id. Prompts that have left the
// session are forgotten on the way.
func (r *Reconciler) confirmEcho(sess *model.Session, msg model.Message) bool {
	pending := r.echoes[sess.ID]
	kept := pending[:0]
	matched := false
	for _, id := range pending {
		idx := sess.IndexOf(id)
		if idx < 0 {
			continue
		}
		local := &sess.Messages[idx]
		if !matched && local.Role == model.RoleUser && local.Content == msg.Content {
			matched = true
			if msg.ID != "" {
				local.ID = msg.ID
			}
			continue
		}
		kept = append(kept, id)
	}
	if len(kept) == 0 {
		delete(r.echoes, sess.ID)
	} else {
		r.echoes[sess.ID] = kept
	}
	return matched
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Complete ends the active stream for sessionID. The next fragment starts a
// new message.
func (r *Reconciler) Complete(sessionID string) {
	r.mu.Lock()
	delete(r.streams, sessionID)
	r.mu.Unlock()
}

// Abort ends the active stream, keeping whatever text already arrived.
func (r *Reconciler) Abort(sessionID string) {
	r.Complete(sessionID)
}

// AbortAll ends every active stream and returns the affected session ids.
func (r *Reconciler) AbortAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.streams = make(map[string][]streamState)
	return ids
}

// SwitchSession clears the streaming id of the session being left. It runs
// synchronously so no fragment can observe the old id afterwards.
func (r *Reconciler) SwitchSession(previous string) {
	if previous == "" {
		return
	}
	r.Complete(previous)
}

// Active returns the id of the newest streaming message in sessionID.
func (r *Reconciler) Active(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := r.streams[sessionID]
	if len(states) == 0 {
		return "", false
	}
	return states[len(states)-1].messageID, true
}

// IsStreaming reports whether sessionID has an active stream.
func (r *Reconciler) IsStreaming(sessionID string) bool {
	_, ok := r.Active(sessionID)
	return ok
}

// ExpireStale ends streams whose last fragment is older than the chunk
// timeout and returns the ids of the sessions that lost one.
func (r *Reconciler) ExpireStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, states := range r.streams {
		live := states[:0]
		for _, st := range states {
			if now.Sub(st.lastChunk) < r.timeout {
				live = append(live, st)
			}
		}
		if len(live) < len(states) {
			expired = append(expired, id)
		}
		r.setStreams(id, live)
	}
	if len(expired) > 0 {
		r.logger.Warn("streams timed out", zap.Strings("sessions", expired))
	}
	return expired
}
