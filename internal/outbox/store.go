// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/storage"
)

// RecordKey is the storage key of the outbox record.
const RecordKey = "outbox"

// =============================================================================
// STORE
// =============================================================================

// Store is the write-through outbox. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	backend storage.Backend
	entries []QueuedMessage
	nextSeq uint64

	notifyMu  sync.Mutex
	listeners []func([]QueuedMessage)

	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the outbox record from backend.
func Open(backend storage.Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   model.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the record. Unparseable data is set aside and treated as empty.
func (s *Store) load() error {
	data, err := s.backend.Get(RecordKey)
	if errors.Is(err, storage.ErrNotFound) {
		s.entries = []QueuedMessage{}
		s.nextSeq = 1
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	var entries []QueuedMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		s.quarantine(data, err)
		entries = nil
	}

	kept := make([]QueuedMessage, 0, len(entries))
	var maxSeq uint64
	recovered := 0
	for _, e := range entries {
		if e.ID == "" || e.SessionID == "" {
			continue
		}
		if e.Status == "" {
			e.Status = StatusQueued
		}
		// A crash mid-delivery leaves "sending"; the server may not have it.
		if e.Status == StatusSending {
			e.Status = StatusQueued
			recovered++
		}
		if e.Status == StatusSent {
			continue
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		kept = append(kept, e)
	}

	// Records written without seq keep their array order.
	for i := range kept {
		if kept[i].Seq == 0 {
			maxSeq++
			kept[i].Seq = maxSeq
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Seq < kept[j].Seq })

	s.entries = kept
	s.nextSeq = maxSeq + 1
	if recovered > 0 {
		s.logger.Info("requeued entries interrupted mid-delivery", zap.Int("count", recovered))
	}
	return nil
}

// quarantine keeps a copy of a corrupt record so nothing is silently lost.
func (s *Store) quarantine(data []byte, cause error) {
	key := fmt.Sprintf("%s.corrupt-%d", RecordKey, s.now().UnixNano())
	if err := s.backend.Put(key, data); err != nil {
		s.logger.Error("failed to preserve corrupt outbox", zap.Error(err))
	}
	s.logger.Warn("outbox record unreadable; starting empty",
		zap.String("preserved_as", key),
		zap.Error(cause))
}

// =============================================================================
// MUTATIONS
// =============================================================================

// EnqueueOption customizes a new entry.
type EnqueueOption func(*QueuedMessage)

// WithMessageID links the entry to a message already shown in the session.
func WithMessageID(id string) EnqueueOption {
	return func(q *QueuedMessage) { q.MessageID = id }
}

// Enqueue appends a queued entry and persists it before returning.
func (s *Store) Enqueue(sessionID, content string, opts ...EnqueueOption) (QueuedMessage, error) {
	if sessionID == "" {
		return QueuedMessage{}, ErrNoSession
	}
	if content == "" {
		return QueuedMessage{}, ErrEmptyContent
	}

	var added QueuedMessage
	err := s.mutate(func(entries []QueuedMessage) ([]QueuedMessage, error) {
		now := s.now()
		added = QueuedMessage{
			ID:        s.newID(),
			SessionID: sessionID,
			Content:   content,
			Status:    StatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
			Seq:       s.nextSeq,
		}
		for _, opt := range opts {
			opt(&added)
		}
		return append(entries, added), nil
	}, func() { s.nextSeq++ })
	if err != nil {
		return QueuedMessage{}, err
	}

	s.logger.Debug("message queued",
		zap.String("entry", added.ID),
		zap.String("session", sessionID))
	return added, nil
}

// Update describes changes applied by UpdateStatus.
type Update struct {
	// Status is the new status; empty keeps the current one
	Status Status
	// IncrementRetry adds one to RetryCount
	IncrementRetry bool
	// Err records the latest failure
	Err *errclass.ClassifiedError
	// ClearError drops any recorded failure
	ClearError bool
}

// UpdateStatus applies u to the entry and persists the result.
func (s *Store) UpdateStatus(id string, u Update) (QueuedMessage, error) {
	var updated QueuedMessage
	err := s.mutate(func(entries []QueuedMessage) ([]QueuedMessage, error) {
		i := indexOf(entries, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		e := entries[i]
		if u.Status != "" {
			if !CanTransition(e.Status, u.Status) {
				return nil, &TransitionError{ID: id, From: e.Status, To: u.Status}
			}
			e.Status = u.Status
		}
		if u.IncrementRetry {
			e.RetryCount++
		}
		if u.ClearError {
			e.LastError = ""
			e.LastErrorKind = ""
		}
		if u.Err != nil {
			e.LastError = u.Err.RawMessage
			e.LastErrorKind = u.Err.Kind.String()
		}
		e.UpdatedAt = s.now()
		entries[i] = e
		updated = e
		return entries, nil
	}, nil)
	return updated, err
}

// Claim moves a queued or failed entry to sending. Exactly one caller can
// claim an entry; the rest get ErrNotPending.
func (s *Store) Claim(id string) (QueuedMessage, error) {
	var claimed QueuedMessage
	err := s.mutate(func(entries []QueuedMessage) ([]QueuedMessage, error) {
		i := indexOf(entries, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		if !entries[i].Status.IsPending() {
			return nil, ErrNotPending
		}
		entries[i].Status = StatusSending
		entries[i].UpdatedAt = s.now()
		claimed = entries[i]
		return entries, nil
	}, nil)
	return claimed, err
}

// Remove deletes an entry. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) error {
	return s.mutate(func(entries []QueuedMessage) ([]QueuedMessage, error) {
		i := indexOf(entries, id)
		if i < 0 {
			return nil, errNoChange
		}
		return append(entries[:i], entries[i+1:]...), nil
	}, nil)
}

// RemoveSession deletes every entry of a session and reports how many were removed.
func (s *Store) RemoveSession(sessionID string) (int, error) {
	removed := 0
	err := s.mutate(func(entries []QueuedMessage) ([]QueuedMessage, error) {
		kept := entries[:0]
		for _, e := range entries {
			if e.SessionID == sessionID {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if removed == 0 {
			return nil, errNoChange
		}
		return kept, nil
	}, nil)
	return removed, err
}

// RequeueFailed moves failed entries back to queued. An empty sessionID
// covers every session. It reports how many entries moved.
func (s *Store) RequeueFailed(sessionID string) (int, error) {
	moved := 0
	err := s.mutate(func(entries []QueuedMessage) ([]QueuedMessage, error) {
		now := s.now()
		for i := range entries {
			e := &entries[i]
			if e.Status != StatusFailed || (sessionID != "" && e.SessionID != sessionID) {
				continue
			}
			e.Status = StatusQueued
			e.UpdatedAt = now
			moved++
		}
		if moved == 0 {
			return nil, errNoChange
		}
		return entries, nil
	}, nil)
	return moved, err
}

// Clear removes every entry.
func (s *Store) Clear() error {
	return s.mutate(func([]QueuedMessage) ([]QueuedMessage, error) {
		return []QueuedMessage{}, nil
	}, nil)
}

// errNoChange short-circuits a mutation that has nothing to persist.
var errNoChange = errors.New("no change")

// mutate runs fn on a copy of the entries, persists the result and only
// then swaps it in. committed runs under the lock after a successful write.
func (s *Store) mutate(fn func([]QueuedMessage) ([]QueuedMessage, error), committed func()) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	work := make([]QueuedMessage, len(s.entries))
	copy(work, s.entries)

	next, err := fn(work)
	if errors.Is(err, errNoChange) {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.entries = next
	if committed != nil {
		committed()
	}
	snapshot := cloneEntries(s.entries)
	listeners := make([]func([]QueuedMessage), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

func (s *Store) persist(entries []QueuedMessage) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode outbox: %w", err)
	}
	if err := s.backend.Put(RecordKey, data); err != nil {
		s.logger.Error("outbox write failed", zap.Error(err))
		return err
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns the entry with id.
func (s *Store) Get(id string) (QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.entries, id); i >= 0 {
		return s.entries[i], true
	}
	return QueuedMessage{}, false
}

// List returns every entry in enqueue order.
func (s *Store) List() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEntries(s.entries)
}

// ListForSession returns a session's entries in enqueue order.
func (s *Store) ListForSession(sessionID string) []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []QueuedMessage{}
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Pending returns queued and failed entries in enqueue order. An empty
// sessionID covers every session.
func (s *Store) Pending(sessionID string) []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []QueuedMessage{}
	for _, e := range s.entries {
		if e.Status.IsPending() && (sessionID == "" || e.SessionID == sessionID) {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CountForSession returns the number of entries for a session.
func (s *Store) CountForSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Subscribe registers fn to receive the full queue after every change.
// fn runs synchronously and must not mutate the store.
func (s *Store) Subscribe(fn func([]QueuedMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func indexOf(entries []QueuedMessage, id string) int {
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneEntries(entries []QueuedMessage) []QueuedMessage {
	out := make([]QueuedMessage, len(entries))
	copy(out, entries)
	return out
}
