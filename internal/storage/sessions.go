// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
)

// SessionKeyPrefix prefixes every session record key.
const SessionKeyPrefix = "session:"

// SessionKey returns the record key for a session.
func SessionKey(id string) string {
	return SessionKeyPrefix + id
}

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore persists sessions, one record each.
type SessionStore struct {
	backend Backend
	logger  *zap.Logger
}

// NewSessionStore wraps a backend.
func NewSessionStore(backend Backend, logger *zap.Logger) *SessionStore {
	return &SessionStore{backend: backend, logger: logging.OrNop(logger)}
}

// Save writes the session record.
func (s *SessionStore) Save(sess *model.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session has no id")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	return s.backend.Put(SessionKey(sess.ID), data)
}

// Load reads one session. A corrupt record reports ErrNotFound.
func (s *SessionStore) Load(id string) (*model.Session, error) {
	data, err := s.backend.Get(SessionKey(id))
	if err != nil {
		return nil, err
	}
	sess, ok := s.decode(id, data)
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// LoadAll returns every readable session, oldest first. Corrupt records are
// skipped and logged.
func (s *SessionStore) LoadAll() ([]*model.Session, error) {
	keys, err := s.backend.Keys(SessionKeyPrefix)
	if err != nil {
		return nil, err
	}

	sessions := make([]*model.Session, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, SessionKeyPrefix)
		data, err := s.backend.Get(key)
		if err != nil {
			s.logger.Warn("skipping unreadable session record", zap.String("session", id), zap.Error(err))
			continue
		}
		if sess, ok := s.decode(id, data); ok {
			sessions = append(sessions, sess)
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Delete removes a session record.
func (s *SessionStore) Delete(id string) error {
	return s.backend.Delete(SessionKey(id))
}

// decode parses a record, defaulting missing fields.
func (s *SessionStore) decode(id string, data []byte) (*model.Session, bool) {
	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("ignoring corrupt session record", zap.String("session", id), zap.Error(err))
		return nil, false
	}
	if sess.ID == "" {
		sess.ID = id
	}
	if sess.Title == "" {
		sess.Title = model.DefaultTitle
	}
	if sess.Messages == nil {
		sess.Messages = []model.Message{}
	}
	return &sess, true
}
