// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// backends runs a test against every backend implementation.
func backends(t *testing.T) map[string]Backend {
	t.Helper()

	fb, err := NewFileBackend(filepath.Join(t.TempDir(), "records"))
	require.NoError(t, err)

	sb, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "nexus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })

	return map[string]Backend{BackendFile: fb, BackendSQLite: sb}
}

// =============================================================================
// BACKEND TESTS
// =============================================================================

func TestBackend_PutGetDelete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get("outbox")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Put("outbox", []byte(`{"entries":[]}`)))
			require.NoError(t, b.Put("outbox", []byte(`{"entries":[1]}`)))

			data, err := b.Get("outbox")
			require.NoError(t, err)
			assert.Equal(t, `{"entries":[1]}`, string(data))

			require.NoError(t, b.Delete("outbox"))
			require.NoError(t, b.Delete("outbox"), "deleting a missing key is not an error")
			_, err = b.Get("outbox")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_KeysByPrefix(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(SessionKey("b"), []byte("{}")))
			require.NoError(t, b.Put(SessionKey("a"), []byte("{}")))
			require.NoError(t, b.Put("outbox", []byte("{}")))
			require.NoError(t, b.Put("Session:upper", []byte("{}")))
			require.NoError(t, b.Put("session_x", []byte("{}")))

			keys, err := b.Keys(SessionKeyPrefix)
			require.NoError(t, err)
			assert.Equal(t, []string{"session:a", "session:b"}, keys)
		})
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	fb, err := Open("file", dir)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, fb)

	sb, err := Open("sqlite", dir)
	require.NoError(t, err)
	defer sb.Close()
	assert.IsType(t, &SQLiteBackend{}, sb)

	_, err = Open("redis", dir)
	assert.Error(t, err)
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexus.db")

	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	require.NoError(t, b.Put("outbox", []byte("queued")))
	require.NoError(t, b.Close())

	b, err = NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b.Close()
	data, err := b.Get("outbox")
	require.NoError(t, err)
	assert.Equal(t, "queued", string(data))
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestIsQuotaExceeded(t *testing.T) {
	enospc := &os.PathError{Op: "write", Path: "/tmp/x", Err: syscall.ENOSPC}
	assert.True(t, IsQuotaExceeded(enospc))
	assert.True(t, IsQuotaExceeded(errors.New("database or disk is full (13)")))
	assert.True(t, IsQuotaExceeded(fmt.Errorf("exec: %w", errors.New("SQLITE_FULL"))))
	assert.False(t, IsQuotaExceeded(errors.New("permission denied")))
	assert.False(t, IsQuotaExceeded(nil))
}

func TestIsQuotaExceeded_AtomicWriteQuota(t *testing.T) {
	err := &util.WriteError{Path: "/tmp/x", Step: "sync", Err: syscall.EDQUOT}
	assert.True(t, IsQuotaExceeded(err))

	var qe *QuotaError
	require.True(t, errors.As(wrapWrite("sessions", err), &qe))
	assert.Equal(t, "sessions", qe.Key)
}

func TestWrapWrite_QuotaClassifiesAsStorage(t *testing.T) {
	err := wrapWrite("outbox", &os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC})

	var qe *QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "outbox", qe.Key)

	ce := errclass.Classify(err)
	assert.Equal(t, errclass.StorageQuota, ce.Kind)
	assert.False(t, ce.Retryable)

	other := wrapWrite("outbox", errors.New("read-only file system"))
	assert.False(t, errors.As(other, &qe))
}

func TestIsBusy(t *testing.T) {
	assert.True(t, IsBusy(errors.New("SQLITE_BUSY: database is busy")))
	assert.True(t, IsBusy(errors.New("database is locked")))
	assert.False(t, IsBusy(errors.New("no such table")))
}

// =============================================================================
// SESSION STORE TESTS
// =============================================================================

func TestSessionStore_SaveLoadAll(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := NewSessionStore(b, nil)

			older := model.NewSession("s-old", "Older")
			older.CreatedAt = time.Now().Add(-time.Hour)
			newer := model.NewSession("s-new", "")
			require.NoError(t, newer.Append(model.NewUserMessage("Hello there")))

			require.NoError(t, store.Save(newer))
			require.NoError(t, store.Save(older))

			all, err := store.LoadAll()
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "s-old", all[0].ID)
			assert.Equal(t, "s-new", all[1].ID)
			assert.Equal(t, "Hello there", all[1].Title)
			require.Len(t, all[1].Messages, 1)

			loaded, err := store.Load("s-old")
			require.NoError(t, err)
			assert.Equal(t, "Older", loaded.Title)
			assert.NotNil(t, loaded.Messages)

			require.NoError(t, store.Delete("s-old"))
			_, err = store.Load("s-old")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSessionStore_CorruptAndPartialRecords(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store := NewSessionStore(b, nil)

	require.NoError(t, b.Put(SessionKey("broken"), []byte("{not json")))
	require.NoError(t, b.Put(SessionKey("sparse"), []byte(`{"title":"","extra_field":42}`)))

	all, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "sparse", all[0].ID)
	assert.Equal(t, model.DefaultTitle, all[0].Title)
	assert.Empty(t, all[0].Messages)

	_, err = store.Load("broken")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStore_SaveRequiresID(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, NewSessionStore(b, nil).Save(&model.Session{}))
}
