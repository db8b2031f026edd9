// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package outbox

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/storage"
)

// flakyBackend wraps a real backend and fails writes on demand.
type flakyBackend struct {
	storage.Backend
	mu      sync.Mutex
	failPut error
}

func (b *flakyBackend) Put(key string, data []byte) error {
	b.mu.Lock()
	err := b.failPut
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Backend.Put(key, data)
}

func (b *flakyBackend) setFail(err error) {
	b.mu.Lock()
	b.failPut = err
	b.mu.Unlock()
}

func newBackend(t *testing.T) (*flakyBackend, string) {
	t.Helper()
	dir := t.TempDir()
	fb, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	return &flakyBackend{Backend: fb}, dir
}

func reopen(t *testing.T, dir string) *Store {
	t.Helper()
	fb, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	s, err := Open(fb)
	require.NoError(t, err)
	return s
}

// =============================================================================
// ENQUEUE / ORDER
// =============================================================================

func TestEnqueue_PersistsBeforeReturning(t *testing.T) {
	b, dir := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)

	q, err := s.Enqueue("s1", "Hello", WithMessageID("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, q.Status)
	assert.Equal(t, 0, q.RetryCount)
	assert.Equal(t, "m1", q.MessageID)
	assert.NotEmpty(t, q.ID)

	again := reopen(t, dir)
	got, ok := again.Get(q.ID)
	require.True(t, ok)
	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, "s1", got.SessionID)
}

func TestEnqueue_Validation(t *testing.T) {
	b, _ := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)

	_, err = s.Enqueue("", "x")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = s.Enqueue("s1", "")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Zero(t, s.Count())
}

func TestList_PreservesEnqueueOrderAcrossReopen(t *testing.T) {
	b, dir := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Enqueue(fmt.Sprintf("s%d", i%2), fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	contents := func(list []QueuedMessage) []string {
		out := make([]string, len(list))
		for i, q := range list {
			out[i] = q.Content
		}
		return out
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, contents(s.List()))
	assert.Equal(t, []string{"m0", "m2", "m4"}, contents(s.ListForSession("s0")))

	again := reopen(t, dir)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, contents(again.List()))

	// New entries land after the reloaded ones.
	_, err = again.Enqueue("s1", "m5")
	require.NoError(t, err)
	assert.Equal(t, "m5", again.List()[5].Content)
}

// =============================================================================
// WRITE-THROUGH FAILURES
// =============================================================================

func TestMutations_FailedWriteLeavesQueueUnchanged(t *testing.T) {
	b, dir := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)

	q, err := s.Enqueue("s1", "kept")
	require.NoError(t, err)

	b.setFail(&storage.QuotaError{Key: RecordKey, Err: syscall.ENOSPC})

	_, err = s.Enqueue("s1", "lost")
	require.Error(t, err)
	assert.True(t, storage.IsQuotaExceeded(err))
	assert.Equal(t, errclass.StorageQuota, errclass.KindOf(err))

	_, err = s.UpdateStatus(q.ID, Update{Status: StatusSending})
	require.Error(t, err)
	require.Error(t, s.Remove(q.ID))

	assert.Equal(t, 1, s.Count())
	got, _ := s.Get(q.ID)
	assert.Equal(t, StatusQueued, got.Status)

	b.setFail(nil)
	assert.Len(t, reopen(t, dir).List(), 1)
}

// =============================================================================
// STATUS UPDATES
// =============================================================================

func TestUpdateStatus_RecordsFailure(t *testing.T) {
	b, _ := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)
	q, err := s.Enqueue("s1", "hi")
	require.NoError(t, err)

	_, err = s.UpdateStatus(q.ID, Update{Status: StatusSending})
	require.NoError(t, err)

	cerr := errclass.New(errclass.ServerError, "500 internal server error")
	got, err := s.UpdateStatus(q.ID, Update{Status: StatusFailed, IncrementRetry: true, Err: cerr})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "500 internal server error", got.LastError)
	assert.Equal(t, "ServerError", got.LastErrorKind)

	got, err = s.UpdateStatus(q.ID, Update{Status: StatusQueued, ClearError: true})
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 1, got.RetryCount)
}

func TestUpdateStatus_RejectsIllegalTransitions(t *testing.T) {
	b, _ := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)
	q, err := s.Enqueue("s1", "hi")
	require.NoError(t, err)

	_, err = s.UpdateStatus(q.ID, Update{Status: StatusSent})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusQueued, te.From)

	_, err = s.UpdateStatus("missing", Update{Status: StatusSending})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusQueued, StatusSending))
	assert.True(t, CanTransition(StatusSending, StatusQueued))
	assert.True(t, CanTransition(StatusFailed, StatusQueued))
	assert.True(t, CanTransition(StatusSent, StatusSent))
	assert.False(t, CanTransition(StatusSent, StatusQueued))
	assert.False(t, CanTransition(StatusQueued, StatusSent))
}

func TestClaim_OnlyOnce(t *testing.T) {
	b, _ := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)
	q, err := s.Enqueue("s1", "hi")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Claim(q.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrNotPending)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, _ := s.Get(q.ID)
	assert.Equal(t, StatusSending, got.Status)

	_, err = s.Claim("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// REMOVAL
// =============================================================================

func TestRemove_MissingIsNoop(t *testing.T) {
	b, _ := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)
	q, err := s.Enqueue("s1", "hi")
	require.NoError(t, err)

	assert.NoError(t, s.Remove("nope"))
	assert.Equal(t, 1, s.Count())
	assert.NoError(t, s.Remove(q.ID))
	assert.Zero(t, s.Count())
	assert.NoError(t, s.Remove(q.ID))
}

func TestRemoveSessionAndClear(t *testing.T) {
	b, dir := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)
	for _, sid := range []string{"a", "b", "a", "c"} {
		_, err := s.Enqueue(sid, "x")
		require.NoError(t, err)
	}

	n, err := s.RemoveSession("a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, s.CountForSession("a"))
	assert.Equal(t, 2, s.Count())

	require.NoError(t, s.Clear())
	assert.Zero(t, reopen(t, dir).Count())
}

func TestRequeueFailed(t *testing.T) {
	b, _ := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)

	fail := func(sid string) QueuedMessage {
		q, err := s.Enqueue(sid, "x")
		require.NoError(t, err)
		q, err = s.UpdateStatus(q.ID, Update{Status: StatusFailed})
		require.NoError(t, err)
		return q
	}
	a := fail("a")
	fail("b")

	n, err := s.RequeueFailed("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := s.Get(a.ID)
	assert.Equal(t, StatusQueued, got.Status)

	n, err = s.RequeueFailed("")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s.Pending(""), 2)
}

// =============================================================================
// LOADING
// =============================================================================

func TestOpen_CorruptRecordStartsEmptyAndIsPreserved(t *testing.T) {
	b, _ := newBackend(t)
	require.NoError(t, b.Put(RecordKey, []byte("{not json")))

	s, err := Open(b, WithClock(func() time.Time { return time.Unix(100, 0) }))
	require.NoError(t, err)
	assert.Zero(t, s.Count())

	keys, err := b.Keys(RecordKey + ".corrupt-")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	data, err := b.Get(keys[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestOpen_ResetsInterruptedSends(t *testing.T) {
	b, _ := newBackend(t)
	raw := `[
		{"id":"2","session_id":"s","content":"second","status":"sending","seq":2},
		{"id":"1","session_id":"s","content":"first","status":"failed","seq":1},
		{"id":"3","session_id":"s","content":"done","status":"sent","seq":3},
		{"id":"","session_id":"s","content":"no id"},
		{"id":"4","session_id":"s","content":"legacy"}
	]`
	require.NoError(t, b.Put(RecordKey, []byte(raw)))

	s, err := Open(b)
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0].Content)
	assert.Equal(t, StatusFailed, list[0].Status)
	assert.Equal(t, "second", list[1].Content)
	assert.Equal(t, StatusQueued, list[1].Status)
	assert.Equal(t, "legacy", list[2].Content)
	assert.Equal(t, StatusQueued, list[2].Status)
	assert.Equal(t, uint64(4), list[2].Seq)
}

func TestOpen_ReadErrorIsReturned(t *testing.T) {
	_, err := Open(readErrBackend{})
	assert.Error(t, err)
}

type readErrBackend struct{ storage.Backend }

func (readErrBackend) Get(string) ([]byte, error) { return nil, errors.New("disk gone") }

// =============================================================================
// SUBSCRIBERS / CONCURRENCY
// =============================================================================

func TestSubscribe_SeesEveryCommittedChange(t *testing.T) {
	b, _ := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)

	var counts []int
	s.Subscribe(func(list []QueuedMessage) { counts = append(counts, len(list)) })

	q, err := s.Enqueue("s1", "a")
	require.NoError(t, err)
	_, err = s.Enqueue("s1", "b")
	require.NoError(t, err)

	b.setFail(errors.New("boom"))
	_, _ = s.Enqueue("s1", "c")
	b.setFail(nil)

	require.NoError(t, s.Remove(q.ID))
	require.NoError(t, s.Remove("missing"))

	assert.Equal(t, []int{1, 2, 1}, counts)
}

func TestStore_ConcurrentEnqueue(t *testing.T) {
	b, dir := newBackend(t)
	s, err := Open(b)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Enqueue("s", fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list := reopen(t, dir).List()
	require.Len(t, list, 20)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Seq, list[i].Seq)
	}
}
