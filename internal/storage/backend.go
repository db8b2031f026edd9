// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// =============================================================================
// BACKEND INTERFACE
// =============================================================================

// Backend stores opaque records by key. Put must be durable when it returns.
type Backend interface {
	// Get returns the record or ErrNotFound.
	Get(key string) ([]byte, error)
	// Put creates or replaces a record.
	Put(key string, data []byte) error
	// Delete removes a record; deleting a missing key is not an error.
	Delete(key string) error
	// Keys lists keys with the given prefix in ascending order.
	Keys(prefix string) ([]string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open creates the named backend under dataDir.
func Open(name, dataDir string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", BackendFile:
		return NewFileBackend(filepath.Join(dataDir, "records"))
	case BackendSQLite:
		return NewSQLiteBackend(filepath.Join(dataDir, "nexus.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", name)
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// QuotaError reports that a write failed because local storage is full.
type QuotaError struct {
	Key string
	Err error
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("local storage full while writing %s: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *QuotaError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies quota failures apart from network failures.
func (e *QuotaError) ErrorKind() errclass.Kind {
	return errclass.StorageQuota
}

// IsQuotaExceeded reports whether err means the disk or database is full.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return true
	}
	if errors.Is(err, util.ErrDiskFull) || errors.Is(err, syscall.ENOSPC) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_FULL") ||
		strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "disk quota exceeded")
}

// IsBusy reports SQLite lock contention, which is worth retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// wrapWrite turns quota failures into *QuotaError.
func wrapWrite(key string, err error) error {
	if err == nil {
		return nil
	}
	if IsQuotaExceeded(err) {
		return &QuotaError{Key: key, Err: err}
	}
	return fmt.Errorf("failed to write %s: %w", key, err)
}
