// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrDiskFull matches write failures caused by a full disk or an exhausted
// quota. Test with errors.Is.
var ErrDiskFull = errors.New("disk full")

// WriteError reports which step of an atomic write failed.
type WriteError struct {
	Path string
	// Step is one of "mkdir", "create", "write", "sync", "close", "chmod", "rename"
	Step string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("atomic write %s: %s: %v", e.Path, e.Step, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDiskFull) true for ENOSPC and EDQUOT.
func (e *WriteError) Is(target error) bool {
	return target == ErrDiskFull && (errors.Is(e.Err, syscall.ENOSPC) || errors.Is(e.Err, syscall.EDQUOT))
}

// writeTemp writes the payload to the temp file. Tests swap it to simulate
// device errors.
var writeTemp = func(f *os.File, data []byte) error {
	_, err := f.Write(data)
	return err
}

// AtomicWriteFile replaces path with data so readers see either the old
// record or the new one, never a torn write. The data goes to a temp file in
// the same directory, is synced and renamed over path; the directory is
// synced afterwards. Failures are *WriteError.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	fail := func(step string, err error) error {
		return &WriteError{Path: path, Step: step, Err: err}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fail("mkdir", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fail("create", err)
	}
	tmp := f.Name()

	done := false
	defer func() {
		if !done {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err := writeTemp(f, data); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}
	// Close before rename; Windows refuses to rename an open file.
	if err := f.Close(); err != nil {
		return fail("close", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fail("chmod", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fail("rename", err)
	}
	done = true

	if d, err := os.Open(dir); err == nil {
		// Not every platform can sync a directory.
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
