// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// FileBackend keeps one JSON file per record.
type FileBackend struct {
	// BaseDir holds the record files
	BaseDir string
}

// NewFileBackend creates the directory if needed.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileBackend{BaseDir: baseDir}, nil
}

// Get reads a record.
func (b *FileBackend) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(b.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put writes a record atomically with fsync.
func (b *FileBackend) Put(key string, data []byte) error {
	return wrapWrite(key, util.AtomicWriteFile(b.filePath(key), data, 0600))
}

// Delete removes a record.
func (b *FileBackend) Delete(key string) error {
	if err := os.Remove(b.filePath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Keys lists stored keys with prefix.
func (b *FileBackend) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	keys := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // not ours
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for files.
func (b *FileBackend) Close() error {
	return nil
}

// filePath escapes the key so separators such as ':' are safe on every OS.
func (b *FileBackend) filePath(key string) string {
	return filepath.Join(b.BaseDir, url.QueryEscape(key)+".json")
}
