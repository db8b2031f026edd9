// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the storage and session layers.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe record writes (temp file, fsync, rename); failures are
//     *WriteError and match ErrDiskFull when the device or quota is full
//   - TruncateRunes: UTF-8 safe truncation used for session titles
//   - SingleLine: collapses newlines for one-line previews
package util
