// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the durable key/value records behind the outbox
// and the local session cache.
//
// # Layout
//
// Each session is one record under "session:<id>" holding the serialized
// session with its messages. The whole outbox is one record under "outbox".
// Records are JSON; unknown fields are ignored and missing fields default to
// empty. A record that cannot be parsed is treated as absent.
//
// # Backends
//
//   - FileBackend: one JSON file per record, written with util.AtomicWriteFile
//   - SQLiteBackend: a single records table in a WAL-mode SQLite database
//
// Both backends report a full disk as *QuotaError so callers can tell the
// user that local storage is full instead of blaming the network.
package storage
