// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package outbox is the durable queue of messages the server has not yet
// accepted.
//
// Every mutation is written through to the storage backend before it
// returns; when the write fails the in-memory queue is left as it was.
// Entries keep their enqueue order for the life of the queue, which is the
// order drains deliver them in. Entries never expire on their own.
//
// # Lifecycle
//
//	queued -> sending -> sent (then removed)
//	                  -> failed -> queued | sending
//	                  -> queued (retryable failure during a drain)
//
// The whole queue is one record holding a JSON array. A record that cannot
// be parsed is moved aside and the queue starts empty.
package outbox
