// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session coordinates local sessions, the outbox and the remote
// server.
//
// The Coordinator is the only component that changes both the outbox and
// session histories. A send appends an optimistic user message, queues the
// prompt durably and, when online, delivers it through the retry executor.
// Answers arrive separately on the server event stream and are merged by
// the stream reconciler. When connectivity returns, queued prompts are
// drained one at a time in enqueue order.
//
// # Key Types
//
//   - Coordinator: actions and background workers
//   - Views: observable state for presentation layers
//   - DrainResult: outcome of one outbox sweep
//
// # Usage
//
//	c, err := session.New(session.Deps{API: client, Outbox: box, Sessions: store,
//	    Monitor: monitor, Retry: executor, Logger: logger}, session.Options{})
//	go c.Run(ctx)
//	defer c.Close()
//
//	entry, err := c.Send(ctx, "Hello")
package session
