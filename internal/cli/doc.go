// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the nexus-sync command line.
//
// Every command shares one set of global flags and one configuration
// load. Commands that talk to the server build an engine (storage, outbox,
// connectivity monitor, retry executor and session coordinator), check the
// server once, then act. When the server is unreachable they fall back to
// local state: sessions list from disk and prompts are queued.
//
// # Commands
//
//   - sessions, new, history, delete, export: session management
//   - send, queue, drain, retry, discard: the outbox
//   - status, connect: connectivity and saved connections
//   - chat: interactive line-editor chat with streaming answers
//   - watch: live status view that keeps syncing in the background
//   - mock-server: local stand-in server for trying things out
//   - config show|get|set|path
//
// All commands accept --json and print a JSONResponse envelope.
package cli
