// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package remote is the HTTP client for the chat server.
//
// Request/response calls cover session management and prompt submission.
// Responses arrive separately on the server's event stream (GET /event),
// which this package decodes into the closed Event union:
//
//	SessionCreated   a session was created, possibly by another client
//	MessageReceived  a complete message (terminal for a streamed answer)
//	MessageChunk     an incremental fragment of an assistant answer
//	ErrorEvent       a server-side failure
//
// Non-2xx responses become *APIError, whose status code drives error
// classification.
package remote
