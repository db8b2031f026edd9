// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes chat sessions to Markdown or JSON files.
//
// Prompts still waiting in the outbox are included and marked as queued, so
// an export taken while offline shows what the server has not seen yet.
//
//	exp, err := export.ForFormat("markdown", nil)
//	path, err := export.WriteFile(export.Document{Session: s, Queued: q}, exp, opts)
package export
