// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the session and message types shared by the sync engine.
//
// A Session owns an append-only list of messages. Message IDs are unique
// within a session; Append refuses duplicates so that at-least-once
// delivery from the server never produces a second copy of a message.
package model
