// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package errclass

import (
	"fmt"
	"time"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind is the machine-readable category of a failure.
type Kind int

const (
	Unknown Kind = iota
	NetworkUnreachable
	ConnectionTimeout
	ConnectionRefused
	ServerError
	ServiceUnavailable
	RateLimited
	SSLCertificateError
	AuthenticationFailed
	InvalidAPIKey
	SessionNotFound
	MessageTooLong
	NotConnected
	Offline
	StorageQuota
)

type kindInfo struct {
	name           string
	retryable      bool
	userMessage    string
	suggestedDelay time.Duration
}

// Retryability is fixed per kind.
var kinds = map[Kind]kindInfo{
	Unknown: {
		name: "unknown", retryable: true,
		userMessage: "Something went wrong. The message will be retried.",
	},
	NetworkUnreachable: {
		name: "network_unreachable", retryable: true, suggestedDelay: 2 * time.Second,
		userMessage: "Unable to reach the server. Check your network connection.",
	},
	ConnectionTimeout: {
		name: "connection_timeout", retryable: true, suggestedDelay: 2 * time.Second,
		userMessage: "The server took too long to respond.",
	},
	ConnectionRefused: {
		name: "connection_refused", retryable: true, suggestedDelay: 2 * time.Second,
		userMessage: "The server refused the connection. Make sure it is running.",
	},
	ServerError: {
		name: "server_error", retryable: true, suggestedDelay: 5 * time.Second,
		userMessage: "The server encountered an error. Please try again shortly.",
	},
	ServiceUnavailable: {
		name: "service_unavailable", retryable: true, suggestedDelay: 5 * time.Second,
		userMessage: "The server is temporarily unavailable.",
	},
	RateLimited: {
		name: "rate_limited", retryable: true, suggestedDelay: 60 * time.Second,
		userMessage: "Too many requests. Please wait before sending more messages.",
	},
	SSLCertificateError: {
		name: "ssl_certificate_error", retryable: false,
		userMessage: "The server's certificate could not be verified.",
	},
	AuthenticationFailed: {
		name: "authentication_failed", retryable: false,
		userMessage: "Authentication failed. Please sign in again.",
	},
	InvalidAPIKey: {
		name: "invalid_api_key", retryable: false,
		userMessage: "The API key was rejected. Check your server settings.",
	},
	SessionNotFound: {
		name: "session_not_found", retryable: false,
		userMessage: "This session no longer exists on the server.",
	},
	MessageTooLong: {
		name: "message_too_long", retryable: false,
		userMessage: "The message is too long. Shorten it and try again.",
	},
	NotConnected: {
		name: "not_connected", retryable: true, suggestedDelay: 2 * time.Second,
		userMessage: "Not connected to a server.",
	},
	Offline: {
		name: "offline", retryable: true, suggestedDelay: 2 * time.Second,
		userMessage: "You are offline. Messages will be sent when the connection returns.",
	},
	StorageQuota: {
		name: "storage_quota", retryable: false,
		userMessage: "Local storage is full. Free up disk space so queued messages are kept.",
	},
}

func (k Kind) info() kindInfo {
	if info, ok := kinds[k]; ok {
		return info
	}
	return kinds[Unknown]
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether failures of this kind may be retried.
func (k Kind) Retryable() bool {
	return k.info().retryable
}

// UserMessage returns the pre-written text shown to the user.
func (k Kind) UserMessage() string {
	return k.info().userMessage
}

// SuggestedDelay is a hint for how long to wait before trying again manually.
func (k Kind) SuggestedDelay() time.Duration {
	return k.info().suggestedDelay
}

// IsNetwork reports whether the kind is about reaching the server rather than
// about the request or local state.
func (k Kind) IsNetwork() bool {
	switch k {
	case NetworkUnreachable, ConnectionTimeout, ConnectionRefused, NotConnected, Offline:
		return true
	}
	return false
}

// ParseKind reverses String. Unknown names yield Unknown.
func ParseKind(name string) Kind {
	for k, info := range kinds {
		if info.name == name {
			return k
		}
	}
	return Unknown
}
