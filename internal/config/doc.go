// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for nexus-sync.
//
// Supports TOML, JSON and YAML configuration files, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - RetryConfig: Delivery retry policy (preset or explicit values)
//   - SyncConfig: Outbox drain and stream settings
//   - ConnectionStore: Saved server connections (server_connections.json)
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (NEXUS_*), including a .env file in the config dir
//   - ~/.nexus-sync/config.toml
//   - ~/.nexus-sync/config.json
//   - ~/.nexus-sync/config.yaml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	policy, _ := cfg.Retry.Policy()
package config
