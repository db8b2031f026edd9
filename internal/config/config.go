// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/retry"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/storage"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete nexus-sync configuration.
type Config struct {
	Version string `toml:"version" json:"version" yaml:"version"`

	// Server connection
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Local persistence
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Delivery retry policy
	Retry RetryConfig `toml:"retry" json:"retry" yaml:"retry"`

	// Outbox and stream behaviour
	Sync SyncConfig `toml:"sync" json:"sync" yaml:"sync"`

	// Logging
	Log LogConfig `toml:"log" json:"log" yaml:"log"`
}

// ServerConfig describes the chat server.
type ServerConfig struct {
	// URL is the base URL, e.g. http://127.0.0.1:4096
	URL string `toml:"url" json:"url" yaml:"url"`
	// APIKey is sent as a Bearer token
	APIKey string `toml:"api_key" json:"api_key" yaml:"api_key"`
	// TimeoutSecs bounds each request/response
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs" yaml:"timeout_secs"`
	// HealthIntervalSecs is the reachability check period
	HealthIntervalSecs int `toml:"health_interval_secs" json:"health_interval_secs" yaml:"health_interval_secs"`
}

// StorageConfig selects where sessions and the outbox are kept.
type StorageConfig struct {
	// Backend is "file" (one JSON file per record) or "sqlite"
	Backend string `toml:"backend" json:"backend" yaml:"backend"`
	// DataDir holds the records (empty = ~/.nexus-sync/data)
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
}

// RetryConfig selects the delivery retry policy. Explicit values override
// the preset.
type RetryConfig struct {
	// Preset is "default", "aggressive" or "conservative"
	Preset             string  `toml:"preset" json:"preset" yaml:"preset"`
	MaxRetries         int     `toml:"max_retries" json:"max_retries" yaml:"max_retries"`
	InitialDelayMs     int     `toml:"initial_delay_ms" json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs         int     `toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier" json:"backoff_multiplier" yaml:"backoff_multiplier"`
	AttemptTimeoutSecs int     `toml:"attempt_timeout_secs" json:"attempt_timeout_secs" yaml:"attempt_timeout_secs"`
}

// SyncConfig tunes the outbox drain and the stream reconciler.
type SyncConfig struct {
	// DrainPolicy is "stop", "skip" or "hold"
	DrainPolicy string `toml:"drain_policy" json:"drain_policy" yaml:"drain_policy"`
	// DrainRate is the maximum deliveries per second during a drain
	DrainRate float64 `toml:"drain_rate" json:"drain_rate" yaml:"drain_rate"`
	// AutoDrain drains the outbox when the server becomes reachable
	AutoDrain bool `toml:"auto_drain" json:"auto_drain" yaml:"auto_drain"`
	// ChunkTimeoutSecs ends a stream that stopped sending fragments
	ChunkTimeoutSecs int `toml:"chunk_timeout_secs" json:"chunk_timeout_secs" yaml:"chunk_timeout_secs"`
	// MaxMessageRunes rejects longer prompts locally (0 = no limit)
	MaxMessageRunes int `toml:"max_message_runes" json:"max_message_runes" yaml:"max_message_runes"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `toml:"level" json:"level" yaml:"level"`
	Development bool   `toml:"development" json:"development" yaml:"development"`
	// File receives log output (empty = stderr)
	File string `toml:"file" json:"file" yaml:"file"`
}

// Storage backends.
const (
	BackendFile   = storage.BackendFile
	BackendSQLite = storage.BackendSQLite
)

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			URL:                "http://127.0.0.1:4096",
			TimeoutSecs:        30,
			HealthIntervalSecs: 30,
		},

		Storage: StorageConfig{
			Backend: BackendFile,
		},

		Retry: RetryConfig{
			Preset: "default",
		},

		Sync: SyncConfig{
			DrainPolicy:      "stop",
			DrainRate:        5,
			AutoDrain:        true,
			ChunkTimeoutSecs: 60,
			MaxMessageRunes:  0,
		},

		Log: LogConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the nexus-sync configuration directory. NEXUS_HOME
// overrides ~/.nexus-sync.
func ConfigDir() (string, error) {
	if dir := os.Getenv("NEXUS_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".nexus-sync"), nil
}

// candidateFiles lists the config file names tried by LoadFromDir, in order.
var candidateFiles = []string{"config.toml", "config.json", "config.yaml", "config.yml"}

// EnsureDir creates dir with owner-only permissions.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens config files to 0600; they may hold an API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// DataDir resolves the directory records are kept in.
func (c *Config) DataDir(configDir string) string {
	if c.Storage.DataDir != "" {
		return expandHome(c.Storage.DataDir)
	}
	return filepath.Join(configDir, "data")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from ConfigDir.
func Load() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return LoadFromDir(dir)
}

// LoadFromDir loads dir/.env into the environment, then the first config
// file present in dir, then applies environment overrides. A missing
// directory yields the defaults.
func LoadFromDir(dir string) (*Config, error) {
	if err := LoadDotEnv(filepath.Join(dir, ".env")); err != nil {
		return nil, err
	}

	if path, ok := FindFile(dir); ok {
		return LoadFromPath(path)
	}

	cfg := Default()
	return finish(cfg)
}

// FindFile returns the config file LoadFromDir would read from dir.
func FindFile(dir string) (string, bool) {
	for _, name := range candidateFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// LoadFromPath loads configuration from a specific file over the defaults.
// The format is chosen by extension; anything unrecognized is read as TOML.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := Decode(cfg, data, formatOf(path)); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	fillDefaults(cfg)
	return finish(cfg)
}

// Decode parses data in the given format ("toml", "json" or "yaml") into cfg.
func Decode(cfg *Config, data []byte, format string) error {
	switch format {
	case "json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode JSON: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to decode TOML: %w", err)
		}
	}
	return nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	return "toml"
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// fillDefaults restores defaults for values a file set to empty. AutoDrain
// is not touched: false is a meaningful setting.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.Server.URL == "" {
		cfg.Server.URL = defaults.Server.URL
	}
	if cfg.Server.TimeoutSecs == 0 {
		cfg.Server.TimeoutSecs = defaults.Server.TimeoutSecs
	}
	if cfg.Server.HealthIntervalSecs == 0 {
		cfg.Server.HealthIntervalSecs = defaults.Server.HealthIntervalSecs
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Retry.Preset == "" {
		cfg.Retry.Preset = defaults.Retry.Preset
	}
	if cfg.Sync.DrainPolicy == "" {
		cfg.Sync.DrainPolicy = defaults.Sync.DrainPolicy
	}
	if cfg.Sync.DrainRate == 0 {
		cfg.Sync.DrainRate = defaults.Sync.DrainRate
	}
	if cfg.Sync.ChunkTimeoutSecs == 0 {
		cfg.Sync.ChunkTimeoutSecs = defaults.Sync.ChunkTimeoutSecs
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# nexus-sync configuration file\n")
	b.WriteString("# Generated by nexus-sync - edit with care\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if u, err := url.Parse(c.Server.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("server.url", "must be an http or https URL, got %q", c.Server.URL)
	}
	if c.Server.TimeoutSecs < 0 {
		add("server.timeout_secs", "must not be negative")
	}
	if c.Server.HealthIntervalSecs < 0 {
		add("server.health_interval_secs", "must not be negative")
	}

	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		add("storage.backend", "must be %q or %q, got %q", BackendFile, BackendSQLite, c.Storage.Backend)
	}

	if _, ok := retry.Preset(c.Retry.Preset); !ok {
		add("retry.preset", "unknown preset %q", c.Retry.Preset)
	} else if _, err := c.Retry.Policy(); err != nil {
		add("retry", "%v", err)
	}

	switch strings.ToLower(c.Sync.DrainPolicy) {
	case "stop", "skip", "hold":
	default:
		add("sync.drain_policy", "must be stop, skip or hold, got %q", c.Sync.DrainPolicy)
	}
	if c.Sync.DrainRate < 0 {
		add("sync.drain_rate", "must not be negative")
	}
	if c.Sync.ChunkTimeoutSecs < 0 {
		add("sync.chunk_timeout_secs", "must not be negative")
	}
	if c.Sync.MaxMessageRunes < 0 {
		add("sync.max_message_runes", "must not be negative")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Policy resolves the retry settings into an executor config.
func (r RetryConfig) Policy() (retry.Config, error) {
	cfg, ok := retry.Preset(r.Preset)
	if !ok {
		return retry.Config{}, fmt.Errorf("unknown retry preset %q", r.Preset)
	}
	if r.MaxRetries > 0 {
		cfg.MaxRetries = r.MaxRetries
	}
	if r.InitialDelayMs > 0 {
		cfg.InitialDelay = time.Duration(r.InitialDelayMs) * time.Millisecond
	}
	if r.MaxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	if r.BackoffMultiplier > 0 {
		cfg.BackoffMultiplier = r.BackoffMultiplier
	}
	if r.AttemptTimeoutSecs > 0 {
		cfg.PerAttemptTimeout = time.Duration(r.AttemptTimeoutSecs) * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return retry.Config{}, err
	}
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - NEXUS_SERVER_URL: overrides server.url
//   - NEXUS_API_KEY: overrides server.api_key
//   - NEXUS_STORE_BACKEND: overrides storage.backend
//   - NEXUS_DATA_DIR: overrides storage.data_dir
//   - NEXUS_LOG_LEVEL: overrides log.level
//   - NEXUS_DRAIN_POLICY: overrides sync.drain_policy
//   - NEXUS_RETRY_PRESET: overrides retry.preset
//   - NEXUS_AUTO_DRAIN: "1"/"true" or "0"/"false"
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("NEXUS_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("NEXUS_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("NEXUS_STORE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("NEXUS_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("NEXUS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("NEXUS_DRAIN_POLICY"); v != "" {
		c.Sync.DrainPolicy = v
	}
	if v := os.Getenv("NEXUS_RETRY_PRESET"); v != "" {
		c.Retry.Preset = v
	}
	if v := os.Getenv("NEXUS_AUTO_DRAIN"); v != "" {
		c.Sync.AutoDrain = parseBool(v)
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "sync.drain_policy").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		name := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(n string) bool { return strings.EqualFold(n, name) })
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts snake_case or kebab-case to the Go field name.
// Lookups compare case-insensitively, so "api_key" finds APIKey.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' })
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(strings.ToLower(part[1:]))
	}
	return b.String()
}

func setFieldValue(field reflect.Value, value any) error {
	if s, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(s)
			return nil
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %w", err)
			}
			field.SetInt(n)
			return nil
		case reflect.Float64:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %w", err)
			}
			field.SetFloat(f)
			return nil
		case reflect.Bool:
			field.SetBool(parseBool(s))
			return nil
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns every settable key in dot notation.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := strings.Split(f.Tag.Get("toml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, prefix+name+".")
				continue
			}
			keys = append(keys, prefix+name)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the config as JSON with the API key redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Server.APIKey != "" {
		safe.Server.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
