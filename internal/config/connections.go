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
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// ConnectionsFile is the name of the saved-connections record.
const ConnectionsFile = "server_connections.json"

// ErrConnectionNotFound is returned for unknown connection names.
var ErrConnectionNotFound = errors.New("connection not found")

// Connection is a saved server.
type Connection struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"`
	// LastConnected is nil until the first successful connection
	LastConnected *time.Time `json:"last_connected,omitempty"`
}

// URL returns the server's base URL.
func (c Connection) URL() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Hostname, c.Port)
}

// ConnectionFromURL builds a Connection from a base URL. Missing ports
// default to 80 or 443.
func ConnectionFromURL(name, raw string) (Connection, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Connection{}, fmt.Errorf("invalid server URL %q", raw)
	}
	conn := Connection{Name: name, Hostname: u.Hostname(), Secure: u.Scheme == "https"}
	switch {
	case u.Port() != "":
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return Connection{}, fmt.Errorf("invalid port in %q", raw)
		}
		conn.Port = port
	case conn.Secure:
		conn.Port = 443
	default:
		conn.Port = 80
	}
	if conn.Name == "" {
		conn.Name = u.Host
	}
	return conn, nil
}

// ConnectionStore keeps saved connections in one JSON file, keyed by name.
type ConnectionStore struct {
	mu   sync.Mutex
	path string
}

// NewConnectionStore returns a store backed by dir/server_connections.json.
func NewConnectionStore(dir string) *ConnectionStore {
	return &ConnectionStore{path: filepath.Join(dir, ConnectionsFile)}
}

// List returns saved connections, most recently used first.
func (s *ConnectionStore) List() ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, err := s.read()
	if err != nil {
		return nil, err
	}
	sortByRecency(conns)
	return conns, nil
}

// Save adds conn or replaces the connection with the same name.
func (s *ConnectionStore) Save(conn Connection) error {
	if conn.Name == "" {
		return errors.New("connection name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, err := s.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range conns {
		if conns[i].Name == conn.Name {
			conns[i] = conn
			replaced = true
			break
		}
	}
	if !replaced {
		conns = append(conns, conn)
	}
	return s.write(conns)
}

// MarkConnected records a successful connection to name at t.
func (s *ConnectionStore) MarkConnected(name string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, err := s.read()
	if err != nil {
		return err
	}
	for i := range conns {
		if conns[i].Name == name {
			at := t.UTC()
			conns[i].LastConnected = &at
			return s.write(conns)
		}
	}
	return ErrConnectionNotFound
}

// Remove deletes the connection named name. Unknown names are ignored.
func (s *ConnectionStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, err := s.read()
	if err != nil {
		return err
	}
	kept := conns[:0]
	for _, c := range conns {
		if c.Name != name {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(conns) {
		return nil
	}
	return s.write(kept)
}

// LastUsed returns the connection with the newest LastConnected. Connections
// never used are not candidates.
func (s *ConnectionStore) LastUsed() (Connection, bool, error) {
	conns, err := s.List()
	if err != nil {
		return Connection{}, false, err
	}
	if len(conns) == 0 || conns[0].LastConnected == nil {
		return Connection{}, false, nil
	}
	return conns[0], true, nil
}

func (s *ConnectionStore) read() ([]Connection, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read connections: %w", err)
	}
	var conns []Connection
	if err := json.Unmarshal(data, &conns); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ConnectionsFile, err)
	}
	return conns, nil
}

func (s *ConnectionStore) write(conns []Connection) error {
	if err := EnsureDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(conns, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode connections: %w", err)
	}
	return util.AtomicWriteFile(s.path, data, 0600)
}

// sortByRecency orders used connections newest first, then unused ones by name.
func sortByRecency(conns []Connection) {
	sort.SliceStable(conns, func(i, j int) bool {
		a, b := conns[i].LastConnected, conns[j].LastConnected
		switch {
		case a != nil && b != nil:
			return a.After(*b)
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return conns[i].Name < conns[j].Name
	})
}
