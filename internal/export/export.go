// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/util"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Document is what gets exported: a session plus its undelivered prompts.
type Document struct {
	Session *model.Session
	Queued  []outbox.QueuedMessage
}

// Exporter renders a Document in one format.
type Exporter interface {
	Export(doc Document) ([]byte, error)

	// FileExtension includes the dot, e.g. ".md".
	FileExtension() string
}

// ErrNoSession is returned when a Document has no session.
var ErrNoSession = errors.New("export: document has no session")

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// OutputDir is where files are written. Default: current directory
	OutputDir string

	IncludeMetadata   bool
	IncludeTimestamps bool

	// Now stamps the export; nil means time.Now
	Now func() time.Time
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:         ".",
		IncludeMetadata:   true,
		IncludeTimestamps: true,
	}
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// ForFormat returns the exporter for "markdown" (or "md") and "json".
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(format) {
	case "", "md", "markdown":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	}
	return nil, fmt.Errorf("unknown export format %q (want markdown or json)", format)
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// WriteFile exports doc into opts.OutputDir and returns the file path. The
// name is built from the session title and the export time.
func WriteFile(doc Document, exporter Exporter, opts *Options) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if doc.Session == nil {
		return "", ErrNoSession
	}

	content, err := exporter.Export(doc)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	filename := fmt.Sprintf("session_%s_%s%s",
		sanitizeFilename(doc.Session.Title),
		opts.now().Format("20060102_150405"),
		exporter.FileExtension())

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(opts.OutputDir, filename)
	if err := util.AtomicWriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

var filenameReplacer = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "-", "?", "-", "\"", "-",
	"<", "-", ">", "-", "|", "-",
	" ", "_", "\t", "_", "\n", "_", "\r", "_",
)

// sanitizeFilename makes s safe as part of a file name on every platform.
func sanitizeFilename(s string) string {
	runes := []rune(s)
	if len(runes) > 50 {
		s = string(runes[:50])
	}
	s = filenameReplacer.Replace(s)
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return '-'
		}
		return r
	}, s)
	if s == "" {
		return "session"
	}
	return s
}

// queuedByMessage indexes undelivered entries by the optimistic message id.
func queuedByMessage(entries []outbox.QueuedMessage) map[string]outbox.QueuedMessage {
	out := make(map[string]outbox.QueuedMessage, len(entries))
	for _, e := range entries {
		if e.MessageID != "" {
			out[e.MessageID] = e
		}
	}
	return out
}
