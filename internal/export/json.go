// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
)

// JSONExporter writes the complete session. Metadata options do not filter
// it; the output is meant to be machine-read.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

type jsonDocument struct {
	Session    *model.Session         `json:"session"`
	Queued     []outbox.QueuedMessage `json:"queued"`
	ExportedAt time.Time              `json:"exported_at"`
}

// Export converts a session to indented JSON.
func (e *JSONExporter) Export(doc Document) ([]byte, error) {
	if doc.Session == nil {
		return nil, ErrNoSession
	}
	queued := doc.Queued
	if queued == nil {
		queued = []outbox.QueuedMessage{}
	}
	return json.MarshalIndent(jsonDocument{
		Session:    doc.Session,
		Queued:     queued,
		ExportedAt: e.options.now().UTC(),
	}, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}
