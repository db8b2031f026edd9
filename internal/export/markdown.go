// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter renders a session as Markdown with YAML front matter.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// frontMatter is the YAML header of an exported file.
type frontMatter struct {
	Title     string `yaml:"title"`
	Session   string `yaml:"session"`
	Date      string `yaml:"date"`
	Messages  int    `yaml:"messages"`
	Queued    int    `yaml:"queued,omitempty"`
	Exported  string `yaml:"exported"`
	Generator string `yaml:"generator"`
}

// Export converts a session to Markdown.
func (e *MarkdownExporter) Export(doc Document) ([]byte, error) {
	s := doc.Session
	if s == nil {
		return nil, ErrNoSession
	}
	now := e.options.now()
	queued := queuedByMessage(doc.Queued)

	var sb strings.Builder
	if e.options.IncludeMetadata {
		header, err := yaml.Marshal(frontMatter{
			Title:     s.Title,
			Session:   s.ID,
			Date:      s.CreatedAt.Format(time.RFC3339),
			Messages:  len(s.Messages),
			Queued:    len(doc.Queued),
			Exported:  now.Format(time.RFC3339),
			Generator: "nexus-sync",
		})
		if err != nil {
			return nil, fmt.Errorf("encode front matter: %w", err)
		}
		sb.WriteString("---\n")
		sb.Write(header)
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(s.Title))

	if len(s.Messages) == 0 {
		sb.WriteString("*No messages yet.*\n")
	}
	for i, msg := range s.Messages {
		heading := msg.Role.DisplayName()
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			heading += fmt.Sprintf(" <sub>%s</sub>", msg.Timestamp.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(&sb, "### %s\n\n", heading)
		sb.WriteString(strings.TrimRight(msg.Content, "\n"))
		sb.WriteString("\n\n")

		if entry, ok := queued[msg.ID]; ok && msg.Role == model.RoleUser {
			sb.WriteString(queuedNote(entry))
			sb.WriteString("\n\n")
		}
		if i < len(s.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	fmt.Fprintf(&sb, "\n---\n\n*Exported from nexus-sync on %s*\n", now.Format("January 2, 2006 at 3:04 PM"))
	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

func queuedNote(entry outbox.QueuedMessage) string {
	if entry.Status == outbox.StatusFailed {
		return fmt.Sprintf("> **Not delivered:** %s", entry.LastError)
	}
	return "> *Queued; not yet delivered.*"
}

// escapeMarkdown escapes characters that would break a heading.
func escapeMarkdown(s string) string {
	return strings.NewReplacer("#", "\\#", "*", "\\*", "_", "\\_", "[", "\\[", "]", "\\]").Replace(s)
}
