// Package export writes a session transcript in a shareable format.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/session"
)

// Document is one session with its committed transcript.
type Document struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	OwnerID     string          `json:"ownerId" yaml:"owner_id"`
	WorkspaceID string          `json:"workspaceId" yaml:"workspace_id"`
	CreatedAt   time.Time       `json:"createdAt" yaml:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt" yaml:"updated_at"`
	Messages    []model.Message `json:"messages" yaml:"messages"`
}

// NewDocument pairs session metadata with its transcript.
func NewDocument(sess *session.Session, transcript session.Transcript) *Document {
	doc := &Document{Messages: transcript.Clone()}
	if doc.Messages == nil {
		doc.Messages = []model.Message{}
	}
	if sess != nil {
		doc.ID = sess.ID
		doc.Name = sess.Name
		doc.OwnerID = sess.OwnerID
		doc.WorkspaceID = sess.WorkspaceID
		doc.CreatedAt = sess.CreatedAt
		doc.UpdatedAt = sess.UpdatedAt
	}
	return doc
}

// Exporter writes a Document in one format.
type Exporter interface {
	Export(doc *Document, w io.Writer) error
	Extension() string
}

// Formats lists the accepted format names.
func Formats() []string {
	return []string{"json", "jsonl", "yaml", "md"}
}

// New returns the exporter for format.
func New(format string) (Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return JSONExporter{}, nil
	case "jsonl":
		return JSONLExporter{}, nil
	case "yaml", "yml":
		return YAMLExporter{}, nil
	case "md", "markdown":
		return MarkdownExporter{}, nil
	default:
		return nil, errors.Errorf("export: unsupported format %q (supported: %s)", format, strings.Join(Formats(), ", "))
	}
}

// JSONExporter writes the whole document, indented.
type JSONExporter struct{}

func (JSONExporter) Export(doc *Document, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(doc), "export: json")
}

func (JSONExporter) Extension() string { return "json" }

// JSONLExporter writes one message per line with its turn index.
type JSONLExporter struct{}

func (JSONLExporter) Export(doc *Document, w io.Writer) error {
	enc := json.NewEncoder(w)
	for i, msg := range doc.Messages {
		line := struct {
			Index   int        `json:"index"`
			Role    model.Role `json:"role"`
			Content string     `json:"content"`
		}{Index: i, Role: msg.Role, Content: msg.Content}
		if err := enc.Encode(line); err != nil {
			return errors.Wrapf(err, "export: jsonl turn %d", i)
		}
	}
	return nil
}

func (JSONLExporter) Extension() string { return "jsonl" }

type YAMLExporter struct{}

func (YAMLExporter) Export(doc *Document, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return errors.Wrap(err, "export: yaml")
	}
	return errors.Wrap(enc.Close(), "export: yaml")
}

func (YAMLExporter) Extension() string { return "yaml" }

// MarkdownExporter renders a readable transcript with one section per turn.
type MarkdownExporter struct{}

func (MarkdownExporter) Export(doc *Document, w io.Writer) error {
	var b strings.Builder
	title := doc.Name
	if strings.TrimSpace(title) == "" {
		title = doc.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Session:** %s  \n", doc.ID)
	if !doc.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "**Updated:** %s  \n", doc.UpdatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "**Turns:** %d\n", len(doc.Messages))
	for i, msg := range doc.Messages {
		fmt.Fprintf(&b, "\n---\n\n### %d. %s\n\n%s\n", i, roleTitle(msg.Role), escapeMarkdown(msg.Content))
	}
	_, err := io.WriteString(w, b.String())
	return errors.Wrap(err, "export: markdown")
}

func (MarkdownExporter) Extension() string { return "md" }

func roleTitle(role model.Role) string {
	switch role {
	case model.RoleUser:
		return "User"
	case model.RoleAssistant:
		return "Assistant"
	case model.RoleSystem:
		return "System"
	default:
		return string(role)
	}
}

// escapeMarkdown neutralises headings and rules that would break the
// per-turn layout; fenced code is left alone.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if strings.HasPrefix(trimmed, "#") || trimmed == "---" {
			lines[i] = `\` + line
		}
	}
	return strings.Join(lines, "\n")
}
