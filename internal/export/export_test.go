package export

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/session"
)

func testDocument() *Document {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewDocument(&session.Session{
		ID:          "s1",
		Name:        "Trip planning",
		OwnerID:     "local",
		WorkspaceID: "default",
		CreatedAt:   at,
		UpdatedAt:   at,
	}, session.Transcript{
		{Role: model.RoleUser, Content: "Where to?"},
		{Role: model.RoleAssistant, Content: "# Lisbon\n```\n# keep\n```"},
	})
}

func TestNew(t *testing.T) {
	for _, format := range append(Formats(), "markdown", "YML") {
		exp, err := New(format)
		require.NoError(t, err, format)
		require.NotEmpty(t, exp.Extension())
	}
	_, err := New("pdf")
	require.ErrorContains(t, err, "unsupported format")
}

func TestJSONExporter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONExporter{}.Export(testDocument(), &buf))

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	require.Equal(t, "s1", doc.ID)
	require.Len(t, doc.Messages, 2)
	require.Contains(t, buf.String(), "\n  \"id\"")
}

func TestJSONLExporter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONLExporter{}.Export(testDocument(), &buf))

	scanner := bufio.NewScanner(&buf)
	var lines []map[string]any
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	require.EqualValues(t, 1, lines[1]["index"])
	require.Equal(t, "assistant", lines[1]["role"])
}

func TestYAMLExporter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, YAMLExporter{}.Export(testDocument(), &buf))

	var doc Document
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Equal(t, "Trip planning", doc.Name)
	require.Equal(t, model.RoleAssistant, doc.Messages[1].Role)
	require.Contains(t, buf.String(), "workspace_id: default")
}

func TestMarkdownExporter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MarkdownExporter{}.Export(testDocument(), &buf))
	out := buf.String()

	require.True(t, strings.HasPrefix(out, "# Trip planning\n"))
	require.Contains(t, out, "**Turns:** 2")
	require.Contains(t, out, "### 0. User\n\nWhere to?")
	require.Contains(t, out, "\\# Lisbon")
	require.Contains(t, out, "```\n# keep\n```")
}

func TestEmptyTranscript(t *testing.T) {
	doc := NewDocument(&session.Session{ID: "empty"}, nil)
	var buf bytes.Buffer
	require.NoError(t, JSONExporter{}.Export(doc, &buf))
	require.Contains(t, buf.String(), `"messages": []`)

	buf.Reset()
	require.NoError(t, JSONLExporter{}.Export(doc, &buf))
	require.Empty(t, buf.String())
}
