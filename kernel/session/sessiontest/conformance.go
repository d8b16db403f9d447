// Package sessiontest holds behavior checks shared by every session backend.
package sessiontest

import (
	"context"
	"testing"
	"time"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/session"
	"github.com/stretchr/testify/require"
)

// TranscriptStore checks load/save/delete semantics of store.
func TranscriptStore(t *testing.T, store session.TranscriptStore) {
	t.Helper()
	ctx := context.Background()
	sess := &session.Session{ID: session.NewID(), OwnerID: "owner", WorkspaceID: "ws"}

	_, err := store.Load(ctx, sess)
	require.ErrorIs(t, err, session.ErrTranscriptNotFound)

	in := session.Transcript{
		{Role: model.RoleUser, Content: "line one\nline two"},
		{Role: model.RoleAssistant, Content: ""},
		{Role: model.RoleUser, Content: "ünïcødé 🙂"},
	}
	require.NoError(t, store.Save(ctx, sess, in))
	out, err := store.Load(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, in, out)

	out[0].Content = "mutated"
	again, err := store.Load(ctx, sess)
	require.NoError(t, err)
	require.Equal(t, in, again, "loaded transcript must not alias stored state")

	require.NoError(t, store.Save(ctx, sess, session.Transcript{}))
	empty, err := store.Load(ctx, sess)
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, store.Delete(ctx, sess))
	_, err = store.Load(ctx, sess)
	require.ErrorIs(t, err, session.ErrTranscriptNotFound)
}

// Catalog checks session and source CRUD semantics of catalog.
func Catalog(t *testing.T, catalog session.Catalog) {
	t.Helper()
	ctx := context.Background()

	_, err := catalog.GetSession(ctx, "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	require.ErrorIs(t, catalog.RenameSession(ctx, "missing", "x"), session.ErrSessionNotFound)
	require.ErrorIs(t, catalog.DeleteSession(ctx, "missing"), session.ErrSessionNotFound)

	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	first, err := catalog.CreateSession(ctx, &session.Session{OwnerID: "o", WorkspaceID: "w", Name: "first", CreatedAt: base})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	second, err := catalog.CreateSession(ctx, &session.Session{OwnerID: "o", WorkspaceID: "w", Name: "second", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = catalog.CreateSession(ctx, &session.Session{OwnerID: "other", WorkspaceID: "w", Name: "foreign"})
	require.NoError(t, err)

	got, err := catalog.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "first", got.Name)
	require.Equal(t, "o", got.OwnerID)

	list, err := catalog.ListSessions(ctx, session.ListFilter{OwnerID: "o", WorkspaceID: "w"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID, "most recent activity first")

	require.NoError(t, catalog.TouchSession(ctx, first.ID, session.Activity{
		At:              base.Add(2 * time.Minute),
		TurnCount:       2,
		LastUserMessage: "hello",
	}))
	list, err = catalog.ListSessions(ctx, session.ListFilter{OwnerID: "o", WorkspaceID: "w", Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, 2, list[0].TurnCount)
	require.Equal(t, "hello", list[0].LastUserMessage)

	require.NoError(t, catalog.RenameSession(ctx, first.ID, "renamed"))
	got, err = catalog.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)

	require.NoError(t, catalog.DeleteSession(ctx, first.ID))
	_, err = catalog.GetSession(ctx, first.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = catalog.GetSource(ctx, "nope")
	require.ErrorIs(t, err, session.ErrSourceNotFound)
	require.ErrorIs(t, catalog.ReplaceModels(ctx, "nope", nil), session.ErrSourceNotFound)

	src := &session.Source{ID: "local", Name: "Local", API: "ollama", BaseURL: "http://localhost:11434/v1", Enabled: true}
	require.NoError(t, catalog.PutSource(ctx, src))
	src.Name = "Local Ollama"
	require.NoError(t, catalog.PutSource(ctx, src))
	gotSrc, err := catalog.GetSource(ctx, "local")
	require.NoError(t, err)
	require.Equal(t, "Local Ollama", gotSrc.Name)
	require.True(t, gotSrc.Enabled)

	require.NoError(t, catalog.ReplaceModels(ctx, "local", []session.ModelRecord{
		{Name: "llama3", Enabled: true},
		{Name: "codellama", Enabled: false},
	}))
	models, err := catalog.ListModels(ctx, "local")
	require.NoError(t, err)
	require.Len(t, models, 2)
	require.Equal(t, "codellama", models[0].Name)
	require.Equal(t, "local", models[1].SourceID)

	require.NoError(t, catalog.ReplaceModels(ctx, "local", []session.ModelRecord{{Name: "mistral", Enabled: true}}))
	models, err = catalog.ListModels(ctx, "local")
	require.NoError(t, err)
	require.Len(t, models, 1)

	sources, err := catalog.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	require.NoError(t, catalog.DeleteSource(ctx, "local"))
	_, err = catalog.GetSource(ctx, "local")
	require.ErrorIs(t, err, session.ErrSourceNotFound)
}
