package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	oldVersion, oldCommit, oldDate := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = oldVersion, oldCommit, oldDate })

	Version, Commit, Date = "v1.2.3", "abc123", "2026-01-02"
	require.Equal(t, "v1.2.3 commit=abc123 date=2026-01-02", String())
	require.Equal(t, Info{Version: "v1.2.3", Commit: "abc123", Date: "2026-01-02"}, Get())

	Version, Commit, Date = "v1.2.3", " ", ""
	require.Equal(t, "v1.2.3", String())
}
