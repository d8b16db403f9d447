package session

import (
	"testing"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/stretchr/testify/require"
)

func sample() Transcript {
	return Transcript{
		{Role: model.RoleUser, Content: "a"},
		{Role: model.RoleAssistant, Content: "b"},
		{Role: model.RoleUser, Content: "c"},
		{Role: model.RoleAssistant, Content: "d"},
	}
}

func TestTranscriptTruncate(t *testing.T) {
	in := sample()
	require.Equal(t, in[:2], in.Truncate(2))
	require.Equal(t, in, in.Truncate(4))
	require.Equal(t, in, in.Truncate(10))
	require.Empty(t, in.Truncate(0))

	out := in.Truncate(2)
	out[0].Content = "changed"
	require.Equal(t, "a", in[0].Content, "truncate must not alias the input")
}

func TestTranscriptCloneOfNilIsEmpty(t *testing.T) {
	var nilTranscript Transcript
	out := nilTranscript.Clone()
	require.NotNil(t, out)
	require.Len(t, out, 0)
}

func TestTranscriptLastUserMessage(t *testing.T) {
	require.Equal(t, "c", sample().LastUserMessage())
	require.Equal(t, "", Transcript{{Role: model.RoleAssistant, Content: "x"}}.LastUserMessage())
}
