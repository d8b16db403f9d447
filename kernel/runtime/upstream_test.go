package runtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/model/providers"
	"github.com/OnslaughtSnail/parley/kernel/session"
)

// pausingUpstream streams "Hel", waits pause, then finishes with "lo".
func pausingUpstream(t *testing.T, pause time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"model":"m","choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`+"\n\n")
		flusher.Flush()
		select {
		case <-time.After(pause):
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, `data: {"model":"m","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(server.Close)
	return server
}

func withUpstream(timeout time.Duration) func(*Config) {
	return func(c *Config) {
		c.NewLLM = providers.New
		c.RequestTimeout = timeout
	}
}

func upstreamEndpoint(baseURL string) model.Endpoint {
	return model.Endpoint{API: string(providers.APIOpenAICompatible), BaseURL: baseURL, Model: "m"}
}

func TestSend_RequestTimeoutAllowsSlowStream(t *testing.T) {
	server := pausingUpstream(t, 300*time.Millisecond)
	f := newFixture(t, nil, withUpstream(5*time.Second))
	id := f.newSession(t)

	res, err := f.rt.Send(context.Background(), SendRequest{
		SessionID: id,
		Prompt:    "hi",
		Params:    Params{Endpoint: upstreamEndpoint(server.URL)},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", res.Text)
	require.Equal(t, session.Transcript{user("hi"), assistant("Hello")}, f.history(t, id))
}

func TestSend_RequestTimeoutBoundsStream(t *testing.T) {
	server := pausingUpstream(t, 10*time.Second)
	f := newFixture(t, nil, withUpstream(200*time.Millisecond))
	id := f.newSession(t)

	start := time.Now()
	res, err := f.rt.Send(context.Background(), SendRequest{
		SessionID: id,
		Prompt:    "hi",
		Params:    Params{Endpoint: upstreamEndpoint(server.URL)},
	})
	require.True(t, IsErrorCode(err, ErrorCodeUpstream))
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, "Hel", res.Text)
	require.Equal(t, session.Transcript{user("hi"), assistant("Hel")}, f.history(t, id))
}
