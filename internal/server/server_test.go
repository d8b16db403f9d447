package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/OnslaughtSnail/parley/internal/eventbus"
	"github.com/OnslaughtSnail/parley/kernel/event"
	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/runtime"
	"github.com/OnslaughtSnail/parley/kernel/session"
	"github.com/OnslaughtSnail/parley/kernel/session/inmemory"
)

type scriptedLLM struct {
	chunks  []string
	err     error
	hold    chan struct{}
	started chan struct{}
}

func (l *scriptedLLM) Name() string { return "scripted" }

func (l *scriptedLLM) Generate(ctx context.Context, _ *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		for i, c := range l.chunks {
			if !yield(&model.Response{Message: model.Message{Role: model.RoleAssistant, Content: c}, Partial: true}, nil) {
				return
			}
			if i == 0 && l.started != nil {
				close(l.started)
				l.started = nil
			}
			if i == 0 && l.hold != nil {
				select {
				case <-l.hold:
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				}
			}
		}
		if l.err != nil {
			yield(nil, l.err)
			return
		}
		yield(&model.Response{Message: model.Message{Role: model.RoleAssistant}, TurnComplete: true}, nil)
	}
}

type fixedEndpoint struct{}

func (fixedEndpoint) Endpoint(context.Context, string, string) (model.Endpoint, error) {
	return model.Endpoint{API: "openai", BaseURL: "http://upstream.invalid/v1", Model: "m"}, nil
}

type harness struct {
	srv   *httptest.Server
	rt    *runtime.Runtime
	store *inmemory.Store
	llm   *scriptedLLM
}

func newHarness(t *testing.T, llm *scriptedLLM, token string) *harness {
	t.Helper()
	logger := zerolog.Nop()
	bus, err := eventbus.New(eventbus.Settings{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	store := inmemory.New()
	rt, err := runtime.New(runtime.Config{
		Catalog:     store,
		Transcripts: store,
		NewLLM:      func(model.Endpoint) (model.LLM, error) { return llm, nil },
		Events:      bus.Sink(),
		Logger:      &logger,
	})
	require.NoError(t, err)
	s, err := New(Config{Runtime: rt, Endpoints: fixedEndpoint{}, Events: bus, Token: token, Logger: &logger})
	require.NoError(t, err)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, rt: rt, store: store, llm: llm}
}

func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) createSession(t *testing.T) string {
	t.Helper()
	var sess session.Session
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/sessions", map[string]string{"name": "chat"}, &sess))
	return sess.ID
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, "")
	id := h.createSession(t)

	var list []session.Session
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/sessions", nil, &list))
	require.Len(t, list, 1)
	require.Equal(t, "chat", list[0].Name)

	var renamed session.Session
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPatch, "/api/sessions/"+id, map[string]string{"name": "renamed"}, &renamed))
	require.Equal(t, "renamed", renamed.Name)

	var eb errorBody
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPatch, "/api/sessions/"+id, map[string]string{"name": ""}, &eb))
	require.Equal(t, "ERR_INVALID_ARGUMENT", eb.Code)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/sessions/"+id+"/messages", nil, &eb))
	require.Equal(t, "ERR_NOT_FOUND", eb.Code)

	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/sessions/"+id, nil, nil))
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/sessions/"+id, nil, &eb))
}

func TestSendJSON(t *testing.T) {
	h := newHarness(t, &scriptedLLM{chunks: []string{"Hello", ", world"}}, "")
	id := h.createSession(t)

	var res runtime.Result
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"prompt": "hi"}, &res))
	require.Equal(t, "Hello, world", res.Text)
	require.Equal(t, 1, res.Index)
	require.Equal(t, event.StatusDone, res.Status)

	var history historyResponse
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/sessions/"+id+"/messages", nil, &history))
	require.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "Hello, world"},
	}, history.Messages)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions/"+id+"/edit", map[string]any{"index": 0, "prompt": "hey"}, &res))
	require.Equal(t, 1, res.Index)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions/"+id+"/regenerate", map[string]any{"index": 1}, &res))
	require.Equal(t, 1, res.Index)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, "")
	id := h.createSession(t)
	var eb errorBody

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"prompt": " "}, &eb))
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/sessions/"+id+"/regenerate", map[string]any{}, &eb))
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"prompt": "x", "bogus": 1}, &eb))
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/sessions/missing/messages", map[string]any{"prompt": "x"}, &eb))
}

func readSSE(t *testing.T, resp *http.Response) []event.StreamEvent {
	t.Helper()
	var out []event.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		out = append(out, ev)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestSendStreamsSSE(t *testing.T) {
	h := newHarness(t, &scriptedLLM{chunks: []string{"a", "b", "c"}}, "")
	id := h.createSession(t)

	resp, err := http.Post(h.srv.URL+"/api/sessions/"+id+"/messages", "application/json", strings.NewReader(`{"prompt":"go","stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp)
	require.Len(t, events, 4)
	require.Equal(t, "a", events[0].Delta)
	require.Equal(t, "b", events[1].Delta)
	require.Equal(t, "c", events[2].Delta)
	require.Equal(t, event.StatusDone, events[3].Status)
}

func TestStreamFailureEndsWithErrorFrame(t *testing.T) {
	h := newHarness(t, &scriptedLLM{chunks: []string{"Par"}, err: errors.New("reset")}, "")
	id := h.createSession(t)

	resp, err := http.Post(h.srv.URL+"/api/sessions/"+id+"/messages", "application/json", strings.NewReader(`{"prompt":"go","stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	events := readSSE(t, resp)
	require.Len(t, events, 2)
	require.Equal(t, event.StatusError, events[1].Status)
	require.NotEmpty(t, events[1].Error)
}

func TestUpstreamFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, &scriptedLLM{chunks: []string{"Par"}, err: errors.New("reset")}, "")
	id := h.createSession(t)

	var eb errorBody
	require.Equal(t, http.StatusBadGateway, h.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"prompt": "go"}, &eb))
	require.Equal(t, "ERR_UPSTREAM", eb.Code)
	require.NotNil(t, eb.Result)
	require.Equal(t, "Par", eb.Result.Text)
}

func TestConcurrentSendIsConflict(t *testing.T) {
	llm := &scriptedLLM{chunks: []string{"slow", " reply"}, hold: make(chan struct{}), started: make(chan struct{})}
	started := llm.started
	h := newHarness(t, llm, "")
	id := h.createSession(t)

	done := make(chan int, 1)
	go func() {
		var res runtime.Result
		done <- h.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"prompt": "one"}, &res)
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never started")
	}

	var eb errorBody
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"prompt": "two"}, &eb))
	require.Equal(t, "ERR_SESSION_BUSY", eb.Code)

	close(llm.hold)
	require.Equal(t, http.StatusOK, <-done)
}

func TestBearerToken(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, "secret")

	resp, err := http.Get(h.srv.URL + "/api/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsWebsocket(t *testing.T) {
	h := newHarness(t, &scriptedLLM{chunks: []string{"x", "y"}}, "")
	id := h.createSession(t)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The feed subscribes before upgrading, so events published from now on
	// reach it.
	var res runtime.Result
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]any{"prompt": "go"}, &res))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got []event.StreamEvent
	for len(got) < 3 {
		var ev event.StreamEvent
		require.NoError(t, conn.ReadJSON(&ev))
		got = append(got, ev)
	}
	require.Equal(t, "x", got[0].Delta)
	require.Equal(t, "y", got[1].Delta)
	require.Equal(t, event.StatusDone, got[2].Status)
}

func TestSources(t *testing.T) {
	h := newHarness(t, &scriptedLLM{}, "")

	var view sourceView
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/sources", map[string]any{"id": "ds", "api": "deepseek", "apiKey": "k"}, &view))
	require.True(t, view.HasAPIKey)
	require.True(t, view.Enabled)

	var list []map[string]any
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/sources", nil, &list))
	require.Len(t, list, 1)
	require.NotContains(t, list[0], "apiKey")

	var models []session.ModelRecord
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/sources/ds/models", nil, &models))
	require.Empty(t, models)

	var eb errorBody
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/sources", map[string]any{"id": "x", "api": "smtp"}, &eb))
	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/sources/ds", nil, nil))
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/api/sources/ds", nil, &eb))
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, http.StatusConflict, StatusOf(&runtime.SessionBusyError{SessionID: "s"}))
	require.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("plain")))
	require.Equal(t, http.StatusInternalServerError, StatusOf(runtime.NewCodedError(runtime.ErrorCodeIO, "disk")))
}
