package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OnslaughtSnail/parley/kernel/model"
)

func collect(t *testing.T, llm model.LLM, stream bool) ([]string, *model.Response, error) {
	t.Helper()
	var (
		deltas []string
		final  *model.Response
		gotErr error
	)
	for resp, err := range llm.Generate(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
		Stream:   stream,
	}) {
		if err != nil {
			gotErr = err
			continue
		}
		if resp.TurnComplete {
			final = resp
			continue
		}
		deltas = append(deltas, resp.Message.Content)
	}
	return deltas, final, gotErr
}

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testEndpoint(baseURL string) model.Endpoint {
	return model.Endpoint{
		API:     string(APIOpenAICompatible),
		BaseURL: baseURL,
		APIKey:  "token",
		Model:   "test-model",
		Timeout: 2 * time.Second,
	}
}

func TestOpenAICompatStream_DeliversDeltasInOrder(t *testing.T) {
	server := sseServer(t,
		`{"model":"test-model","choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"model":"test-model","choices":[{"delta":{"content":"lo, "}}]}`,
		`{"model":"test-model","choices":[{"delta":{"content":"world"},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)
	llm, err := New(testEndpoint(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	deltas, final, err := collect(t, llm, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(deltas, "|") != "Hel|lo, |world" {
		t.Fatalf("unexpected deltas %q", deltas)
	}
	if final == nil || final.Message.Content != "Hello, world" {
		t.Fatalf("unexpected final response %+v", final)
	}
}

func TestOpenAICompatStream_PropagatesSSEErrorsWithoutTurnComplete(t *testing.T) {
	server := sseServer(t,
		`{"model":"test-model","choices":[{"delta":{"content":"hello"}}]}`,
		`{invalid-json}`,
		`[DONE]`,
	)
	llm, err := New(testEndpoint(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	deltas, final, gotErr := collect(t, llm, true)
	if gotErr == nil {
		t.Fatalf("expected stream error, got nil")
	}
	if !model.IsUpstream(gotErr) {
		t.Fatalf("expected upstream error, got %T %v", gotErr, gotErr)
	}
	if final != nil {
		t.Fatalf("did not expect turn_complete on stream error")
	}
	if len(deltas) != 1 || deltas[0] != "hello" {
		t.Fatalf("expected delivered delta to be kept, got %q", deltas)
	}
}

func TestOpenAICompatStream_TruncatedStreamIsUpstreamError(t *testing.T) {
	server := sseServer(t,
		`{"model":"test-model","choices":[{"delta":{"content":"Par"}}]}`,
		`{"model":"test-model","choices":[{"delta":{"content":"tial"}}]}`,
	)
	llm, err := New(testEndpoint(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	deltas, final, gotErr := collect(t, llm, true)
	if !errors.Is(gotErr, model.ErrIncompleteStream) {
		t.Fatalf("expected incomplete stream error, got %v", gotErr)
	}
	if final != nil || len(deltas) != 2 {
		t.Fatalf("unexpected result deltas=%q final=%+v", deltas, final)
	}
}

func TestOpenAICompatStream_FinishReasonWithoutDoneCompletes(t *testing.T) {
	server := sseServer(t,
		`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
	)
	llm, err := New(testEndpoint(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	_, final, gotErr := collect(t, llm, true)
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if final.Usage.TotalTokens != 4 {
		t.Fatalf("expected usage to be carried, got %+v", final.Usage)
	}
}

func TestOpenAICompat_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer server.Close()

	llm, err := New(testEndpoint(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	_, _, gotErr := collect(t, llm, false)
	var upstream *model.UpstreamError
	if !errors.As(gotErr, &upstream) {
		t.Fatalf("expected *model.UpstreamError, got %T", gotErr)
	}
	if upstream.StatusCode != http.StatusUnauthorized || !strings.Contains(upstream.Body, "bad key") {
		t.Fatalf("unexpected upstream error %+v", upstream)
	}
}

func TestOpenAICompat_BufferedRequestShape(t *testing.T) {
	var got openAICompatRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"model":"test-model","choices":[{"message":{"role":"assistant","content":"full reply"}}]}`)
	}))
	defer server.Close()

	llm, err := New(testEndpoint(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := model.Complete(context.Background(), llm, []model.Message{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "full reply" {
		t.Fatalf("unexpected reply %q", resp.Message.Content)
	}
	if auth != "Bearer token" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if got.Model != "test-model" || got.Stream || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected request payload %+v", got)
	}
}

func TestOpenAICompat_MalformedBufferedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"choices":[`)
	}))
	defer server.Close()

	llm, err := New(testEndpoint(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	_, final, gotErr := collect(t, llm, false)
	if !model.IsUpstream(gotErr) || final != nil {
		t.Fatalf("expected upstream error, got %v (final=%+v)", gotErr, final)
	}
}

func TestFactoryRejectsUnknownAPI(t *testing.T) {
	if _, err := New(model.Endpoint{API: "anthropic", Model: "x", BaseURL: "http://x"}); err == nil {
		t.Fatalf("expected unsupported api error")
	}
	if _, err := New(model.Endpoint{API: "openai_compatible", Model: "x"}); err == nil {
		t.Fatalf("expected missing base url error")
	}
	if _, err := New(model.Endpoint{API: "deepseek", Model: "deepseek-chat"}); err != nil {
		t.Fatalf("deepseek should fall back to default base url: %v", err)
	}
}

func TestDiscoverModels_OpenAI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		_, _ = fmt.Fprint(w, `{"data":[{"id":"b-model","owned_by":"acme"},{"id":"a-model","context_window":8192},{"id":" "}]}`)
	}))
	defer server.Close()

	models, err := DiscoverModels(context.Background(), testEndpoint(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 || models[0].Name != "a-model" || models[0].ContextWindowTokens != 8192 || models[1].OwnedBy != "acme" {
		t.Fatalf("unexpected models %+v", models)
	}
}

func TestDiscoverModels_Ollama(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = fmt.Fprint(w, `{"models":[{"name":"llama3:8b","size":4661224676}]}`)
	}))
	defer server.Close()

	models, err := DiscoverModels(context.Background(), model.Endpoint{API: "ollama", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].Name != "llama3:8b" || models[0].SizeBytes != 4661224676 {
		t.Fatalf("unexpected models %+v", models)
	}
}

func TestReadSSE_JoinsMultilineData(t *testing.T) {
	input := "event: message\ndata: {\"a\":\ndata: 1}\n\ndata: [DONE]\n\n"
	var frames []string
	done, err := readSSE(strings.NewReader(input), func(data []byte) error {
		frames = append(frames, string(data))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !done || len(frames) != 1 || frames[0] != "{\"a\":\n1}" {
		t.Fatalf("unexpected frames=%q done=%v", frames, done)
	}
}

func pausingSSEServer(t *testing.T, pause time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		flusher.Flush()
		select {
		case <-time.After(pause):
		case <-r.Context().Done():
			return
		}
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAICompatStream_EndpointTimeoutDoesNotCapBody(t *testing.T) {
	server := pausingSSEServer(t, 300*time.Millisecond)
	ep := testEndpoint(server.URL)
	ep.Timeout = 50 * time.Millisecond
	llm, err := New(ep)
	if err != nil {
		t.Fatal(err)
	}
	if client := llm.(*openAICompatLLM).client; client.Timeout != 0 {
		t.Fatalf("expected no client timeout, got %s", client.Timeout)
	}
	deltas, final, err := collect(t, llm, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(deltas, "|") != "Hel|lo" || final == nil {
		t.Fatalf("unexpected stream %q final=%+v", deltas, final)
	}
}

func TestOpenAICompatStream_ContextDeadlineBoundsBody(t *testing.T) {
	server := pausingSSEServer(t, 10*time.Second)
	llm, err := New(testEndpoint(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var deltas []string
	var gotErr error
	for resp, err := range llm.Generate(ctx, &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
		Stream:   true,
	}) {
		if err != nil {
			gotErr = err
			break
		}
		if !resp.TurnComplete {
			deltas = append(deltas, resp.Message.Content)
		}
	}
	if gotErr == nil {
		t.Fatal("expected an error once the context deadline passed")
	}
	if strings.Join(deltas, "|") != "Hel" {
		t.Fatalf("unexpected deltas %q", deltas)
	}
}
