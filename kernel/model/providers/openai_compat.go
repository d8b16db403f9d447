package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"strings"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/pkg/errors"
)

type openAICompatLLM struct {
	name     string
	provider string
	baseURL  string
	token    string
	headers  map[string]string
	client   *http.Client
}

func newOpenAICompat(api APIType, ep model.Endpoint, client *http.Client) *openAICompatLLM {
	if client == nil {
		// No client timeout: it would cover the whole streamed body. The
		// caller's context bounds the call.
		client = &http.Client{}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(ep.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL(api)
	}
	return &openAICompatLLM{
		name:     ep.Model,
		provider: string(api),
		baseURL:  baseURL,
		token:    strings.TrimSpace(ep.APIKey),
		headers:  ep.Headers,
		client:   client,
	}
}

func (l *openAICompatLLM) Name() string {
	return l.name
}

func (l *openAICompatLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		if req == nil {
			yield(nil, errors.New("model: request is nil"))
			return
		}
		raw, err := json.Marshal(openAICompatRequest{
			Model:    l.name,
			Messages: fromKernelMessages(req.Messages),
			Stream:   req.Stream,
		})
		if err != nil {
			yield(nil, errors.Wrap(err, "providers: encode request"))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/chat/completions", bytes.NewReader(raw))
		if err != nil {
			yield(nil, model.Upstream(err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if req.Stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}
		if l.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+l.token)
		}
		for k, v := range l.headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := l.client.Do(httpReq)
		if err != nil {
			yield(nil, model.Upstream(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			yield(nil, statusError(resp))
			return
		}

		if !req.Stream {
			l.generateBuffered(resp, yield)
			return
		}
		l.generateStream(resp, yield)
	}
}

func (l *openAICompatLLM) generateBuffered(resp *http.Response, yield func(*model.Response, error) bool) {
	var out openAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		yield(nil, model.Upstream(errors.Wrap(err, "malformed response body")))
		return
	}
	if out.Error != nil && out.Error.Message != "" {
		yield(nil, model.Upstream(errors.New(out.Error.Message)))
		return
	}
	if len(out.Choices) == 0 {
		yield(nil, model.Upstream(errors.New("empty choices")))
		return
	}
	yield(&model.Response{
		Message: model.Message{
			Role:    model.RoleAssistant,
			Content: out.Choices[0].Message.Content,
		},
		TurnComplete: true,
		Model:        out.Model,
		Provider:     l.provider,
		Usage:        out.Usage.kernel(),
	}, nil)
}

func (l *openAICompatLLM) generateStream(resp *http.Response, yield func(*model.Response, error) bool) {
	var (
		text         strings.Builder
		usage        model.Usage
		modelName    = l.name
		finishReason string
		stopped      bool
	)
	sawDone, err := readSSE(resp.Body, func(data []byte) error {
		var chunk openAICompatStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return model.Upstream(errors.Wrap(err, "malformed stream frame"))
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return model.Upstream(errors.New(chunk.Error.Message))
		}
		if u := chunk.Usage.kernel(); u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0 {
			usage = u
		}
		if chunk.Model != "" {
			modelName = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content == "" {
			return nil
		}
		text.WriteString(choice.Delta.Content)
		if !yield(&model.Response{
			Message: model.Message{
				Role:    model.RoleAssistant,
				Content: choice.Delta.Content,
			},
			Partial:  true,
			Model:    modelName,
			Provider: l.provider,
		}, nil) {
			stopped = true
			return errStopSSE
		}
		return nil
	})
	if stopped {
		return
	}
	if err != nil {
		yield(nil, model.Upstream(err))
		return
	}
	if !sawDone && finishReason == "" {
		yield(nil, model.Upstream(model.ErrIncompleteStream))
		return
	}
	yield(&model.Response{
		Message: model.Message{
			Role:    model.RoleAssistant,
			Content: text.String(),
		},
		TurnComplete: true,
		Model:        modelName,
		Provider:     l.provider,
		Usage:        usage,
	}, nil)
}

type openAICompatRequest struct {
	Model    string            `json:"model"`
	Messages []openAICompatMsg `json:"messages"`
	Stream   bool              `json:"stream"`
}

type openAICompatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u openAICompatUsage) kernel() model.Usage {
	return model.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type openAICompatErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

type openAICompatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAICompatMsg `json:"message"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Usage openAICompatUsage       `json:"usage"`
	Error *openAICompatErrorBody `json:"error,omitempty"`
}

type openAICompatStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta        openAICompatMsg `json:"delta"`
		FinishReason string          `json:"finish_reason"`
	} `json:"choices"`
	Usage openAICompatUsage       `json:"usage"`
	Error *openAICompatErrorBody `json:"error,omitempty"`
}

func fromKernelMessages(messages []model.Message) []openAICompatMsg {
	out := make([]openAICompatMsg, 0, len(messages))
	for _, m := range messages {
		out = append(out, openAICompatMsg{Role: string(m.Role), Content: m.Content})
	}
	return out
}
