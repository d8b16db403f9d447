package runtime

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/OnslaughtSnail/parley/kernel/model"
)

// runtimeTestLLM replays scripted chunks. When hold is set it blocks after the
// first chunk until hold is closed or ctx ends.
type runtimeTestLLM struct {
	chunks   []string
	err      error
	complete bool
	hold     chan struct{}
	started  chan struct{}

	startOnce sync.Once
	mu        sync.Mutex
	requests  [][]model.Message
}

func newRuntimeTestLLM(chunks ...string) *runtimeTestLLM {
	return &runtimeTestLLM{chunks: chunks, complete: true, started: make(chan struct{})}
}

func (l *runtimeTestLLM) Name() string {
	return "test-model"
}

func (l *runtimeTestLLM) lastRequest() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.requests) == 0 {
		return nil
	}
	return l.requests[len(l.requests)-1]
}

func (l *runtimeTestLLM) Generate(ctx context.Context, req *model.Request) iter.Seq2[*model.Response, error] {
	l.mu.Lock()
	l.requests = append(l.requests, append([]model.Message(nil), req.Messages...))
	l.mu.Unlock()
	return func(yield func(*model.Response, error) bool) {
		if !req.Stream {
			if l.err != nil {
				yield(nil, l.err)
				return
			}
			yield(&model.Response{
				Message:      model.Message{Role: model.RoleAssistant, Content: strings.Join(l.chunks, "")},
				TurnComplete: true,
				Usage:        model.Usage{TotalTokens: 7},
			}, nil)
			return
		}
		for i, c := range l.chunks {
			if !yield(&model.Response{Message: model.Message{Role: model.RoleAssistant, Content: c}, Partial: true}, nil) {
				return
			}
			if i == 0 {
				l.startOnce.Do(func() { close(l.started) })
				if l.hold != nil {
					select {
					case <-l.hold:
					case <-ctx.Done():
						yield(nil, ctx.Err())
						return
					}
				}
			}
		}
		if l.err != nil {
			yield(nil, l.err)
			return
		}
		if l.complete {
			yield(&model.Response{
				Message:      model.Message{Role: model.RoleAssistant, Content: strings.Join(l.chunks, "")},
				TurnComplete: true,
				Usage:        model.Usage{TotalTokens: 7},
			}, nil)
		}
	}
}
