package model

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrIncompleteStream is the cause attached when a stream ends without the
// upstream's completion marker.
var ErrIncompleteStream = errors.New("model: stream ended before completion")

// Complete performs one buffered completion call and returns the final response.
func Complete(ctx context.Context, llm LLM, messages []Message) (*Response, error) {
	if llm == nil {
		return nil, errors.New("model: llm is nil")
	}
	var final *Response
	for resp, err := range llm.Generate(ctx, &Request{Messages: messages, Stream: false}) {
		if err != nil {
			return nil, Upstream(err)
		}
		if resp != nil && resp.TurnComplete {
			final = resp
		}
	}
	if final == nil {
		return nil, Upstream(ErrIncompleteStream)
	}
	return final, nil
}

// Stream performs one streamed completion call. onDelta is invoked synchronously
// and in order for every content fragment. Fragments delivered before a failure
// are not retracted. An error returned by onDelta aborts the stream and is
// returned unchanged.
func Stream(ctx context.Context, llm LLM, messages []Message, onDelta func(string) error) (*Response, error) {
	if llm == nil {
		return nil, errors.New("model: llm is nil")
	}
	var (
		text  strings.Builder
		final *Response
	)
	for resp, err := range llm.Generate(ctx, &Request{Messages: messages, Stream: true}) {
		if err != nil {
			return nil, Upstream(err)
		}
		if resp == nil {
			continue
		}
		if resp.TurnComplete {
			final = resp
			break
		}
		delta := resp.Message.Content
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return nil, err
			}
		}
	}
	if final == nil {
		if err := ctx.Err(); err != nil {
			return nil, Upstream(err)
		}
		return nil, Upstream(ErrIncompleteStream)
	}
	// Providers report the accumulated text on the final chunk; fall back to
	// what was observed when they do not.
	if final.Message.Content == "" {
		final.Message.Content = text.String()
	}
	final.Message.Role = RoleAssistant
	return final, nil
}
