// Package event defines the ordered stream events a session operation emits
// and the sinks that deliver them.
package event

import (
	"sync"

	"github.com/pkg/errors"
)

// Status is the kind of a StreamEvent.
type Status string

const (
	// StatusOK carries one content delta.
	StatusOK Status = "ok"
	// StatusError is terminal: the operation failed.
	StatusError Status = "error"
	// StatusDone is terminal: the transcript is durably committed.
	StatusDone Status = "done"
)

// Terminal reports whether s ends an operation's event stream.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusDone
}

// StreamEvent is one incremental notification of a session operation.
// Delta is set only when Status is StatusOK.
type StreamEvent struct {
	SessionID string `json:"sessionId"`
	// Index is the transcript position of the assistant turn being produced.
	Index  int    `json:"index"`
	Delta  string `json:"delta,omitempty"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Delta builds an ok event.
func Delta(sessionID string, index int, delta string) StreamEvent {
	return StreamEvent{SessionID: sessionID, Index: index, Delta: delta, Status: StatusOK}
}

// Done builds the successful terminal event.
func Done(sessionID string, index int) StreamEvent {
	return StreamEvent{SessionID: sessionID, Index: index, Status: StatusDone}
}

// Failed builds the failed terminal event.
func Failed(sessionID string, index int, err error) StreamEvent {
	ev := StreamEvent{SessionID: sessionID, Index: index, Status: StatusError}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// ErrSinkClosed is returned by sinks that no longer accept events.
var ErrSinkClosed = errors.New("event: sink closed")

// Sink receives the events of one operation in order. Implementations must
// not reorder events; the last event of an operation is always terminal.
type Sink interface {
	Emit(StreamEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(StreamEvent) error

func (f SinkFunc) Emit(ev StreamEvent) error {
	if f == nil {
		return nil
	}
	return f(ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(StreamEvent) error { return nil })

// Multi fans one event stream out to several sinks. Every sink receives every
// event; the first error is returned.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return multiSink(out)
}

type multiSink []Sink

func (m multiSink) Emit(ev StreamEvent) error {
	var first error
	for _, s := range m {
		if err := s.Emit(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []StreamEvent
}

func (r *Recorder) Emit(ev StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StreamEvent(nil), r.events...)
}

// Deltas returns the recorded delta contents in order.
func (r *Recorder) Deltas() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Status == StatusOK {
			out = append(out, ev.Delta)
		}
	}
	return out
}

// Terminals returns the recorded terminal events.
func (r *Recorder) Terminals() []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StreamEvent
	for _, ev := range r.events {
		if ev.Status.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}
