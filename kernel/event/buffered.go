package event

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultBufferSize = 64

// Buffered decouples a slow sink from the producer. Events are queued in a
// bounded buffer and delivered in order by one goroutine; Emit blocks only
// while the buffer is full. Close flushes the queue.
type Buffered struct {
	next   Sink
	queue  chan StreamEvent
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewBuffered starts a delivery goroutine feeding next. size <= 0 selects a
// default capacity.
func NewBuffered(next Sink, size int) *Buffered {
	if size <= 0 {
		size = defaultBufferSize
	}
	if next == nil {
		next = Discard
	}
	b := &Buffered{
		next:   next,
		queue:  make(chan StreamEvent, size),
		done:   make(chan struct{}),
		logger: log.With().Str("component", "event.buffered").Logger(),
	}
	go b.run()
	return b
}

func (b *Buffered) run() {
	defer close(b.done)
	for ev := range b.queue {
		if err := b.next.Emit(ev); err != nil {
			b.logger.Warn().Err(err).Str("session_id", ev.SessionID).Str("status", string(ev.Status)).Msg("sink delivery failed")
		}
	}
}

func (b *Buffered) Emit(ev StreamEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrSinkClosed
	}
	b.queue <- ev
	return nil
}

// Close stops accepting events and waits until queued ones are delivered.
func (b *Buffered) Close() error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})
	<-b.done
	return nil
}
