package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusOK.Terminal())
	require.True(t, StatusDone.Terminal())
	require.True(t, StatusError.Terminal())
}

func TestFailedCarriesMessage(t *testing.T) {
	ev := Failed("s", 3, errors.New("boom"))
	require.Equal(t, StatusError, ev.Status)
	require.Equal(t, "boom", ev.Error)
	require.Equal(t, 3, ev.Index)
	require.Empty(t, Failed("s", 0, nil).Error)
}

func TestMultiDeliversToAllAndReturnsFirstError(t *testing.T) {
	var a, b Recorder
	boom := errors.New("boom")
	sink := Multi(&a, nil, SinkFunc(func(StreamEvent) error { return boom }), &b)
	require.ErrorIs(t, sink.Emit(Delta("s", 1, "x")), boom)
	require.Equal(t, []string{"x"}, a.Deltas())
	require.Equal(t, []string{"x"}, b.Deltas())
}

func TestBufferedPreservesOrderWithSlowSink(t *testing.T) {
	var rec Recorder
	slow := SinkFunc(func(ev StreamEvent) error {
		time.Sleep(time.Millisecond)
		return rec.Emit(ev)
	})
	b := NewBuffered(slow, 2)
	want := []string{"a", "b", "c", "d", "e"}
	for _, d := range want {
		require.NoError(t, b.Emit(Delta("s", 1, d)))
	}
	require.NoError(t, b.Emit(Done("s", 1)))
	require.NoError(t, b.Close())

	require.Equal(t, want, rec.Deltas())
	events := rec.Events()
	require.Equal(t, StatusDone, events[len(events)-1].Status)
	require.ErrorIs(t, b.Emit(Delta("s", 1, "late")), ErrSinkClosed)
	require.NoError(t, b.Close())
}

func TestBufferedToleratesFailingSink(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	b := NewBuffered(SinkFunc(func(StreamEvent) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("down")
	}), 0)
	require.NoError(t, b.Emit(Delta("s", 0, "x")))
	require.NoError(t, b.Emit(Done("s", 0)))
	require.NoError(t, b.Close())
	require.Equal(t, 2, calls)
}

func TestPublisherRoundTripThroughBus(t *testing.T) {
	bus := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NopLogger{})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := Subscribe(ctx, bus, "s1")
	require.NoError(t, err)

	pub := NewPublisher(bus)
	published := make(chan error, 1)
	go func() {
		for _, ev := range []StreamEvent{
			Delta("s1", 1, "Hel"),
			Delta("s1", 1, "lo"),
			Delta("other", 0, "ignored"),
			Done("s1", 1),
		} {
			if err := pub.Emit(ev); err != nil {
				published <- err
				return
			}
		}
		published <- nil
	}()

	var got []StreamEvent
	for ev := range events {
		got = append(got, ev)
		if ev.Status.Terminal() {
			break
		}
	}
	require.NoError(t, <-published)
	require.Len(t, got, 3)
	require.Equal(t, "Hel", got[0].Delta)
	require.Equal(t, "lo", got[1].Delta)
	require.Equal(t, StatusDone, got[2].Status)
}
