// Package eventbus carries stream events between processes over watermill,
// either in process (gochannel) or through Redis Streams.
package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/OnslaughtSnail/parley/internal/logging"
	"github.com/OnslaughtSnail/parley/kernel/event"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Settings struct {
	Backend  string
	Addr     string
	Group    string
	Consumer string
}

// Bus publishes stream events and opens per-session feeds.
type Bus struct {
	backend   string
	publisher message.Publisher
	// memory backend: the same gochannel serves every subscription.
	channel *gochannel.GoChannel
	// redis backend.
	client   redis.UniversalClient
	settings Settings
	wmLogger watermill.LoggerAdapter
	logger   zerolog.Logger
}

// New opens the bus described by s.
func New(s Settings, logger zerolog.Logger) (*Bus, error) {
	wmLogger := logging.NewWatermill(logger)
	backend := strings.ToLower(strings.TrimSpace(s.Backend))
	b := &Bus{backend: backend, settings: s, wmLogger: wmLogger, logger: logger.With().Str("component", "eventbus").Logger()}
	switch backend {
	case "", BackendMemory:
		b.backend = BackendMemory
		b.channel = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
			// Events of one session must reach each feed in publish order.
			BlockPublishUntilSubscriberAck: true,
		}, wmLogger)
		b.publisher = b.channel
	case BackendRedis:
		if strings.TrimSpace(s.Addr) == "" {
			return nil, errors.New("eventbus: redis addr is required")
		}
		b.client = redis.NewClient(&redis.Options{Addr: s.Addr})
		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     b.client,
			Marshaller: rstream.DefaultMarshallerUnmarshaller{},
		}, wmLogger)
		if err != nil {
			_ = b.client.Close()
			return nil, errors.Wrap(err, "eventbus: redis publisher")
		}
		b.publisher = pub
	default:
		return nil, errors.Errorf("eventbus: unknown backend %q", s.Backend)
	}
	return b, nil
}

// Backend reports memory or redis.
func (b *Bus) Backend() string {
	return b.backend
}

// Sink returns an event.Sink publishing on the bus.
func (b *Bus) Sink() event.Sink {
	return event.NewPublisher(b.publisher)
}

// Follow streams the events of sessionID until ctx is done.
func (b *Bus) Follow(ctx context.Context, sessionID string) (<-chan event.StreamEvent, error) {
	if b.backend == BackendMemory {
		return event.Subscribe(ctx, b.channel, sessionID)
	}
	// Each feed gets its own consumer group created at the stream tail, so
	// every follower sees every event and none replays history.
	group := b.settings.Group
	if group == "" {
		group = "parley"
	}
	group = group + ":" + uuid.NewString()
	if err := ensureGroupAtTail(ctx, b.client, event.Topic(sessionID), group); err != nil {
		return nil, err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      b.settings.Consumer,
	}, b.wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "eventbus: redis subscriber")
	}
	events, err := event.Subscribe(ctx, sub, sessionID)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	go func() {
		<-ctx.Done()
		if err := sub.Close(); err != nil {
			b.logger.Warn().Err(err).Str("session_id", sessionID).Msg("close redis subscriber")
		}
		if err := b.client.XGroupDestroy(context.Background(), event.Topic(sessionID), group).Err(); err != nil {
			b.logger.Debug().Err(err).Str("group", group).Msg("destroy consumer group")
		}
	}()
	return events, nil
}

func ensureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "eventbus: create consumer group %s", group)
	}
	return nil
}

func (b *Bus) Close() error {
	var first error
	if b.publisher != nil {
		first = b.publisher.Close()
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
