package event

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TopicPrefix prefixes the per-session topic on the message bus.
const TopicPrefix = "parley.session."

// Topic returns the bus topic carrying events of sessionID.
func Topic(sessionID string) string {
	return TopicPrefix + sessionID
}

// Publisher is a Sink that publishes every event on the session's topic so
// that other processes (websocket feeds, loggers) can follow along.
type Publisher struct {
	pub message.Publisher
}

func NewPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

func (p *Publisher) Emit(ev StreamEvent) error {
	if p == nil || p.pub == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "event: encode")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("status", string(ev.Status))
	msg.Metadata.Set("session_id", ev.SessionID)
	if err := p.pub.Publish(Topic(ev.SessionID), msg); err != nil {
		return errors.Wrapf(err, "event: publish %s", ev.SessionID)
	}
	return nil
}

// Subscribe follows the events of sessionID on the bus. The returned channel
// closes when ctx is done or the subscriber shuts down. Undecodable messages
// are acknowledged and skipped.
func Subscribe(ctx context.Context, sub message.Subscriber, sessionID string) (<-chan StreamEvent, error) {
	if sub == nil {
		return nil, errors.New("event: subscriber is nil")
	}
	messages, err := sub.Subscribe(ctx, Topic(sessionID))
	if err != nil {
		return nil, errors.Wrapf(err, "event: subscribe %s", sessionID)
	}
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev StreamEvent
				if err := json.Unmarshal(msg.Payload, &ev); err != nil {
					log.Warn().Err(err).Str("session_id", sessionID).Str("message_uuid", msg.UUID).Msg("skip undecodable stream event")
					msg.Ack()
					continue
				}
				select {
				case out <- ev:
					msg.Ack()
				case <-ctx.Done():
					msg.Nack()
					return
				}
			}
		}
	}()
	return out, nil
}
