// Package sessionevents carries session lifecycle events between request
// handlers and live listeners (websocket streams, the silence monitor) over
// Watermill, either in-process or through Redis Streams.
package sessionevents

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/therapist/pkg/session"
)

// Topic is the single stream all session events are published on.
const Topic = "session-events"

const (
	TypeCreated        = "session.created"
	TypeStarted        = "session.started"
	TypePaused         = "session.paused"
	TypeEnded          = "session.ended"
	TypeBillingStarted = "session.billing_started"
	TypeSilence        = "session.silence"
)

// Event is the wire payload for one lifecycle change.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
	At        int64          `json:"at"`
}

// NewEvent captures the session's current status.
func NewEvent(eventType string, s *session.Session) Event {
	return Event{
		Type:      eventType,
		SessionID: s.ID(),
		Status:    s.Status(),
		At:        time.Now().UnixMilli(),
	}
}

// Bus publishes and subscribes session events.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	closer func() error
}

// NewInMemoryBus builds a bus over a watermill Go channel.
func NewInMemoryBus() *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, NewWatermillLogger(log.Logger))
	return &Bus{pub: ch, sub: ch, closer: ch.Close}
}

// NewBus returns an in-memory bus, or a Redis Streams bus when s.Enabled.
func NewBus(ctx context.Context, s Settings) (*Bus, error) {
	if !s.Enabled {
		return NewInMemoryBus(), nil
	}
	return newRedisBus(ctx, s)
}

// NewBusFromPubSub wires an existing publisher/subscriber pair.
func NewBusFromPubSub(pub message.Publisher, sub message.Subscriber) (*Bus, error) {
	if pub == nil {
		return nil, errors.New("session events publisher is nil")
	}
	if sub == nil {
		return nil, errors.New("session events subscriber is nil")
	}
	return &Bus{pub: pub, sub: sub}, nil
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.pub == nil {
		return errors.New("session events bus is not initialized")
	}
	if strings.TrimSpace(ev.SessionID) == "" {
		return errors.New("session event without session id")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal session event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", ev.Type)
	msg.Metadata.Set("session_id", ev.SessionID)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := b.pub.Publish(Topic, msg); err != nil {
		return errors.Wrap(err, "publish session event")
	}
	return nil
}

// PublishStatus publishes the current status of s, logging instead of failing.
// Lifecycle handlers use it so a broken transport never fails a client call.
func (b *Bus) PublishStatus(ctx context.Context, eventType string, s *session.Session) {
	if b == nil || s == nil {
		return
	}
	if err := b.Publish(ctx, NewEvent(eventType, s)); err != nil {
		log.Warn().Err(err).Str("component", "sessionevents").Str("session_id", s.ID()).Str("type", eventType).Msg("failed to publish session event")
	}
}

// Subscribe decodes events from the topic until ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	if b == nil || b.sub == nil {
		return nil, errors.New("session events bus is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	msgs, err := b.sub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe session events")
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "sessionevents").Msg("failed to decode session event")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	if b.closer != nil {
		return b.closer()
	}
	var errs []error
	if err := b.pub.Close(); err != nil {
		errs = append(errs, err)
	}
	if b.sub != nil {
		if err := b.sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "close session events bus")
	}
	return nil
}
