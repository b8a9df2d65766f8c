package sessionevents

import (
	"context"
	"os"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Settings holds Redis Streams transport configuration.
type Settings struct {
	Enabled bool
	Addr    string
	// Group is the consumer group. Give every server instance its own group
	// so each one sees all events.
	Group    string
	Consumer string
}

func (s Settings) withDefaults() Settings {
	if strings.TrimSpace(s.Addr) == "" {
		s.Addr = "localhost:6379"
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	if strings.TrimSpace(s.Group) == "" {
		s.Group = "therapist-" + host
	}
	if strings.TrimSpace(s.Consumer) == "" {
		s.Consumer = host
	}
	return s
}

func newRedisBus(ctx context.Context, s Settings) (*Bus, error) {
	s = s.withDefaults()
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := ensureGroupAtTail(ctx, client, Topic, s.Group); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger := NewWatermillLogger(log.Logger)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}

	log.Info().Str("component", "sessionevents").Str("addr", s.Addr).Str("group", s.Group).Msg("session events over redis streams")
	return &Bus{
		pub: pub,
		sub: sub,
		closer: func() error {
			perr := pub.Close()
			serr := sub.Close()
			cerr := client.Close()
			for _, err := range []error{perr, serr, cerr} {
				if err != nil {
					return errors.Wrap(err, "close redis session events bus")
				}
			}
			return nil
		},
	}, nil
}

// ensureGroupAtTail creates the consumer group at "$" so a new group does not
// replay the whole stream history.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create redis consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
