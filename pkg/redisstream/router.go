package redisstream

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
	"github.com/rs/zerolog/log"
)

// Transport is a publisher plus a way to obtain subscribers. Every call to
// NewSubscriber yields an independent fan-out subscriber, so each consumer
// sees every message published after it subscribed.
type Transport struct {
	Publisher message.Publisher

	newSubscriber func(ctx context.Context, topic string) (message.Subscriber, error)
	closers       []func() error
}

// NewSubscriber returns a subscriber dedicated to one consumer of topic.
func (t *Transport) NewSubscriber(ctx context.Context, topic string) (message.Subscriber, error) {
	return t.newSubscriber(ctx, topic)
}

func (t *Transport) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BuildTransport constructs a Redis Streams transport when enabled and an
// in-memory go-channel transport otherwise.
func BuildTransport(s Settings) (*Transport, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		return newGoChannelTransport(logger), nil
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	t, err := NewRedisTransport(client, s, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	t.closers = append(t.closers, client.Close)
	return t, nil
}

func newGoChannelTransport(logger watermill.LoggerAdapter) *Transport {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return &Transport{
		Publisher: ps,
		newSubscriber: func(context.Context, string) (message.Subscriber, error) {
			return noCloseSubscriber{ps}, nil
		},
		closers: []func() error{ps.Close},
	}
}

// NewRedisTransport builds the Redis Streams transport on an existing client.
// Each subscriber gets its own consumer group created at the stream tail.
func NewRedisTransport(client redis.UniversalClient, s Settings, logger watermill.LoggerAdapter) (*Transport, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis stream publisher")
	}
	group := s.Group
	if group == "" {
		group = DefaultSettings().Group
	}
	consumer := s.Consumer
	if consumer == "" {
		consumer = DefaultSettings().Consumer
	}
	return &Transport{
		Publisher: pub,
		newSubscriber: func(ctx context.Context, topic string) (message.Subscriber, error) {
			g := group + "-" + uuid.NewString()
			if err := EnsureGroupAtTail(ctx, client, topic, g); err != nil {
				return nil, err
			}
			sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
				Client:        client,
				Unmarshaller:  marshaler,
				ConsumerGroup: g,
				Consumer:      consumer,
			}, logger)
			if err != nil {
				return nil, err
			}
			return &groupSubscriber{Subscriber: sub, client: client, stream: topic, group: g}, nil
		},
		closers: []func() error{pub.Close},
	}, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Debug().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// groupSubscriber removes its throwaway consumer group on close.
type groupSubscriber struct {
	message.Subscriber
	client redis.UniversalClient
	stream string
	group  string
}

func (g *groupSubscriber) Close() error {
	err := g.Subscriber.Close()
	if derr := g.client.XGroupDestroy(context.Background(), g.stream, g.group).Err(); derr != nil {
		log.Debug().Err(derr).Str("group", g.group).Msg("could not destroy consumer group")
	}
	return err
}

// noCloseSubscriber shares the go-channel pubsub; closing one consumer must
// not close it for everyone. Consumers stop by cancelling their context.
type noCloseSubscriber struct {
	message.Subscriber
}

func (noCloseSubscriber) Close() error { return nil }
