// Package eventbus wires the relay engine to the subscription hub. The
// default backend is an in-process go-channel pub/sub; Redis Streams
// can be enabled to share events with external consumers.
package eventbus

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	RedisEnabled  bool   `mapstructure:"redis-enabled"`
	RedisAddr     string `mapstructure:"redis-addr"`
	RedisGroup    string `mapstructure:"redis-group"`
	RedisConsumer string `mapstructure:"redis-consumer"`
}

// Bus bundles the publisher and subscriber halves; with the go-channel
// backend both are the same object.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

func Build(s Settings) (*Bus, error) {
	logger := newWatermillLogger(log.Logger)

	if !s.RedisEnabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Bus{Publisher: ch, Subscriber: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	marshaller := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "build redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaller,
		ConsumerGroup: s.RedisGroup,
		Consumer:      s.RedisConsumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "build redis subscriber")
	}
	log.Info().Str("component", "eventbus").Str("addr", s.RedisAddr).Str("group", s.RedisGroup).Msg("using redis streams event bus")
	return &Bus{Publisher: pub, Subscriber: sub}, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.Publisher != nil {
		if err := b.Publisher.Close(); err != nil {
			firstErr = err
		}
	}
	// With the go-channel backend both halves are the same closer.
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		if err := b.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
