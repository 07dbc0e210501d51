// Package eventbus carries relay StreamEvents to observers: a watermill topic per conversation
// channel (in-memory or Redis Streams) and direct server-sent events.
package eventbus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatrelay/pkg/redisstream"
)

// Backend wraps transport setup concerns (in-memory or redis) and exposes the publisher
// relays write to and per-channel subscriptions for forwarders.
type Backend interface {
	Publisher() message.Publisher
	// Subscribe delivers messages published on channel after the call until ctx is done.
	// Every message must be acked.
	Subscribe(ctx context.Context, channel string) (<-chan *message.Message, error)
	Close() error
}

// NewBackend picks Redis Streams when enabled, otherwise an in-process gochannel.
func NewBackend(ctx context.Context, s redisstream.Settings, logger zerolog.Logger) (Backend, error) {
	wl := redisstream.NewWatermillLogger(logger)
	if !s.Enabled {
		return NewMemoryBackend(wl), nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s = s.WithInstance()
	client := redisstream.NewClient(s)
	if err := redisstream.Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	pub, err := redisstream.BuildPublisher(client, wl)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info().Str("component", "eventbus").Str("addr", s.Addr).Str("group", s.InstanceGroup()).Msg("using redis streams transport")
	return &redisBackend{client: client, settings: s, pub: pub, logger: wl}, nil
}

type memoryBackend struct {
	ch *gochannel.GoChannel
}

// NewMemoryBackend keeps events in process. Publishing blocks until current subscribers ack,
// which keeps per-channel delivery ordered.
func NewMemoryBackend(logger watermill.LoggerAdapter) Backend {
	return &memoryBackend{ch: gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)}
}

func (b *memoryBackend) Publisher() message.Publisher { return b.ch }

func (b *memoryBackend) Subscribe(ctx context.Context, channel string) (<-chan *message.Message, error) {
	if channel == "" {
		return nil, errors.New("channel is empty")
	}
	return b.ch.Subscribe(ctx, channel)
}

func (b *memoryBackend) Close() error { return b.ch.Close() }

type redisBackend struct {
	client   *redis.Client
	settings redisstream.Settings
	pub      message.Publisher
	logger   watermill.LoggerAdapter

	mu   sync.Mutex
	subs map[message.Subscriber]struct{}
}

func (b *redisBackend) Publisher() message.Publisher { return b.pub }

func (b *redisBackend) Subscribe(ctx context.Context, channel string) (<-chan *message.Message, error) {
	if channel == "" {
		return nil, errors.New("channel is empty")
	}
	group := b.settings.InstanceGroup()
	if err := redisstream.EnsureGroupAtTail(ctx, b.client, channel, group); err != nil {
		return nil, err
	}
	sub, err := redisstream.BuildGroupSubscriber(b.client, group, b.settings.ConsumerFor(channel), b.logger)
	if err != nil {
		return nil, err
	}
	ch, err := sub.Subscribe(ctx, channel)
	if err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", channel)
	}
	b.track(sub)
	go func() {
		<-ctx.Done()
		b.untrack(sub)
		_ = sub.Close()
	}()
	return ch, nil
}

func (b *redisBackend) track(sub message.Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = map[message.Subscriber]struct{}{}
	}
	b.subs[sub] = struct{}{}
}

func (b *redisBackend) untrack(sub message.Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

func (b *redisBackend) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for sub := range subs {
		_ = sub.Close()
	}
	err := b.pub.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
