// Package redis provides a Redis pub/sub implementation of bus.Bus for
// multi-instance deployments.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/collabkit/collab-server-go/bus"
)

// Config for the Redis-backed bus. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ChannelPrefix for all pub/sub channels. ENV: COLLAB_BUS_CHANNEL_PREFIX
	ChannelPrefix string `env:"COLLAB_BUS_CHANNEL_PREFIX,default=collab:bus:"`
}

// Bus implements bus.Bus on Redis pub/sub channels.
type Bus struct {
	client *redis.Client
	prefix string
	log    *slog.Logger

	mu   sync.Mutex
	subs map[*redis.PubSub]context.CancelFunc
}

func New(cfg Config, log *slog.Logger) (*Bus, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "collab:bus:"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{client: cl, prefix: prefix, log: log, subs: make(map[*redis.PubSub]context.CancelFunc)}, nil
}

// NewFromEnv builds a Bus using envdecode to populate Config.
func NewFromEnv(log *slog.Logger) (*Bus, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, log)
}

func (b *Bus) channel(topic string) string { return b.prefix + topic }

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements bus.Bus. Each subscription runs its own receive loop;
// the returned func stops the loop and closes the underlying channel.
func (b *Bus) Subscribe(ctx context.Context, topic string, h bus.Handler) (func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel(topic))

	// Force the subscription to be established before returning so callers
	// can publish immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	b.mu.Lock()
	b.subs[pubsub] = cancel
	b.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h(loopCtx, []byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, pubsub)
			b.mu.Unlock()
			cancel()
			if err := pubsub.Close(); err != nil {
				b.log.Warn("pubsub close failed", "topic", topic, "error", err)
			}
		})
	}

	return unsubscribe, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	for pubsub, cancel := range b.subs {
		cancel()
		_ = pubsub.Close()
	}
	b.subs = make(map[*redis.PubSub]context.CancelFunc)
	b.mu.Unlock()
	return b.client.Close()
}

var _ bus.Bus = (*Bus)(nil)
