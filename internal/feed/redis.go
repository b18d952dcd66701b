package feed

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "listen-engine/internal/errors"
	"listen-engine/pkg/logger"
)

// DefaultRedisChannel is the pub/sub channel price updates are published on.
const DefaultRedisChannel = "price_updates"

// RedisConfig describes the Redis pub/sub connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisSubscriber consumes ticks from a Redis pub/sub channel.
type RedisSubscriber struct {
	client  redis.UniversalClient
	channel string
	log     *slog.Logger
	owned   bool
}

// NewRedisSubscriber dials Redis and verifies the connection.
func NewRedisSubscriber(ctx context.Context, cfg RedisConfig) (*RedisSubscriber, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeFeedFailure, err, "connect redis")
	}
	s := NewRedisSubscriberFromClient(client, cfg.Channel)
	s.owned = true
	return s, nil
}

// NewRedisSubscriberFromClient reuses an existing client. Close leaves the client open.
func NewRedisSubscriberFromClient(client redis.UniversalClient, channel string) *RedisSubscriber {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSubscriber{
		client:  client,
		channel: channel,
		log:     logger.Named("feed.redis").With(slog.String("channel", channel)),
	}
}

// Run implements Subscriber.
func (s *RedisSubscriber) Run(ctx context.Context, out chan<- Tick) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeFeedFailure, err, "subscribe "+s.channel)
	}
	s.log.Info("subscribed to price feed")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return xerrors.New(xerrors.CodeFeedFailure, "redis subscription closed")
			}
			if err := forward(ctx, s.log, []byte(msg.Payload), out); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
		}
	}
}

// Close implements Subscriber.
func (s *RedisSubscriber) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
