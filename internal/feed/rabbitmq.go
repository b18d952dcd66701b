package feed

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "listen-engine/internal/errors"
	"listen-engine/pkg/logger"
)

// DefaultRabbitMQQueue is the queue price updates are consumed from.
const DefaultRabbitMQQueue = "listen.price_updates"

// RabbitMQConfig describes the RabbitMQ connection.
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQSubscriber consumes ticks from a RabbitMQ queue with manual acks.
type RabbitMQSubscriber struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *slog.Logger
}

// NewRabbitMQSubscriber dials the broker and declares the queue.
func NewRabbitMQSubscriber(cfg RabbitMQConfig) (*RabbitMQSubscriber, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rabbitmq url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = DefaultRabbitMQQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFeedFailure, err, "connect rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeFeedFailure, err, "open rabbitmq channel")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeFeedFailure, err, "set rabbitmq qos")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeFeedFailure, err, fmt.Sprintf("declare queue %s", queue))
	}
	return &RabbitMQSubscriber{
		conn:  conn,
		ch:    ch,
		queue: queue,
		log:   logger.Named("feed.rabbitmq").With(slog.String("queue", queue)),
	}, nil
}

// Run implements Subscriber.
func (s *RabbitMQSubscriber) Run(ctx context.Context, out chan<- Tick) error {
	msgs, err := s.ch.ConsumeWithContext(ctx, s.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeFeedFailure, err, "consume "+s.queue)
	}
	s.log.Info("consuming price feed")
	return s.consume(ctx, msgs, out)
}

func (s *RabbitMQSubscriber) consume(ctx context.Context, msgs <-chan amqp.Delivery, out chan<- Tick) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return xerrors.New(xerrors.CodeFeedFailure, "rabbitmq delivery channel closed")
			}
			if err := forward(ctx, s.log, msg.Body, out); err != nil {
				// Not handed to the engine, let the broker redeliver it.
				_ = msg.Nack(false, true)
				return nil
			}
			_ = msg.Ack(false)
		}
	}
}

// Close implements Subscriber.
func (s *RabbitMQSubscriber) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
