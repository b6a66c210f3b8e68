package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

type Handler func(ctx context.Context, msg amqp091.Delivery)

type ConsumerConfig struct {
	URL      string
	Exchange string
	// Queue names a durable shared queue. Empty declares a server-named,
	// exclusive queue so every replica receives every event.
	Queue    string
	Prefetch int
}

type Consumer struct {
	conn     *amqp091.Connection
	queue    string
	prefetch int
	logger   *slog.Logger
}

func NewRabbitConsumer(cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	if err := declareExchange(conn, cfg.Exchange); err != nil {
		conn.Close()
		return nil, err
	}

	queue, err := declareQueue(conn, cfg.Exchange, cfg.Queue)
	if err != nil {
		conn.Close()
		return nil, err
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 32
	}

	return &Consumer{
		conn:     conn,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger,
	}, nil
}

func declareQueue(conn *amqp091.Connection, exchange, name string) (string, error) {
	ch, err := conn.Channel()
	if err != nil {
		return "", fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	ephemeral := name == ""
	q, err := ch.QueueDeclare(
		name,
		!ephemeral,
		ephemeral,
		ephemeral,
		false,
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue: %w", err)
	}
	return q.Name, nil
}

// Start consumes until ctx is cancelled or the broker closes the channel.
// The handler owns Ack/Nack.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume queue: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ch.Cancel("", false)
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("consumer channel closed", "queue", c.queue)
				return nil
			}
			handler(ctx, msg)
		}
	}
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}
