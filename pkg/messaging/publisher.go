package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
	Close() error
}

// RabbitPublisher publishes to a fanout exchange over one confirm-mode
// channel, reopened when the broker closes it.
type RabbitPublisher struct {
	conn     *amqp091.Connection
	exchange string

	mu sync.Mutex
	ch *amqp091.Channel
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	if err := declareExchange(conn, exchange); err != nil {
		conn.Close()
		return nil, err
	}

	return &RabbitPublisher{conn: conn, exchange: exchange}, nil
}

// Publish sends one persistent message and waits for the broker's confirm.
// The event type doubles as routing key and AMQP message type so consumers
// can dispatch without decoding the body.
func (p *RabbitPublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, eventType, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", eventType, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected %s", eventType)
	}
	return nil
}

func (p *RabbitPublisher) channel() (*amqp091.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.mu.Unlock()
	return p.conn.Close()
}

func declareExchange(conn *amqp091.Connection, exchange string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}
