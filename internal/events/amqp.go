// ABOUTME: RabbitMQ-backed event publisher for lifecycle events.
// ABOUTME: Declares a durable topic exchange and sends persistent JSON envelopes.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const producerName = "handoff-gateway"

// AMQPPublisher publishes envelopes to a topic exchange on RabbitMQ.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "events"),
	}, nil
}

// Publish wraps data in an Envelope and sends it with the given routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, data any) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	env := Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     key,
			Producer: producerName,
			Time:     time.Now().UTC(),
		},
		Data: data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	err = ch.PublishWithContext(
		ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    env.Meta.ID,
			Timestamp:    env.Meta.Time,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	p.logger.Debug("published event", "key", key, "id", env.Meta.ID)
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

var _ Publisher = (*AMQPPublisher)(nil)
