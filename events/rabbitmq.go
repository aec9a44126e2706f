package events

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/warp/copay-engine/payments"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// RabbitPublisher sends persistent JSON messages to a durable queue via
// the default exchange.
type RabbitPublisher struct {
	conn    *amqp091.Connection
	channel amqpChannel
	queue   string
}

// DialRabbitMQ connects, opens a channel and declares the queue.
func DialRabbitMQ(url, queue string) (*RabbitPublisher, error) {
	if queue == "" {
		return nil, fmt.Errorf("rabbitmq backend needs a queue name")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &RabbitPublisher{conn: conn, channel: channel, queue: queue}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, event payments.PaymentEvent) error {
	body, err := encode(event)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    string(event.PaymentID) + ":" + string(event.Type),
		Type:         string(event.Type),
		Timestamp:    event.OccurredAt,
		Body:         body,
		Headers: amqp091.Table{
			"message_type": "JSON",
		},
	}
	if err := p.channel.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		return err
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
