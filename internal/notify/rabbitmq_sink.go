package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/prohmpiriya/booking-core/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the part of *amqp.Channel the sink uses
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQSink publishes events to a durable exchange with the event type as routing key
type RabbitMQSink struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	channel AMQPChannel
}

// DialRabbitMQSink connects, opens a channel and declares the exchange
func DialRabbitMQSink(url, exchange, exchangeType string) (*RabbitMQSink, error) {
	if exchangeType == "" {
		exchangeType = amqp.ExchangeTopic
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		exchange,
		exchangeType,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	sink := NewRabbitMQSink(channel, exchange)
	sink.conn = conn
	return sink, nil
}

// NewRabbitMQSink wraps an open channel whose exchange already exists
func NewRabbitMQSink(channel AMQPChannel, exchange string) *RabbitMQSink {
	if exchange == "" {
		exchange = "booking.events"
	}
	return &RabbitMQSink{channel: channel, exchange: exchange}
}

// Send publishes the event as a persistent message
func (s *RabbitMQSink) Send(ctx context.Context, event *domain.Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishes
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.channel.PublishWithContext(ctx, s.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Type),
		Body:         body,
		Headers:      amqp.Table{"resource_id": event.ResourceID},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Destination implements Sink
func (s *RabbitMQSink) Destination() string { return s.exchange }

// Close closes the channel and the connection, if the sink owns one
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ Sink = (*RabbitMQSink)(nil)
