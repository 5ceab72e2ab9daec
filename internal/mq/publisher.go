// Package mq provides RabbitMQ publishing utilities.
package mq

// File: internal/mq/publisher.go
// Purpose: Publish run lifecycle events to the simdash.events exchange.

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// Publisher wraps an AMQP connection/channel for event publishing.
type Publisher struct {
	mu       sync.Mutex // amqp.Channel is not safe for concurrent publishing
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisher connects to RabbitMQ and declares the exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// Close closes the AMQP channel and connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// Publish emits a JSON event to the configured exchange.
func (p *Publisher) Publish(routingKey string, payload map[string]any) error {
	body, err := encodeEvent(routingKey, payload, time.Now())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Publish(
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// encodeEvent stamps payload with an event id, type, routing key and time
// and marshals it. The caller's map is left untouched.
func encodeEvent(routingKey string, payload map[string]any, now time.Time) ([]byte, error) {
	event := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		event[k] = v
	}
	if _, ok := event["event_id"]; !ok {
		event["event_id"] = uuid.NewString()
	}
	event["event_type"] = routingKey
	event["routing_key"] = routingKey
	event["ts_utc"] = now.UTC().Format(time.RFC3339Nano)
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return body, nil
}
