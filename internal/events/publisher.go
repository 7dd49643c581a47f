// Package events publishes job progress to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys on the topic exchange.
const (
	KeyBatchFinished = "batch.finished"
	KeyJobStarted    = "job.started"
	KeyJobFinished   = "job.finished"
)

// Publisher sends JSON events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
	Close() error
}

// BatchEvent is published when a batch leaves the active set.
type BatchEvent struct {
	JobID       string  `json:"job_id"`
	Kind        string  `json:"kind"`
	BatchNumber int     `json:"batch_number"`
	AppIDs      []int64 `json:"app_ids"`
	Records     int     `json:"records"`
	ItemErrors  int     `json:"item_errors"`
	Failed      bool    `json:"failed"`
	Error       string  `json:"error,omitempty"`
	DurationMs  int64   `json:"duration_ms"`
}

// JobEvent is published when a job starts or finishes.
type JobEvent struct {
	JobID     string            `json:"job_id"`
	Kind      string            `json:"kind"`
	Status    string            `json:"status"`
	Total     int               `json:"total"`
	Completed int               `json:"completed"`
	Errors    int               `json:"errors"`
	Exports   map[string]string `json:"exports,omitempty"`
	At        time.Time         `json:"at"`
}

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher connects to url and declares exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish encodes payload as JSON and publishes it persistently.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", routingKey, err)
	}
	return p.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, string, interface{}) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }

// New returns an AMQP publisher when enabled, otherwise a NopPublisher.
func New(enabled bool, url, exchange string) (Publisher, error) {
	if !enabled {
		return NopPublisher{}, nil
	}
	return NewAMQPPublisher(url, exchange)
}
