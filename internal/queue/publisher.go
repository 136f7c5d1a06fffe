// Package queue publishes session lifecycle events to RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
)

// DefaultQueue is the durable queue receiving ended-session events.
const DefaultQueue = "session.ended"

// SessionEndedEvent is the message body published when a session ends.
type SessionEndedEvent struct {
	SessionID    string    `json:"session_id"`
	GameType     string    `json:"game_type"`
	Outcome      string    `json:"outcome"`
	Revision     uint64    `json:"revision"`
	Participants []string  `json:"participants"`
	Departed     []string  `json:"departed,omitempty"`
	EndedAt      time.Time `json:"ended_at"`
	DurationMS   int64     `json:"duration_ms"`
}

// EventFromRecord projects the record onto the published event.
func EventFromRecord(record session.Record) SessionEndedEvent {
	participants := make([]string, 0, len(record.Participants))
	for _, p := range record.Participants {
		participants = append(participants, p.ID)
	}
	return SessionEndedEvent{
		SessionID:    record.ID,
		GameType:     record.GameType,
		Outcome:      record.Outcome,
		Revision:     record.Revision,
		Participants: participants,
		Departed:     record.Departed,
		EndedAt:      record.EndedAt.UTC(),
		DurationMS:   record.DurationMS,
	}
}

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue: publisher closed")

// Publisher sends SessionEndedEvent messages. It implements session.RecordSink.
type Publisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel Channel
	queue   string
	now     func() time.Time
	logger  *logging.Logger
	closed  bool
}

// Dial connects to the broker, opens a channel and declares the durable queue.
func Dial(url, queue string, logger *logging.Logger) (*Publisher, error) {
	if url == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel open: %w", err)
	}
	publisher, err := NewPublisher(ch, queue, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	publisher.conn = conn
	return publisher, nil
}

// NewPublisher wraps an open channel and declares queue on it.
func NewPublisher(ch Channel, queue string, logger *logging.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("amqp channel is required")
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = logging.L()
	}
	//1.- Declaring is idempotent; durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	return &Publisher{channel: ch, queue: queue, now: time.Now, logger: logger.Named("queue")}, nil
}

// Queue reports the destination queue name.
func (p *Publisher) Queue() string { return p.queue }

// Persist implements session.RecordSink by publishing a persistent event.
func (p *Publisher) Persist(ctx context.Context, record session.Record) error {
	body, err := json.Marshal(EventFromRecord(record))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    record.ID,
		Timestamp:    p.now().UTC(),
		Type:         "session.ended",
		Body:         body,
	}
	//2.- amqp channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.channel.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		p.logger.Warn("rabbitmq publish failed", logging.String("session_id", record.ID), logging.Error(err))
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// Close releases the channel and the connection when the publisher dialled it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.channel.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

var _ session.RecordSink = (*Publisher)(nil)
