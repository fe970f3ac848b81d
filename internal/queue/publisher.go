package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// Publisher publishes booking events to RabbitMQ. It keeps one connection
// and channel open and redials on the next publish after any failure.
// Messages are persistent and routed through the default exchange to a
// durable queue named after the event.
type Publisher struct {
	url string
	log *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

// NewPublisher returns a publisher for the broker at url. No connection is
// made until the first publish.
func NewPublisher(url string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{url: url, log: logger.With("component", "publisher")}
}

// BookingCreated publishes a BookingCreatedEvent.
func (p *Publisher) BookingCreated(ctx context.Context, res model.Reservation) error {
	return p.publish(ctx, QueueBookingCreated, newBookingCreated(res))
}

// BookingConfirmed publishes a BookingConfirmedEvent.
func (p *Publisher) BookingConfirmed(ctx context.Context, res model.Reservation) error {
	return p.publish(ctx, QueueBookingConfirmed, newBookingConfirmed(res))
}

// BookingCancelled publishes a BookingCancelledEvent for CANCELLED and
// EXPIRED bookings alike; the payload's status tells them apart.
func (p *Publisher) BookingCancelled(ctx context.Context, res model.Reservation) error {
	return p.publish(ctx, QueueBookingCancelled, newBookingCancelled(res))
}

// Close shuts the underlying channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *Publisher) publish(ctx context.Context, queue string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", queue, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		p.log.Warn("rabbitmq: connect failed", "queue", queue, "error", err)
		return err
	}
	if !p.declared[queue] {
		// Durable so messages survive broker restarts.
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			p.resetLocked()
			return fmt.Errorf("queue declare %s: %w", queue, err)
		}
		p.declared[queue] = true
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		p.resetLocked()
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

func (p *Publisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.declared = make(map[string]bool)
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
