package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// PaymentHandler applies a decoded payment outcome.
type PaymentHandler interface {
	Handle(ctx context.Context, ev model.PaymentOutcomeEvent) error
}

// action is what the consumer does with a delivery once it is processed.
type action int

const (
	actionAck     action = iota // processed or safely discarded
	actionReject                // malformed; dropped without requeue
	actionRequeue               // transient failure; redeliver later
)

// PaymentConsumer consumes the payment.success and payment.failed queues
// and hands each message to a PaymentHandler. Delivery is at least once:
// a message is acked only after the handler returns, rejected when it
// cannot be decoded and requeued when the handler reports a transient
// failure.
type PaymentConsumer struct {
	url      string
	handler  PaymentHandler
	prefetch int
	log      *slog.Logger
}

// NewPaymentConsumer returns a consumer for the broker at url. prefetch
// bounds unacknowledged deliveries per channel (default 50).
func NewPaymentConsumer(url string, handler PaymentHandler, prefetch int, logger *slog.Logger) *PaymentConsumer {
	if handler == nil {
		panic("nil handler passed to NewPaymentConsumer")
	}
	if prefetch <= 0 {
		prefetch = 50
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PaymentConsumer{url: url, handler: handler, prefetch: prefetch, log: logger.With("component", "payment-consumer")}
}

// Run connects to the broker and consumes until ctx is cancelled. Dial
// failures and dropped connections are retried with exponential backoff
// capped at 30s. It returns ctx.Err() on shutdown.
func (c *PaymentConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("failed to dial broker; retrying", "error", err, "backoff", backoff)
			if err := sleepOrDone(ctx, backoff); err != nil {
				return err
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("consume loop ended; reconnecting", "error", err)
		if err := sleepOrDone(ctx, 2*time.Second); err != nil {
			return err
		}
	}
}

func (c *PaymentConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("set QoS failed", "error", err)
	}

	queues := []string{QueuePaymentSuccess, QueuePaymentFailed}
	streams := make([]<-chan amqp.Delivery, 0, len(queues))
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
		msgs, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", q, err)
		}
		streams = append(streams, msgs)
	}
	c.log.Info("consuming payment outcomes", "queues", queues)

	var wg sync.WaitGroup
	for i, msgs := range streams {
		wg.Add(1)
		go func(queue string, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range msgs {
				c.settle(d, c.process(ctx, queue, d.Body))
			}
		}(queues[i], msgs)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		_ = ch.Close()
		<-done
		return ctx.Err()
	case <-done:
		return errors.New("deliveries channel closed")
	}
}

// process decodes and applies one message body and decides its fate.
func (c *PaymentConsumer) process(ctx context.Context, queue string, body []byte) action {
	ev, err := DecodePaymentOutcome(queue, body)
	if err != nil {
		c.log.Warn("rejecting malformed message", "queue", queue, "error", err)
		return actionReject
	}
	if err := c.handler.Handle(ctx, ev); err != nil {
		if errors.Is(err, model.ErrInvalidEvent) {
			return actionReject
		}
		c.log.Error("handle message failed; requeueing", "queue", queue, "booking_id", ev.BookingID, "error", err)
		return actionRequeue
	}
	return actionAck
}

func (c *PaymentConsumer) settle(d amqp.Delivery, a action) {
	var err error
	switch a {
	case actionAck:
		err = d.Ack(false)
	case actionReject:
		err = d.Nack(false, false)
	case actionRequeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		c.log.Warn("delivery acknowledgement failed", "error", err)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
