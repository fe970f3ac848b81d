// Package queue defines message payloads exchanged over the message broker
// and the RabbitMQ publisher and consumer that carry them.
package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// Queue names. Outbound booking events and inbound payment outcomes each
// use one durable queue, addressed through the default exchange.
const (
	QueueBookingCreated   = "booking.created"
	QueueBookingConfirmed = "booking.confirmed"
	QueueBookingCancelled = "booking.cancelled"
	QueuePaymentSuccess   = "payment.success"
	QueuePaymentFailed    = "payment.failed"
)

// BookingCreatedEvent is published once a reservation holds inventory and
// awaits payment.
type BookingCreatedEvent struct {
	BookingID string `json:"bookingId"`
	UserID    string `json:"userId,omitempty"`
	EventID   string `json:"eventId"`
	SeatType  string `json:"seatType"`
	Quantity  int    `json:"quantity"`
	ExpiresAt string `json:"expiresAt"`
}

// BookingConfirmedEvent is published when a successful payment committed
// the reservation's seats.
type BookingConfirmedEvent struct {
	BookingID   string `json:"bookingId"`
	UserID      string `json:"userId,omitempty"`
	EventID     string `json:"eventId"`
	SeatType    string `json:"seatType"`
	Quantity    int    `json:"quantity"`
	ConfirmedAt string `json:"confirmedAt"`
}

// BookingCancelledEvent is published when seats were released, either by a
// failed payment (status CANCELLED) or by the expiry sweeper (status EXPIRED).
type BookingCancelledEvent struct {
	BookingID   string `json:"bookingId"`
	UserID      string `json:"userId,omitempty"`
	EventID     string `json:"eventId"`
	SeatType    string `json:"seatType"`
	Quantity    int    `json:"quantity"`
	Status      string `json:"status"`
	CancelledAt string `json:"cancelledAt"`
}

// paymentOutcomeMessage is the wire schema of an inbound payment outcome.
// Outcome is optional on the wire because the queue name implies it; when
// present it must agree with the queue.
type paymentOutcomeMessage struct {
	BookingID       string                `json:"bookingId"`
	Outcome         *model.PaymentOutcome `json:"outcome,omitempty"`
	EventSequenceID int64                 `json:"eventSequenceId"`
	ObservedAt      time.Time             `json:"observedAt"`
}

// impliedOutcome maps an inbound queue to the outcome it carries.
func impliedOutcome(queue string) (model.PaymentOutcome, bool) {
	switch queue {
	case QueuePaymentSuccess:
		return model.OutcomeSuccess, true
	case QueuePaymentFailed:
		return model.OutcomeFailed, true
	}
	return "", false
}

// DecodePaymentOutcome decodes and validates a payment outcome received on
// queue. Unknown fields, a missing or contradictory outcome and any
// validation failure yield an error wrapping model.ErrInvalidEvent.
func DecodePaymentOutcome(queue string, body []byte) (model.PaymentOutcomeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var msg paymentOutcomeMessage
	if err := dec.Decode(&msg); err != nil {
		return model.PaymentOutcomeEvent{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if dec.More() {
		return model.PaymentOutcomeEvent{}, fmt.Errorf("%w: trailing data after message", model.ErrInvalidEvent)
	}

	ev := model.PaymentOutcomeEvent{
		BookingID:       msg.BookingID,
		EventSequenceID: msg.EventSequenceID,
		ObservedAt:      msg.ObservedAt,
	}
	implied, routed := impliedOutcome(queue)
	switch {
	case msg.Outcome != nil && routed && *msg.Outcome != implied:
		return model.PaymentOutcomeEvent{}, fmt.Errorf("%w: outcome %s received on %s", model.ErrInvalidEvent, *msg.Outcome, queue)
	case msg.Outcome != nil:
		ev.Outcome = *msg.Outcome
	case routed:
		ev.Outcome = implied
	}
	if err := ev.Validate(); err != nil {
		return model.PaymentOutcomeEvent{}, err
	}
	return ev, nil
}

func newBookingCreated(res model.Reservation) BookingCreatedEvent {
	return BookingCreatedEvent{
		BookingID: res.BookingID,
		UserID:    res.UserID,
		EventID:   res.EventID,
		SeatType:  string(res.SeatType),
		Quantity:  res.Quantity,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func newBookingConfirmed(res model.Reservation) BookingConfirmedEvent {
	return BookingConfirmedEvent{
		BookingID:   res.BookingID,
		UserID:      res.UserID,
		EventID:     res.EventID,
		SeatType:    string(res.SeatType),
		Quantity:    res.Quantity,
		ConfirmedAt: res.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func newBookingCancelled(res model.Reservation) BookingCancelledEvent {
	return BookingCancelledEvent{
		BookingID:   res.BookingID,
		UserID:      res.UserID,
		EventID:     res.EventID,
		SeatType:    string(res.SeatType),
		Quantity:    res.Quantity,
		Status:      string(res.Status),
		CancelledAt: res.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
