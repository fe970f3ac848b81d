package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent marks a payment outcome message that fails validation.
// Such messages are never retried.
var ErrInvalidEvent = errors.New("invalid payment outcome event")

// PaymentOutcome is the result reported by the external payment system.
type PaymentOutcome string

const (
	OutcomeSuccess PaymentOutcome = "SUCCESS"
	OutcomeFailed  PaymentOutcome = "FAILED"
)

// Valid reports whether o is SUCCESS or FAILED.
func (o PaymentOutcome) Valid() bool { return o == OutcomeSuccess || o == OutcomeFailed }

// TargetStatus is the booking status a PENDING reservation moves to when
// this outcome is applied.
func (o PaymentOutcome) TargetStatus() BookingStatus {
	if o == OutcomeSuccess {
		return StatusConfirmed
	}
	return StatusCancelled
}

// PaymentOutcomeEvent is the inbound message emitted by the payment
// service. It is delivered at least once and in no guaranteed order;
// EventSequenceID grows monotonically per booking and is used to drop
// duplicates and stale redeliveries.
type PaymentOutcomeEvent struct {
	BookingID       string         `json:"bookingId"`
	Outcome         PaymentOutcome `json:"outcome"`
	EventSequenceID int64          `json:"eventSequenceId"`
	ObservedAt      time.Time      `json:"observedAt"`
}

// Validate checks the fields required before an event may be applied.
func (e PaymentOutcomeEvent) Validate() error {
	switch {
	case e.BookingID == "":
		return fmt.Errorf("%w: bookingId is required", ErrInvalidEvent)
	case !e.Outcome.Valid():
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidEvent, e.Outcome)
	case e.EventSequenceID <= 0:
		return fmt.Errorf("%w: eventSequenceId must be positive", ErrInvalidEvent)
	case e.ObservedAt.IsZero():
		return fmt.Errorf("%w: observedAt is required", ErrInvalidEvent)
	}
	return nil
}
