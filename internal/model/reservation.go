package model

import "time"

// BookingStatus is the state of a reservation in the booking saga.
type BookingStatus string

const (
	StatusPending   BookingStatus = "PENDING"
	StatusConfirmed BookingStatus = "CONFIRMED"
	StatusCancelled BookingStatus = "CANCELLED"
	StatusExpired   BookingStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is accepted out of s.
func (s BookingStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCancelled || s == StatusExpired
}

// Valid reports whether s is one of the known statuses.
func (s BookingStatus) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// CanTransition reports whether the state machine has an edge from -> to.
// Only PENDING has outgoing edges; every terminal state is final.
func CanTransition(from, to BookingStatus) bool {
	if from != StatusPending {
		return false
	}
	return to.IsTerminal()
}

// Reservation records one booking attempt against a seat pool.
//
// Fields:
//
//	BookingID    – unique booking identifier (UUID).
//	UserID       – subject of the token that requested the booking.
//	EventID      – event whose seat pool the quantity was drawn from.
//	SeatType     – seat category of the pool.
//	Quantity     – number of seats held by the booking.
//	Status       – PENDING, CONFIRMED, CANCELLED or EXPIRED.
//	Version      – optimistic concurrency counter, bumped on each transition.
//	LastEventSeq – sequence id of the payment event that last moved the
//	               record, zero when none has been applied.
//	CreatedAt    – creation timestamp (UTC).
//	ExpiresAt    – deadline after which a PENDING booking is swept.
//	UpdatedAt    – last transition timestamp (UTC).
type Reservation struct {
	BookingID    string        `json:"booking_id"`
	UserID       string        `json:"user_id"`
	EventID      string        `json:"event_id"`
	SeatType     SeatType      `json:"seat_type"`
	Quantity     int           `json:"quantity"`
	Status       BookingStatus `json:"status"`
	Version      int64         `json:"version"`
	LastEventSeq int64         `json:"last_event_seq,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Token returns the ledger token that represents this reservation's
// inventory hold.
func (r Reservation) Token() ReservationToken {
	return ReservationToken{
		BookingID: r.BookingID,
		EventID:   r.EventID,
		SeatType:  r.SeatType,
		Quantity:  r.Quantity,
	}
}
