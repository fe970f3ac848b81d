package model

import (
	"strings"
	"time"
)

// SeatType is the seat category of a pool.
type SeatType string

const (
	SeatVIP     SeatType = "VIP"
	SeatRegular SeatType = "REGULAR"
	SeatEconomy SeatType = "ECONOMY"
)

// ParseSeatType normalizes raw and reports whether it names a known seat type.
func ParseSeatType(raw string) (SeatType, bool) {
	st := SeatType(strings.ToUpper(strings.TrimSpace(raw)))
	switch st {
	case SeatVIP, SeatRegular, SeatEconomy:
		return st, true
	}
	return "", false
}

// SeatPool is the finite inventory of one seat category for one event.
//
// ReservedCount counts every unit drawn from the pool, whether still held
// by a PENDING booking or committed by a CONFIRMED one; CommittedCount is
// the committed share of it. The ledger keeps
// AvailableCount + ReservedCount == TotalCapacity at all times.
type SeatPool struct {
	EventID        string    `json:"event_id"`
	SeatType       SeatType  `json:"seat_type"`
	TotalCapacity  int       `json:"total_capacity"`
	AvailableCount int       `json:"available_count"`
	ReservedCount  int       `json:"reserved_count"`
	CommittedCount int       `json:"committed_count"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HeldCount is the number of units held by bookings that are not yet committed.
func (p SeatPool) HeldCount() int { return p.ReservedCount - p.CommittedCount }

// Balanced reports whether the pool counters satisfy the ledger invariant.
func (p SeatPool) Balanced() bool {
	return p.AvailableCount >= 0 &&
		p.CommittedCount >= 0 &&
		p.CommittedCount <= p.ReservedCount &&
		p.AvailableCount+p.ReservedCount == p.TotalCapacity
}

// TokenState is the lifecycle state of a ledger token.
type TokenState string

const (
	TokenHeld      TokenState = "HELD"
	TokenCommitted TokenState = "COMMITTED"
	TokenReleased  TokenState = "RELEASED"
)

// ReservationToken identifies the units a single booking drew from a pool.
// It is returned by the ledger's reserve operation and passed back to
// commit or release them.
type ReservationToken struct {
	BookingID string   `json:"booking_id"`
	EventID   string   `json:"event_id"`
	SeatType  SeatType `json:"seat_type"`
	Quantity  int      `json:"quantity"`
}
