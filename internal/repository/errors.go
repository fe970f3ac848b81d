// Package repository defines the durable ledger and reservation store
// implementations and the sentinel errors they share. Higher layers such
// as the booking service and HTTP handlers distinguish failure scenarios
// with errors.Is against these values.
package repository

import "errors"

// ErrInsufficientInventory is returned by a ledger reserve when the pool
// has fewer available units than requested. Nothing is reserved.
var ErrInsufficientInventory = errors.New("insufficient inventory")

// ErrPoolNotFound is returned when no pool exists for (event, seat type).
var ErrPoolNotFound = errors.New("seat pool not found")

// ErrPoolExists is returned when creating a pool that is already published.
var ErrPoolExists = errors.New("seat pool already exists")

// ErrTokenNotFound is returned when committing or releasing a token the
// ledger has never issued.
var ErrTokenNotFound = errors.New("reservation token not found")

// ErrDuplicateBooking is returned when a reservation with the same
// booking ID already exists.
var ErrDuplicateBooking = errors.New("duplicate booking")

// ErrReservationNotFound is returned when no reservation matches a booking ID.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrVersionConflict is returned by a transition whose expected status or
// version no longer matches the stored record. Callers re-read and
// re-evaluate; it is never surfaced to an external caller.
var ErrVersionConflict = errors.New("version conflict")

// ErrInvalidTransition is returned when a transition leaves a terminal
// state or is not an edge of the booking state machine.
var ErrInvalidTransition = errors.New("invalid transition")
