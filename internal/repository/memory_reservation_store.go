package repository

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// MemoryReservationStore keeps reservations in a map guarded by a single
// mutex. Every method is a short critical section, which is enough to make
// Transition a true compare-and-swap.
type MemoryReservationStore struct {
	mu      sync.Mutex
	rows    map[string]model.Reservation
	settled map[string]bool
	now     func() time.Time
}

// NewMemoryReservationStore returns an empty store.
func NewMemoryReservationStore() *MemoryReservationStore {
	return &MemoryReservationStore{
		rows:    make(map[string]model.Reservation),
		settled: make(map[string]bool),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts res or returns ErrDuplicateBooking.
func (s *MemoryReservationStore) Create(_ context.Context, res model.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[res.BookingID]; ok {
		return ErrDuplicateBooking
	}
	s.rows[res.BookingID] = res
	return nil
}

// Get returns the reservation for bookingID or ErrReservationNotFound.
func (s *MemoryReservationStore) Get(_ context.Context, bookingID string) (model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.rows[bookingID]
	if !ok {
		return model.Reservation{}, ErrReservationNotFound
	}
	return res, nil
}

// Transition applies the same compare-and-swap contract as
// ReservationRepo.Transition.
func (s *MemoryReservationStore) Transition(_ context.Context, bookingID string, from, to model.BookingStatus, expectedVersion, eventSeq int64) (model.Reservation, error) {
	if !model.CanTransition(from, to) {
		return model.Reservation{}, ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.rows[bookingID]
	if !ok {
		return model.Reservation{}, ErrReservationNotFound
	}
	if res.Status != from || res.Version != expectedVersion {
		return model.Reservation{}, ErrVersionConflict
	}
	res.Status = to
	res.Version++
	if eventSeq > res.LastEventSeq {
		res.LastEventSeq = eventSeq
	}
	res.UpdatedAt = s.now()
	s.rows[bookingID] = res
	return res, nil
}

// FindExpiredPending snapshots the matching reservations when iteration
// starts and yields them by ascending deadline.
func (s *MemoryReservationStore) FindExpiredPending(_ context.Context, now time.Time) iter.Seq2[model.Reservation, error] {
	return func(yield func(model.Reservation, error) bool) {
		s.mu.Lock()
		due := make([]model.Reservation, 0)
		for _, res := range s.rows {
			if res.Status == model.StatusPending && !res.ExpiresAt.After(now) {
				due = append(due, res)
			}
		}
		s.mu.Unlock()
		sort.Slice(due, func(i, j int) bool {
			if due[i].ExpiresAt.Equal(due[j].ExpiresAt) {
				return due[i].BookingID < due[j].BookingID
			}
			return due[i].ExpiresAt.Before(due[j].ExpiresAt)
		})
		for _, res := range due {
			if !yield(res, nil) {
				return
			}
		}
	}
}

// MarkSettled flags a terminal reservation as settled. Unknown and
// PENDING bookings are left alone.
func (s *MemoryReservationStore) MarkSettled(_ context.Context, bookingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.rows[bookingID]; ok && res.Status.IsTerminal() {
		s.settled[bookingID] = true
	}
	return nil
}

// FindUnsettled snapshots the terminal reservations not yet marked
// settled and yields them by booking id.
func (s *MemoryReservationStore) FindUnsettled(_ context.Context) iter.Seq2[model.Reservation, error] {
	return func(yield func(model.Reservation, error) bool) {
		s.mu.Lock()
		owed := make([]model.Reservation, 0)
		for id, res := range s.rows {
			if res.Status.IsTerminal() && !s.settled[id] {
				owed = append(owed, res)
			}
		}
		s.mu.Unlock()
		sort.Slice(owed, func(i, j int) bool { return owed[i].BookingID < owed[j].BookingID })
		for _, res := range owed {
			if !yield(res, nil) {
				return
			}
		}
	}
}
