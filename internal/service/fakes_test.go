package service

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/repository"
)

var errInjected = errors.New("injected failure")

// flakyLedger wraps a MemoryLedger and fails the next N calls of an
// operation on request.
type flakyLedger struct {
	*repository.MemoryLedger

	mu             sync.Mutex
	failCommits    int
	failReleases   int
	commits        int
	releases       int
	reserveTouched int
}

func newFlakyLedger() *flakyLedger { return &flakyLedger{MemoryLedger: repository.NewMemoryLedger()} }

func (l *flakyLedger) Reserve(ctx context.Context, eventID string, seatType model.SeatType, quantity int, bookingID string) (model.ReservationToken, error) {
	l.mu.Lock()
	l.reserveTouched++
	l.mu.Unlock()
	return l.MemoryLedger.Reserve(ctx, eventID, seatType, quantity, bookingID)
}

func (l *flakyLedger) Commit(ctx context.Context, token model.ReservationToken) error {
	l.mu.Lock()
	l.commits++
	if l.failCommits > 0 {
		l.failCommits--
		l.mu.Unlock()
		return errInjected
	}
	l.mu.Unlock()
	return l.MemoryLedger.Commit(ctx, token)
}

func (l *flakyLedger) Release(ctx context.Context, token model.ReservationToken) error {
	l.mu.Lock()
	l.releases++
	if l.failReleases > 0 {
		l.failReleases--
		l.mu.Unlock()
		return errInjected
	}
	l.mu.Unlock()
	return l.MemoryLedger.Release(ctx, token)
}

// flakyStore wraps a MemoryReservationStore with injectable failures.
type flakyStore struct {
	*repository.MemoryReservationStore

	mu              sync.Mutex
	failCreates     int
	conflicts       int
	failScanAfter   int // yield an error after this many rows; <0 disables
	transitionCalls int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryReservationStore: repository.NewMemoryReservationStore(), failScanAfter: -1}
}

func (s *flakyStore) Create(ctx context.Context, res model.Reservation) error {
	s.mu.Lock()
	if s.failCreates > 0 {
		s.failCreates--
		s.mu.Unlock()
		return errInjected
	}
	s.mu.Unlock()
	return s.MemoryReservationStore.Create(ctx, res)
}

func (s *flakyStore) Transition(ctx context.Context, bookingID string, from, to model.BookingStatus, expectedVersion, eventSeq int64) (model.Reservation, error) {
	s.mu.Lock()
	s.transitionCalls++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return model.Reservation{}, repository.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.MemoryReservationStore.Transition(ctx, bookingID, from, to, expectedVersion, eventSeq)
}

func (s *flakyStore) FindExpiredPending(ctx context.Context, now time.Time) iter.Seq2[model.Reservation, error] {
	inner := s.MemoryReservationStore.FindExpiredPending(ctx, now)
	return func(yield func(model.Reservation, error) bool) {
		n := 0
		for res, err := range inner {
			if s.failScanAfter >= 0 && n == s.failScanAfter {
				yield(model.Reservation{}, errInjected)
				return
			}
			n++
			if !yield(res, err) {
				return
			}
		}
	}
}

// recordingPublisher captures the outbound events by topic.
type recordingPublisher struct {
	mu        sync.Mutex
	created   []string
	confirmed []string
	cancelled []string
	fail      bool
}

func (p *recordingPublisher) add(list *[]string, res model.Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	*list = append(*list, res.BookingID)
	if p.fail {
		return errInjected
	}
	return nil
}

func (p *recordingPublisher) BookingCreated(_ context.Context, res model.Reservation) error {
	return p.add(&p.created, res)
}

func (p *recordingPublisher) BookingConfirmed(_ context.Context, res model.Reservation) error {
	return p.add(&p.confirmed, res)
}

func (p *recordingPublisher) BookingCancelled(_ context.Context, res model.Reservation) error {
	return p.add(&p.cancelled, res)
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
