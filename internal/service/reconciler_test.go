package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/repository"
)

type applyCall struct {
	bookingID string
	outcome   model.PaymentOutcome
	seq       int64
}

// scriptedApplier returns the queued errors in order, then succeeds.
type scriptedApplier struct {
	mu    sync.Mutex
	errs  []error
	calls []applyCall
}

func (a *scriptedApplier) ApplyPaymentOutcome(_ context.Context, bookingID string, outcome model.PaymentOutcome, seq int64) (ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, applyCall{bookingID, outcome, seq})
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return "", err
	}
	return ResultApplied, nil
}

func newTestReconciler(a PaymentApplier, tr SequenceTracker) (*Reconciler, *[]time.Duration) {
	r := NewReconciler(a, tr, nil, ReconcilerOptions{MaxAttempts: 4, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond})
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func event(seq int64) model.PaymentOutcomeEvent {
	return model.PaymentOutcomeEvent{
		BookingID:       "b1",
		Outcome:         model.OutcomeSuccess,
		EventSequenceID: seq,
		ObservedAt:      time.Date(2026, 6, 1, 18, 5, 0, 0, time.UTC),
	}
}

func TestReconcilerAppliesAndRecords(t *testing.T) {
	ctx := context.Background()
	a := &scriptedApplier{}
	tr := repository.NewMemorySequenceTracker()
	r, _ := newTestReconciler(a, tr)

	require.NoError(t, r.Handle(ctx, event(3)))
	require.Len(t, a.calls, 1)
	assert.Equal(t, applyCall{"b1", model.OutcomeSuccess, 3}, a.calls[0])

	// Redelivery and older events stop at the tracker.
	require.NoError(t, r.Handle(ctx, event(3)))
	require.NoError(t, r.Handle(ctx, event(2)))
	assert.Len(t, a.calls, 1)

	require.NoError(t, r.Handle(ctx, event(4)))
	assert.Len(t, a.calls, 2)
}

func TestReconcilerRejectsInvalidEvent(t *testing.T) {
	a := &scriptedApplier{}
	r, _ := newTestReconciler(a, nil)
	ev := event(1)
	ev.Outcome = "CHARGEBACK"
	err := r.Handle(context.Background(), ev)
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
	assert.Empty(t, a.calls)
}

func TestReconcilerRetriesTransientErrors(t *testing.T) {
	a := &scriptedApplier{errs: []error{errInjected, errInjected}}
	tr := repository.NewMemorySequenceTracker()
	r, slept := newTestReconciler(a, tr)

	require.NoError(t, r.Handle(context.Background(), event(1)))
	assert.Len(t, a.calls, 3)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)

	stale, _ := tr.Stale(context.Background(), "b1", 1)
	assert.True(t, stale)
}

func TestReconcilerGivesUp(t *testing.T) {
	a := &scriptedApplier{errs: []error{errInjected, errInjected, errInjected, errInjected, errInjected}}
	tr := repository.NewMemorySequenceTracker()
	r, slept := newTestReconciler(a, tr)

	err := r.Handle(context.Background(), event(1))
	assert.ErrorIs(t, err, errInjected)
	assert.Len(t, a.calls, 4)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, *slept)

	// Nothing was recorded, so a redelivery is attempted again.
	stale, _ := tr.Stale(context.Background(), "b1", 1)
	assert.False(t, stale)
}

func TestReconcilerDiscardsUnknownBooking(t *testing.T) {
	a := &scriptedApplier{errs: []error{repository.ErrReservationNotFound}}
	r, slept := newTestReconciler(a, nil)
	assert.NoError(t, r.Handle(context.Background(), event(1)))
	assert.Len(t, a.calls, 1)
	assert.Empty(t, *slept)
}

func TestReconcilerStopsOnCancel(t *testing.T) {
	a := &scriptedApplier{errs: []error{errInjected, errInjected}}
	r := NewReconciler(a, nil, nil, ReconcilerOptions{BaseBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Handle(ctx, event(1))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, a.calls, 1)
}

type brokenTracker struct{}

func (brokenTracker) Stale(context.Context, string, int64) (bool, error) { return false, errInjected }
func (brokenTracker) Record(context.Context, string, int64) error        { return errInjected }

func TestReconcilerToleratesTrackerOutage(t *testing.T) {
	a := &scriptedApplier{}
	r, _ := newTestReconciler(a, brokenTracker{})
	assert.NoError(t, r.Handle(context.Background(), event(1)))
	assert.Len(t, a.calls, 1)
}

// End to end against the real coordinator: a SUCCESS delivered twice and
// a late FAILED leave a single committed booking.
func TestReconcilerWithCoordinator(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryLedger()
	store := repository.NewMemoryReservationStore()
	svc := NewBookingService(ledger, store, nil, nil, BookingOptions{})
	_, err := ledger.CreatePool(ctx, "ev", model.SeatRegular, 3)
	require.NoError(t, err)
	res, err := svc.CreateBooking(ctx, CreateBookingInput{UserID: "u", EventID: "ev", SeatType: model.SeatRegular, Quantity: 3})
	require.NoError(t, err)

	r := NewReconciler(svc, repository.NewMemorySequenceTracker(), nil, ReconcilerOptions{})
	ev := event(1)
	ev.BookingID = res.BookingID
	require.NoError(t, r.Handle(ctx, ev))
	require.NoError(t, r.Handle(ctx, ev))

	late := ev
	late.Outcome = model.OutcomeFailed
	late.EventSequenceID = 2
	require.NoError(t, r.Handle(ctx, late))

	got, err := svc.GetBooking(ctx, res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	p, err := ledger.GetPool(ctx, "ev", model.SeatRegular)
	require.NoError(t, err)
	assert.Equal(t, 3, p.CommittedCount)
	assert.Equal(t, 0, p.AvailableCount)
}
