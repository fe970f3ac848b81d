package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-booking/internal/model"
)

type sweeperFixture struct {
	ctx     context.Context
	clock   *testClock
	ledger  *flakyLedger
	store   *flakyStore
	svc     *BookingService
	sweeper *Sweeper
}

func newSweeperFixture(t *testing.T, capacity int) *sweeperFixture {
	t.Helper()
	f := &sweeperFixture{
		ctx:    context.Background(),
		clock:  &testClock{now: time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)},
		ledger: newFlakyLedger(),
		store:  newFlakyStore(),
	}
	f.svc = NewBookingService(f.ledger, f.store, nil, nil, BookingOptions{Now: f.clock.Now})
	f.sweeper = NewSweeper(f.store, f.svc, time.Minute, nil)
	f.sweeper.now = f.clock.Now
	_, err := f.ledger.CreatePool(f.ctx, "ev", model.SeatRegular, capacity)
	require.NoError(t, err)
	return f
}

func (f *sweeperFixture) book(t *testing.T, ttl time.Duration) string {
	t.Helper()
	res, err := f.svc.CreateBooking(f.ctx, CreateBookingInput{UserID: "u", EventID: "ev", SeatType: model.SeatRegular, Quantity: 1, TTL: ttl})
	require.NoError(t, err)
	return res.BookingID
}

func (f *sweeperFixture) status(t *testing.T, id string) model.BookingStatus {
	t.Helper()
	res, err := f.svc.GetBooking(f.ctx, id)
	require.NoError(t, err)
	return res.Status
}

func TestSweepOnceExpiresOnlyDueBookings(t *testing.T) {
	f := newSweeperFixture(t, 5)
	short := f.book(t, time.Minute)
	long := f.book(t, 30*time.Minute)
	paid := f.book(t, time.Minute)
	_, err := f.svc.ApplyPaymentOutcome(f.ctx, paid, model.OutcomeSuccess, 1)
	require.NoError(t, err)

	assert.Equal(t, SweepResult{}, f.sweeper.SweepOnce(f.ctx))

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, SweepResult{Scanned: 1, Expired: 1}, f.sweeper.SweepOnce(f.ctx))
	assert.Equal(t, model.StatusExpired, f.status(t, short))
	assert.Equal(t, model.StatusPending, f.status(t, long))
	assert.Equal(t, model.StatusConfirmed, f.status(t, paid))

	p, err := f.ledger.GetPool(f.ctx, "ev", model.SeatRegular)
	require.NoError(t, err)
	assert.Equal(t, 3, p.AvailableCount)
	assert.True(t, p.Balanced())

	// A second pass finds nothing left to do.
	assert.Equal(t, SweepResult{}, f.sweeper.SweepOnce(f.ctx))
}

func TestSweepOnceRetriesFailedRelease(t *testing.T) {
	f := newSweeperFixture(t, 2)
	a := f.book(t, time.Minute)
	b := f.book(t, time.Minute)
	f.clock.Advance(2 * time.Minute)

	f.ledger.failReleases = 1
	out := f.sweeper.SweepOnce(f.ctx)
	assert.Equal(t, 2, out.Scanned)
	assert.Equal(t, 1, out.Expired)
	assert.Equal(t, 1, out.Failed)

	assert.Equal(t, model.StatusExpired, f.status(t, a))
	assert.Equal(t, model.StatusExpired, f.status(t, b))
	p, _ := f.ledger.GetPool(f.ctx, "ev", model.SeatRegular)
	assert.Equal(t, 1, p.AvailableCount, "one release is still outstanding")

	// The failed booking is no longer PENDING; the unsettled scan brings
	// it back.
	out = f.sweeper.SweepOnce(f.ctx)
	assert.Equal(t, SweepResult{Scanned: 1, Resettled: 1}, out)
	p, _ = f.ledger.GetPool(f.ctx, "ev", model.SeatRegular)
	assert.Equal(t, 2, p.AvailableCount)
	assert.True(t, p.Balanced())

	assert.Equal(t, SweepResult{}, f.sweeper.SweepOnce(f.ctx))
}

func TestSweeperRecoversReleaseAfterRestart(t *testing.T) {
	f := newSweeperFixture(t, 2)
	id := f.book(t, time.Minute)
	f.clock.Advance(2 * time.Minute)

	f.ledger.failReleases = 1
	assert.Equal(t, SweepResult{Scanned: 1, Failed: 1}, f.sweeper.SweepOnce(f.ctx))
	assert.Equal(t, model.StatusExpired, f.status(t, id))

	// A new process: fresh coordinator and sweeper over the same durable
	// ledger and store.
	svc := NewBookingService(f.ledger, f.store, nil, nil, BookingOptions{Now: f.clock.Now})
	restarted := NewSweeper(f.store, svc, time.Minute, nil)
	restarted.now = f.clock.Now

	assert.Equal(t, SweepResult{Scanned: 1, Resettled: 1}, restarted.SweepOnce(f.ctx))
	p, err := f.ledger.GetPool(f.ctx, "ev", model.SeatRegular)
	require.NoError(t, err)
	assert.Equal(t, 2, p.AvailableCount)
	assert.Equal(t, 0, p.ReservedCount)
	assert.True(t, p.Balanced())

	assert.Equal(t, SweepResult{}, restarted.SweepOnce(f.ctx))
}

func TestSweeperRecoversFailedCommit(t *testing.T) {
	f := newSweeperFixture(t, 2)
	id := f.book(t, 30*time.Minute)

	f.ledger.failCommits = 1
	_, err := f.svc.ApplyPaymentOutcome(f.ctx, id, model.OutcomeSuccess, 1)
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, model.StatusConfirmed, f.status(t, id))

	svc := NewBookingService(f.ledger, f.store, nil, nil, BookingOptions{Now: f.clock.Now})
	restarted := NewSweeper(f.store, svc, time.Minute, nil)
	restarted.now = f.clock.Now
	assert.Equal(t, SweepResult{Scanned: 1, Resettled: 1}, restarted.SweepOnce(f.ctx))

	p, err := f.ledger.GetPool(f.ctx, "ev", model.SeatRegular)
	require.NoError(t, err)
	assert.Equal(t, 1, p.CommittedCount)
	assert.Equal(t, 1, p.AvailableCount)
	assert.True(t, p.Balanced())
}

func TestSweepOnceSurvivesScanError(t *testing.T) {
	f := newSweeperFixture(t, 3)
	f.book(t, time.Minute)
	f.book(t, time.Minute)
	f.clock.Advance(time.Hour)

	f.store.failScanAfter = 1
	out := f.sweeper.SweepOnce(f.ctx)
	assert.Equal(t, SweepResult{Scanned: 1, Expired: 1}, out)

	f.store.failScanAfter = -1
	out = f.sweeper.SweepOnce(f.ctx)
	assert.Equal(t, SweepResult{Scanned: 1, Expired: 1}, out)
}

type countingExpirer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingExpirer) ExpireBooking(context.Context, string) (ApplyResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return ResultApplied, nil
}

func (c *countingExpirer) SettleBooking(context.Context, string) (ApplyResult, error) {
	return ResultDuplicate, nil
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newSweeperFixture(t, 1)
	f.book(t, time.Minute)
	f.clock.Advance(time.Hour)

	exp := &countingExpirer{}
	s := NewSweeper(f.store, exp, time.Hour, nil)
	s.now = f.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		exp.mu.Lock()
		defer exp.mu.Unlock()
		return exp.calls == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
