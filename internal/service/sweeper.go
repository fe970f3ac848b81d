package service

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/repository"
)

// ReservationScanner yields the reservations the sweeper acts on: PENDING
// ones past their deadline and terminal ones whose ledger effect is still
// outstanding.
type ReservationScanner interface {
	FindExpiredPending(ctx context.Context, now time.Time) iter.Seq2[model.Reservation, error]
	FindUnsettled(ctx context.Context) iter.Seq2[model.Reservation, error]
}

// BookingExpirer is the part of the coordinator the sweeper drives.
type BookingExpirer interface {
	ExpireBooking(ctx context.Context, bookingID string) (ApplyResult, error)
	SettleBooking(ctx context.Context, bookingID string) (ApplyResult, error)
}

// SweepResult summarises one sweep cycle.
type SweepResult struct {
	Scanned   int // reservations visited, including unsettled ones
	Expired   int // reservations this cycle moved to EXPIRED
	Resettled int // terminal reservations whose inventory effect was completed
	Skipped   int // reservations already settled by someone else
	Failed    int // reservations left for the next cycle
}

// Sweeper periodically expires PENDING reservations past their deadline
// and releases their seats. Its interval bounds how long an abandoned
// booking can keep inventory out of the pool.
type Sweeper struct {
	finder   ReservationScanner
	bookings BookingExpirer
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewSweeper returns a sweeper running every interval (default 30s).
func NewSweeper(finder ReservationScanner, bookings BookingExpirer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if finder == nil || bookings == nil {
		panic("nil dependency passed to NewSweeper")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sweeper{
		finder:   finder,
		bookings: bookings,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("expiry sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single cycle. It first completes the settlement of
// terminal bookings whose commit or release failed earlier, then expires
// due PENDING bookings. Both lists come from the store, so work left over
// by a failed call or a restarted process is found again. A failure on
// one booking is logged and does not stop the rest of the cycle.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var out SweepResult
	seen := make(map[string]struct{})

	for res, err := range s.finder.FindUnsettled(ctx) {
		if err != nil {
			s.log.Error("unsettled scan failed", "error", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		seen[res.BookingID] = struct{}{}
		s.resettle(ctx, res.BookingID, &out)
	}

	for res, err := range s.finder.FindExpiredPending(ctx, s.now()) {
		if err != nil {
			s.log.Error("expired scan failed", "error", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		if _, done := seen[res.BookingID]; done {
			continue
		}
		s.expire(ctx, res.BookingID, &out)
	}

	if out.Scanned > 0 {
		s.log.Info("sweep finished", "scanned", out.Scanned, "expired", out.Expired,
			"resettled", out.Resettled, "skipped", out.Skipped, "failed", out.Failed)
	}
	return out
}

func (s *Sweeper) expire(ctx context.Context, bookingID string, out *SweepResult) {
	out.Scanned++
	result, err := s.bookings.ExpireBooking(ctx, bookingID)
	if errors.Is(err, repository.ErrReservationNotFound) {
		out.Skipped++
		return
	}
	if err != nil {
		out.Failed++
		s.log.Warn("expire booking failed; will retry next cycle", "booking_id", bookingID, "error", err)
		return
	}
	if result == ResultApplied {
		out.Expired++
		return
	}
	out.Skipped++
}

func (s *Sweeper) resettle(ctx context.Context, bookingID string, out *SweepResult) {
	out.Scanned++
	result, err := s.bookings.SettleBooking(ctx, bookingID)
	if errors.Is(err, repository.ErrReservationNotFound) {
		out.Skipped++
		return
	}
	if err != nil {
		out.Failed++
		s.log.Warn("settle booking failed; will retry next cycle", "booking_id", bookingID, "error", err)
		return
	}
	if result == ResultDuplicate {
		out.Resettled++
		return
	}
	out.Skipped++
}
