package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/repository"
)

// PaymentApplier is the part of the coordinator the reconciler drives.
type PaymentApplier interface {
	ApplyPaymentOutcome(ctx context.Context, bookingID string, outcome model.PaymentOutcome, eventSeq int64) (ApplyResult, error)
}

// SequenceTracker remembers the highest payment event sequence applied per
// booking. It lets the reconciler drop redeliveries without a store read;
// the coordinator's terminal-state check still guards every apply.
type SequenceTracker interface {
	Stale(ctx context.Context, bookingID string, seq int64) (bool, error)
	Record(ctx context.Context, bookingID string, seq int64) error
}

// ReconcilerOptions tunes retry behaviour. Zero values select defaults.
type ReconcilerOptions struct {
	MaxAttempts int           // attempts per event before giving up (default 5)
	BaseBackoff time.Duration // delay before the first retry, doubled each time (default 200ms)
	MaxBackoff  time.Duration // cap on the retry delay (default 5s)
}

// Reconciler applies inbound payment outcome events to reservations. It
// assumes at-least-once, unordered delivery: duplicates and events older
// than one already applied are discarded.
type Reconciler struct {
	bookings PaymentApplier
	tracker  SequenceTracker
	log      *slog.Logger
	opts     ReconcilerOptions
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewReconciler returns a reconciler. tracker may be nil, in which case
// deduplication relies on the coordinator alone.
func NewReconciler(bookings PaymentApplier, tracker SequenceTracker, logger *slog.Logger, opts ReconcilerOptions) *Reconciler {
	if bookings == nil {
		panic("nil payment applier passed to NewReconciler")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	return &Reconciler{bookings: bookings, tracker: tracker, log: logger, opts: opts, sleep: sleepCtx}
}

// Handle validates and applies one event. It returns nil when the event
// was applied or safely discarded, an error wrapping model.ErrInvalidEvent
// for malformed input, and the last transient error once the retry budget
// is spent so the transport can redeliver.
func (r *Reconciler) Handle(ctx context.Context, ev model.PaymentOutcomeEvent) error {
	if err := ev.Validate(); err != nil {
		r.log.Warn("rejecting payment event", "booking_id", ev.BookingID, "error", err)
		return err
	}
	log := r.log.With("booking_id", ev.BookingID, "outcome", ev.Outcome, "event_seq", ev.EventSequenceID)

	if r.tracker != nil {
		stale, err := r.tracker.Stale(ctx, ev.BookingID, ev.EventSequenceID)
		if err != nil {
			// The tracker is an optimisation; fall through to the coordinator.
			log.Warn("sequence lookup failed", "error", err)
		} else if stale {
			log.Info("discarding stale or duplicate payment event")
			return nil
		}
	}

	delay := r.opts.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		result, err := r.bookings.ApplyPaymentOutcome(ctx, ev.BookingID, ev.Outcome, ev.EventSequenceID)
		if err == nil {
			log.Info("payment event reconciled", "result", result, "observed_at", ev.ObservedAt)
			r.record(ctx, log, ev)
			return nil
		}
		if errors.Is(err, repository.ErrReservationNotFound) {
			log.Warn("discarding payment event for unknown booking")
			return nil
		}
		if errors.Is(err, ErrValidation) || errors.Is(err, model.ErrInvalidEvent) {
			return err
		}
		lastErr = err
		if attempt == r.opts.MaxAttempts {
			break
		}
		log.Warn("apply payment event failed; retrying", "attempt", attempt, "backoff", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > r.opts.MaxBackoff {
			delay = r.opts.MaxBackoff
		}
	}
	log.Error("giving up on payment event", "attempts", r.opts.MaxAttempts, "error", lastErr)
	return lastErr
}

func (r *Reconciler) record(ctx context.Context, log *slog.Logger, ev model.PaymentOutcomeEvent) {
	if r.tracker == nil {
		return
	}
	if err := r.tracker.Record(ctx, ev.BookingID, ev.EventSequenceID); err != nil {
		log.Warn("sequence record failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
