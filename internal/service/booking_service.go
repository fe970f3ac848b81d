// Package service implements the booking saga: the coordinator that
// reserves inventory and drives reservations through their state machine,
// the reconciler that applies payment outcomes, and the sweeper that
// expires abandoned bookings.
package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/ticket-booking/internal/model"
	"github.com/iliyamo/ticket-booking/internal/repository"
)

// ErrValidation marks a booking request rejected before any inventory is
// touched.
var ErrValidation = errors.New("validation error")

// Ledger is the inventory ledger the coordinator draws seats from.
type Ledger interface {
	Reserve(ctx context.Context, eventID string, seatType model.SeatType, quantity int, bookingID string) (model.ReservationToken, error)
	Commit(ctx context.Context, token model.ReservationToken) error
	Release(ctx context.Context, token model.ReservationToken) error
}

// ReservationStore is the durable record of booking attempts. A terminal
// reservation stays unsettled until MarkSettled records that its ledger
// effect was applied; FindUnsettled lists the ones still owed.
type ReservationStore interface {
	Create(ctx context.Context, res model.Reservation) error
	Get(ctx context.Context, bookingID string) (model.Reservation, error)
	Transition(ctx context.Context, bookingID string, from, to model.BookingStatus, expectedVersion, eventSeq int64) (model.Reservation, error)
	FindExpiredPending(ctx context.Context, now time.Time) iter.Seq2[model.Reservation, error]
	MarkSettled(ctx context.Context, bookingID string) error
	FindUnsettled(ctx context.Context) iter.Seq2[model.Reservation, error]
}

// EventPublisher emits the outbound booking events. Publishing is best
// effort; a failure is logged and never undoes a committed state change.
type EventPublisher interface {
	BookingCreated(ctx context.Context, res model.Reservation) error
	BookingConfirmed(ctx context.Context, res model.Reservation) error
	BookingCancelled(ctx context.Context, res model.Reservation) error
}

// ApplyResult describes what an apply or expire call did.
type ApplyResult string

const (
	// ResultApplied means this call moved the reservation out of PENDING.
	ResultApplied ApplyResult = "applied"
	// ResultDuplicate means the reservation already reflected this change.
	ResultDuplicate ApplyResult = "duplicate"
	// ResultIgnored means the reservation had reached a different terminal
	// state (or was not yet due) and the request was discarded.
	ResultIgnored ApplyResult = "ignored"
)

// BookingOptions tunes the coordinator. Zero values select defaults.
type BookingOptions struct {
	DefaultTTL  time.Duration    // hold duration when a request carries none (default 10m)
	MaxTTL      time.Duration    // upper bound for requested TTLs (default 1h)
	MaxQuantity int              // per-booking seat limit (default 10)
	CASAttempts int              // re-read budget after a version conflict (default 5)
	Now         func() time.Time // clock, UTC
	NewID       func() string    // booking id generator
}

// CreateBookingInput carries a validated-at-the-edge booking request.
type CreateBookingInput struct {
	UserID   string
	EventID  string
	SeatType model.SeatType
	Quantity int
	TTL      time.Duration
}

// BookingService is the saga coordinator. It owns every reservation state
// change: it is the only caller of ReservationStore.Transition and of the
// ledger's commit and release.
type BookingService struct {
	ledger    Ledger
	store     ReservationStore
	publisher EventPublisher
	log       *slog.Logger
	opts      BookingOptions
}

// NewBookingService wires a coordinator. ledger and store must be
// non-nil; a nil publisher disables outbound events and a nil logger
// discards logs.
func NewBookingService(ledger Ledger, store ReservationStore, publisher EventPublisher, logger *slog.Logger, opts BookingOptions) *BookingService {
	if ledger == nil || store == nil {
		panic("nil ledger or store passed to NewBookingService")
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 10 * time.Minute
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = time.Hour
	}
	if opts.MaxQuantity <= 0 {
		opts.MaxQuantity = 10
	}
	if opts.CASAttempts <= 0 {
		opts.CASAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &BookingService{ledger: ledger, store: store, publisher: publisher, log: logger, opts: opts}
}

func (s *BookingService) validate(in CreateBookingInput) (time.Duration, error) {
	if in.EventID == "" {
		return 0, fmt.Errorf("%w: event_id is required", ErrValidation)
	}
	if _, ok := model.ParseSeatType(string(in.SeatType)); !ok {
		return 0, fmt.Errorf("%w: unknown seat_type %q", ErrValidation, in.SeatType)
	}
	if in.Quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if in.Quantity > s.opts.MaxQuantity {
		return 0, fmt.Errorf("%w: quantity exceeds limit of %d", ErrValidation, s.opts.MaxQuantity)
	}
	ttl := in.TTL
	if ttl == 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl < 0 || ttl > s.opts.MaxTTL {
		return 0, fmt.Errorf("%w: ttl must be between 0 and %s", ErrValidation, s.opts.MaxTTL)
	}
	return ttl, nil
}

// CreateBooking reserves quantity seats and records a PENDING reservation
// that expires after the TTL. It returns repository.ErrInsufficientInventory
// when the pool cannot cover the request and ErrValidation for malformed
// input. When the reservation cannot be stored the ledger hold is
// released before the error is returned, so no inventory leaks.
func (s *BookingService) CreateBooking(ctx context.Context, in CreateBookingInput) (model.Reservation, error) {
	ttl, err := s.validate(in)
	if err != nil {
		return model.Reservation{}, err
	}
	bookingID := s.opts.NewID()
	token, err := s.ledger.Reserve(ctx, in.EventID, in.SeatType, in.Quantity, bookingID)
	if err != nil {
		return model.Reservation{}, fmt.Errorf("reserve seats: %w", err)
	}

	now := s.opts.Now()
	res := model.Reservation{
		BookingID: bookingID,
		UserID:    in.UserID,
		EventID:   in.EventID,
		SeatType:  in.SeatType,
		Quantity:  in.Quantity,
		Status:    model.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, res); err != nil {
		// The hold must not outlive a failed write. Use a fresh context so
		// a cancelled request still rolls back.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := s.ledger.Release(relCtx, token); relErr != nil {
			s.log.Error("compensating release failed", "booking_id", bookingID, "error", relErr)
			return model.Reservation{}, errors.Join(fmt.Errorf("store reservation: %w", err), relErr)
		}
		return model.Reservation{}, fmt.Errorf("store reservation: %w", err)
	}

	s.log.Info("booking created", "booking_id", bookingID, "event_id", in.EventID,
		"seat_type", in.SeatType, "quantity", in.Quantity, "expires_at", res.ExpiresAt)
	if err := s.publisher.BookingCreated(ctx, res); err != nil {
		s.log.Warn("publish booking.created failed", "booking_id", bookingID, "error", err)
	}
	return res, nil
}

// GetBooking returns the current reservation record.
func (s *BookingService) GetBooking(ctx context.Context, bookingID string) (model.Reservation, error) {
	return s.store.Get(ctx, bookingID)
}

// ApplyPaymentOutcome applies a payment result to a booking. A PENDING
// booking moves to CONFIRMED or CANCELLED and its inventory is committed
// or released. A booking that is already terminal is left untouched: the
// call succeeds with ResultDuplicate when the stored state already
// reflects this outcome, and ResultIgnored when the booking settled
// differently (for example it expired first).
func (s *BookingService) ApplyPaymentOutcome(ctx context.Context, bookingID string, outcome model.PaymentOutcome, eventSeq int64) (ApplyResult, error) {
	if !outcome.Valid() {
		return "", fmt.Errorf("%w: unknown outcome %q", ErrValidation, outcome)
	}
	return s.drive(ctx, bookingID, outcome.TargetStatus(), eventSeq, false)
}

// ExpireBooking moves a PENDING booking past its deadline to EXPIRED and
// releases its seats. Bookings that are not yet due or already terminal
// are left alone.
func (s *BookingService) ExpireBooking(ctx context.Context, bookingID string) (ApplyResult, error) {
	return s.drive(ctx, bookingID, model.StatusExpired, 0, true)
}

// SettleBooking re-applies the ledger effect of a terminal booking whose
// settlement never completed, such as a release that failed after the
// booking was marked EXPIRED. It returns ResultDuplicate once the effect
// is in place and ResultIgnored for a booking that is still PENDING.
func (s *BookingService) SettleBooking(ctx context.Context, bookingID string) (ApplyResult, error) {
	res, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return "", err
	}
	if !res.Status.IsTerminal() {
		return ResultIgnored, nil
	}
	if err := s.settle(ctx, res); err != nil {
		return "", err
	}
	s.log.Info("booking settlement recovered", "booking_id", bookingID, "status", res.Status)
	return ResultDuplicate, nil
}

// drive runs the read / compare-and-swap / settle loop shared by payment
// application and expiry. A version conflict means a concurrent caller
// moved the record; it is re-read and the decision taken again.
func (s *BookingService) drive(ctx context.Context, bookingID string, target model.BookingStatus, eventSeq int64, requireDue bool) (ApplyResult, error) {
	for attempt := 0; attempt < s.opts.CASAttempts; attempt++ {
		res, err := s.store.Get(ctx, bookingID)
		if err != nil {
			return "", err
		}
		if res.Status.IsTerminal() {
			return s.terminal(ctx, res, target, eventSeq)
		}
		if requireDue && s.opts.Now().Before(res.ExpiresAt) {
			return ResultIgnored, nil
		}

		updated, err := s.store.Transition(ctx, bookingID, res.Status, target, res.Version, eventSeq)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.log.Debug("transition lost race, re-reading", "booking_id", bookingID, "target", target)
			continue
		}
		if err != nil {
			return "", err
		}
		if err := s.settle(ctx, updated); err != nil {
			return "", err
		}
		s.log.Info("booking transitioned", "booking_id", bookingID, "status", updated.Status,
			"version", updated.Version, "event_seq", eventSeq)
		s.announce(ctx, updated)
		return ResultApplied, nil
	}
	return "", fmt.Errorf("booking %s: %w after %d attempts", bookingID, repository.ErrVersionConflict, s.opts.CASAttempts)
}

// terminal handles a request that finds the booking already final. When
// the stored status matches the target the inventory effect is re-driven:
// commit and release are idempotent, so this is a no-op when the first
// attempt finished and completes it when the first attempt failed midway.
func (s *BookingService) terminal(ctx context.Context, res model.Reservation, target model.BookingStatus, eventSeq int64) (ApplyResult, error) {
	if res.Status != target {
		s.log.Warn("ignoring transition out of terminal state",
			"booking_id", res.BookingID, "status", res.Status, "target", target,
			"event_seq", eventSeq, "error", repository.ErrInvalidTransition)
		return ResultIgnored, nil
	}
	if err := s.settle(ctx, res); err != nil {
		return "", err
	}
	s.log.Debug("duplicate transition discarded", "booking_id", res.BookingID, "status", res.Status,
		"event_seq", eventSeq, "last_event_seq", res.LastEventSeq)
	return ResultDuplicate, nil
}

// settle applies the ledger effect of a terminal status and then flags
// the record as settled. A failed flag write is only logged: the booking
// stays in FindUnsettled and the idempotent effect is applied again.
func (s *BookingService) settle(ctx context.Context, res model.Reservation) error {
	var err error
	switch res.Status {
	case model.StatusConfirmed:
		err = s.ledger.Commit(ctx, res.Token())
	case model.StatusCancelled, model.StatusExpired:
		err = s.ledger.Release(ctx, res.Token())
	default:
		return fmt.Errorf("settle booking %s: %w: status %s", res.BookingID, repository.ErrInvalidTransition, res.Status)
	}
	if err != nil {
		s.log.Error("inventory settlement failed", "booking_id", res.BookingID, "status", res.Status, "error", err)
		return fmt.Errorf("settle booking %s: %w", res.BookingID, err)
	}
	if err := s.store.MarkSettled(ctx, res.BookingID); err != nil {
		s.log.Warn("mark settled failed", "booking_id", res.BookingID, "error", err)
	}
	return nil
}

func (s *BookingService) announce(ctx context.Context, res model.Reservation) {
	var err error
	topic := "booking.cancelled"
	if res.Status == model.StatusConfirmed {
		topic = "booking.confirmed"
		err = s.publisher.BookingConfirmed(ctx, res)
	} else {
		err = s.publisher.BookingCancelled(ctx, res)
	}
	if err != nil {
		s.log.Warn("publish failed", "topic", topic, "booking_id", res.BookingID, "error", err)
	}
}

type nopPublisher struct{}

func (nopPublisher) BookingCreated(context.Context, model.Reservation) error   { return nil }
func (nopPublisher) BookingConfirmed(context.Context, model.Reservation) error { return nil }
func (nopPublisher) BookingCancelled(context.Context, model.Reservation) error { return nil }
