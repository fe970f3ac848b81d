package repository

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"time"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// DefaultExpiredPageSize is the number of rows FindExpiredPending fetches
// per round trip when no page size is configured.
const DefaultExpiredPageSize = 100

// ReservationRepo is the MySQL-backed reservation store. Reservations are
// never deleted; status changes go exclusively through Transition, a
// compare-and-swap on (status, version). All timestamp fields are stored
// in UTC.
type ReservationRepo struct {
	db       *sql.DB
	pageSize int
}

// NewReservationRepo returns a new ReservationRepo bound to the given
// database. pageSize bounds each expired-scan query; values <= 0 select
// DefaultExpiredPageSize.
func NewReservationRepo(db *sql.DB, pageSize int) *ReservationRepo {
	if pageSize <= 0 {
		pageSize = DefaultExpiredPageSize
	}
	return &ReservationRepo{db: db, pageSize: pageSize}
}

const reservationColumns = `booking_id, user_id, event_id, seat_type, quantity, status, version, last_event_seq, created_at, expires_at, updated_at`

const (
	qReservationInsert = `INSERT INTO reservations (` + reservationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	qReservationSelect = `SELECT ` + reservationColumns + ` FROM reservations WHERE booking_id = ?`

	qReservationTransition = `UPDATE reservations SET status = ?, version = version + 1, last_event_seq = GREATEST(last_event_seq, ?), updated_at = UTC_TIMESTAMP(6) WHERE booking_id = ? AND status = ? AND version = ?`

	qExpiredFirst = `SELECT ` + reservationColumns + ` FROM reservations WHERE status = ? AND expires_at <= ? ORDER BY expires_at, booking_id LIMIT ?`

	qExpiredAfter = `SELECT ` + reservationColumns + ` FROM reservations WHERE status = ? AND expires_at <= ? AND (expires_at > ? OR (expires_at = ? AND booking_id > ?)) ORDER BY expires_at, booking_id LIMIT ?`

	qMarkSettled = `UPDATE reservations SET settled = 1 WHERE booking_id = ? AND settled = 0 AND status IN (?, ?, ?)`

	qUnsettledPage = `SELECT ` + reservationColumns + ` FROM reservations WHERE settled = 0 AND status IN (?, ?, ?) AND booking_id > ? ORDER BY booking_id LIMIT ?`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(s rowScanner) (model.Reservation, error) {
	var res model.Reservation
	var seatType, status string
	err := s.Scan(
		&res.BookingID, &res.UserID, &res.EventID, &seatType, &res.Quantity, &status,
		&res.Version, &res.LastEventSeq, &res.CreatedAt, &res.ExpiresAt, &res.UpdatedAt,
	)
	if err != nil {
		return model.Reservation{}, err
	}
	res.SeatType = model.SeatType(seatType)
	res.Status = model.BookingStatus(status)
	return res, nil
}

// Create inserts a new reservation. It returns ErrDuplicateBooking when
// the booking ID is already present.
func (r *ReservationRepo) Create(ctx context.Context, res model.Reservation) error {
	_, err := r.db.ExecContext(ctx, qReservationInsert,
		res.BookingID, res.UserID, res.EventID, string(res.SeatType), res.Quantity, string(res.Status),
		res.Version, res.LastEventSeq, res.CreatedAt.UTC(), res.ExpiresAt.UTC(), res.UpdatedAt.UTC(),
	)
	if isDuplicateKey(err) {
		return ErrDuplicateBooking
	}
	return err
}

// Get returns the reservation for bookingID or ErrReservationNotFound.
func (r *ReservationRepo) Get(ctx context.Context, bookingID string) (model.Reservation, error) {
	res, err := scanReservation(r.db.QueryRowContext(ctx, qReservationSelect, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, ErrReservationNotFound
	}
	return res, err
}

// Transition moves bookingID from one status to another when the stored
// record still has status from and version expectedVersion. On success the
// version is incremented and the updated record returned. eventSeq is kept
// as the record's last applied sequence id when it is higher than the
// stored one; pass zero for transitions not caused by a payment event.
//
// It returns ErrInvalidTransition when from -> to is not an edge of the
// state machine, ErrReservationNotFound for unknown bookings and
// ErrVersionConflict when the record moved since it was read.
func (r *ReservationRepo) Transition(ctx context.Context, bookingID string, from, to model.BookingStatus, expectedVersion, eventSeq int64) (model.Reservation, error) {
	if !model.CanTransition(from, to) {
		return model.Reservation{}, ErrInvalidTransition
	}
	result, err := r.db.ExecContext(ctx, qReservationTransition, string(to), eventSeq, bookingID, string(from), expectedVersion)
	if err != nil {
		return model.Reservation{}, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return model.Reservation{}, err
	}
	current, err := r.Get(ctx, bookingID)
	if err != nil {
		return model.Reservation{}, err
	}
	if n == 0 {
		return model.Reservation{}, ErrVersionConflict
	}
	return current, nil
}

// FindExpiredPending returns the PENDING reservations whose deadline is at
// or before now, ordered by expires_at ascending. Rows are fetched lazily
// one page at a time using a (expires_at, booking_id) keyset, so records
// transitioned while the scan is in progress do not shift later pages.
// Every iteration of the returned sequence restarts the scan from the
// beginning. A query error is yielded once and ends the sequence.
func (r *ReservationRepo) FindExpiredPending(ctx context.Context, now time.Time) iter.Seq2[model.Reservation, error] {
	return func(yield func(model.Reservation, error) bool) {
		var cursor *model.Reservation
		for {
			page, err := r.expiredPage(ctx, now.UTC(), cursor)
			if err != nil {
				yield(model.Reservation{}, err)
				return
			}
			for _, res := range page {
				if !yield(res, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &last
		}
	}
}

// MarkSettled records that the ledger effect of a terminal reservation has
// been applied. It is a no-op for PENDING, unknown or already settled
// bookings.
func (r *ReservationRepo) MarkSettled(ctx context.Context, bookingID string) error {
	_, err := r.db.ExecContext(ctx, qMarkSettled, bookingID,
		string(model.StatusConfirmed), string(model.StatusCancelled), string(model.StatusExpired))
	return err
}

// FindUnsettled returns the terminal reservations not yet marked settled,
// ordered by booking id and paged on it like FindExpiredPending.
func (r *ReservationRepo) FindUnsettled(ctx context.Context) iter.Seq2[model.Reservation, error] {
	return func(yield func(model.Reservation, error) bool) {
		after := ""
		for {
			page, err := r.queryPage(ctx, qUnsettledPage,
				string(model.StatusConfirmed), string(model.StatusCancelled), string(model.StatusExpired),
				after, r.pageSize)
			if err != nil {
				yield(model.Reservation{}, err)
				return
			}
			for _, res := range page {
				if !yield(res, nil) {
					return
				}
			}
			if len(page) < r.pageSize {
				return
			}
			after = page[len(page)-1].BookingID
		}
	}
}

func (r *ReservationRepo) expiredPage(ctx context.Context, now time.Time, after *model.Reservation) ([]model.Reservation, error) {
	pending := string(model.StatusPending)
	if after == nil {
		return r.queryPage(ctx, qExpiredFirst, pending, now, r.pageSize)
	}
	return r.queryPage(ctx, qExpiredAfter, pending, now, after.ExpiresAt, after.ExpiresAt, after.BookingID, r.pageSize)
}

func (r *ReservationRepo) queryPage(ctx context.Context, query string, args ...any) ([]model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	page := make([]model.Reservation, 0, r.pageSize)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return page, nil
}
