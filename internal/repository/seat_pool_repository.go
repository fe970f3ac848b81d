package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// SeatPoolRepo is the MySQL-backed inventory ledger. Pool counters live in
// seat_pools, keyed by (event_id, seat_type); every reserve issues a row
// in seat_pool_tokens keyed by booking_id whose state makes commit and
// release idempotent. Each operation runs in one short transaction and
// touches the pool row with a single conditional UPDATE, so concurrent
// callers on the same pool are serialized by the row lock while distinct
// pools proceed independently.
type SeatPoolRepo struct {
	db *sql.DB
}

// NewSeatPoolRepo returns a new SeatPoolRepo bound to the given database.
func NewSeatPoolRepo(db *sql.DB) *SeatPoolRepo { return &SeatPoolRepo{db: db} }

const (
	qPoolInsert = `INSERT INTO seat_pools (event_id, seat_type, total_capacity, available_count, reserved_count, committed_count, version) VALUES (?, ?, ?, ?, 0, 0, 0)`

	qPoolSelect = `SELECT event_id, seat_type, total_capacity, available_count, reserved_count, committed_count, version, created_at, updated_at FROM seat_pools WHERE event_id = ? AND seat_type = ?`

	qPoolExists = `SELECT 1 FROM seat_pools WHERE event_id = ? AND seat_type = ?`

	qPoolReserve = `UPDATE seat_pools SET available_count = available_count - ?, reserved_count = reserved_count + ?, version = version + 1, updated_at = UTC_TIMESTAMP(6) WHERE event_id = ? AND seat_type = ? AND available_count >= ?`

	qPoolCommit = `UPDATE seat_pools SET committed_count = committed_count + ?, version = version + 1, updated_at = UTC_TIMESTAMP(6) WHERE event_id = ? AND seat_type = ?`

	qPoolRelease = `UPDATE seat_pools SET available_count = available_count + ?, reserved_count = reserved_count - ?, version = version + 1, updated_at = UTC_TIMESTAMP(6) WHERE event_id = ? AND seat_type = ?`

	qTokenInsert = `INSERT INTO seat_pool_tokens (booking_id, event_id, seat_type, quantity, state) VALUES (?, ?, ?, ?, ?)`

	qTokenLock = `SELECT event_id, seat_type, quantity, state FROM seat_pool_tokens WHERE booking_id = ? FOR UPDATE`

	qTokenState = `UPDATE seat_pool_tokens SET state = ?, updated_at = UTC_TIMESTAMP(6) WHERE booking_id = ?`
)

// CreatePool publishes a new pool with all capacity available. It returns
// ErrPoolExists when the pool is already present.
func (r *SeatPoolRepo) CreatePool(ctx context.Context, eventID string, seatType model.SeatType, capacity int) (model.SeatPool, error) {
	if capacity <= 0 {
		return model.SeatPool{}, fmt.Errorf("invalid capacity %d", capacity)
	}
	if _, err := r.db.ExecContext(ctx, qPoolInsert, eventID, string(seatType), capacity, capacity); err != nil {
		if isDuplicateKey(err) {
			return model.SeatPool{}, ErrPoolExists
		}
		return model.SeatPool{}, err
	}
	return r.GetPool(ctx, eventID, seatType)
}

// GetPool returns the current counters of a pool or ErrPoolNotFound.
func (r *SeatPoolRepo) GetPool(ctx context.Context, eventID string, seatType model.SeatType) (model.SeatPool, error) {
	var p model.SeatPool
	var st string
	err := r.db.QueryRowContext(ctx, qPoolSelect, eventID, string(seatType)).Scan(
		&p.EventID, &st, &p.TotalCapacity, &p.AvailableCount, &p.ReservedCount,
		&p.CommittedCount, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SeatPool{}, ErrPoolNotFound
	}
	if err != nil {
		return model.SeatPool{}, err
	}
	p.SeatType = model.SeatType(st)
	return p, nil
}

// Reserve moves quantity units from available to reserved and records a
// HELD token for bookingID. When the pool cannot cover the full quantity
// nothing changes and ErrInsufficientInventory is returned.
func (r *SeatPoolRepo) Reserve(ctx context.Context, eventID string, seatType model.SeatType, quantity int, bookingID string) (model.ReservationToken, error) {
	if quantity <= 0 {
		return model.ReservationToken{}, fmt.Errorf("invalid quantity %d", quantity)
	}
	tok := model.ReservationToken{BookingID: bookingID, EventID: eventID, SeatType: seatType, Quantity: quantity}
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, qPoolReserve, quantity, quantity, eventID, string(seatType), quantity)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, qPoolExists, eventID, string(seatType)).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPoolNotFound
			}
			if err != nil {
				return err
			}
			return ErrInsufficientInventory
		}
		if _, err := tx.ExecContext(ctx, qTokenInsert, bookingID, eventID, string(seatType), quantity, string(model.TokenHeld)); err != nil {
			if isDuplicateKey(err) {
				return ErrDuplicateBooking
			}
			return err
		}
		return nil
	})
	if err != nil {
		return model.ReservationToken{}, err
	}
	return tok, nil
}

// Commit turns the held units of token into permanently allocated ones.
// Committing an already committed token is a no-op; committing a
// released token fails with ErrInvalidTransition.
func (r *SeatPoolRepo) Commit(ctx context.Context, token model.ReservationToken) error {
	return r.settle(ctx, token.BookingID, model.TokenCommitted)
}

// Release returns the held units of token to the available count.
// Releasing an already released token is a no-op; releasing a committed
// token fails with ErrInvalidTransition.
func (r *SeatPoolRepo) Release(ctx context.Context, token model.ReservationToken) error {
	return r.settle(ctx, token.BookingID, model.TokenReleased)
}

// settle moves a HELD token to target and applies the matching counter
// change. The token row is locked first so that concurrent settle calls
// for the same booking observe each other's state.
func (r *SeatPoolRepo) settle(ctx context.Context, bookingID string, target model.TokenState) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var eventID, seatType, state string
		var qty int
		err := tx.QueryRowContext(ctx, qTokenLock, bookingID).Scan(&eventID, &seatType, &qty, &state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTokenNotFound
		}
		if err != nil {
			return err
		}
		switch model.TokenState(state) {
		case target:
			return nil
		case model.TokenHeld:
		default:
			return fmt.Errorf("%w: token %s is %s", ErrInvalidTransition, bookingID, state)
		}
		if target == model.TokenCommitted {
			_, err = tx.ExecContext(ctx, qPoolCommit, qty, eventID, seatType)
		} else {
			_, err = tx.ExecContext(ctx, qPoolRelease, qty, qty, eventID, seatType)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, qTokenState, string(target), bookingID)
		return err
	})
}
