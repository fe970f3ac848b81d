package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-booking/internal/model"
)

// RedisLedger keeps pool counters and tokens in Redis hashes and mutates
// them only through Lua scripts, which Redis executes atomically. Pool and
// token keys share a {event:seat} hash tag so both land in the same slot
// on a cluster.
type RedisLedger struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLedger returns a ledger that namespaces its keys under prefix
// ("ledger" when empty).
func NewRedisLedger(rdb redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "ledger"
	}
	return &RedisLedger{rdb: rdb, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (l *RedisLedger) poolKey(eventID string, seatType model.SeatType) string {
	return fmt.Sprintf("%s:{%s:%s}:pool", l.prefix, eventID, seatType)
}

func (l *RedisLedger) tokenKey(eventID string, seatType model.SeatType, bookingID string) string {
	return fmt.Sprintf("%s:{%s:%s}:token:%s", l.prefix, eventID, seatType, bookingID)
}

// Script result codes shared by all ledger scripts.
const (
	scriptOK           = 1
	scriptNoop         = 0
	scriptPoolMissing  = -1
	scriptTokenMissing = -2
	scriptInsufficient = -3
	scriptDuplicate    = -4
	scriptWrongState   = -5
)

var createPoolScript = redis.NewScript(`
    if redis.call('EXISTS', KEYS[1]) == 1 then
        return -4
    end
    redis.call('HSET', KEYS[1],
        'event_id', ARGV[1], 'seat_type', ARGV[2],
        'total', ARGV[3], 'available', ARGV[3], 'reserved', 0, 'committed', 0,
        'version', 0, 'created_at', ARGV[4], 'updated_at', ARGV[4])
    return 1
`)

var reserveScript = redis.NewScript(`
    local qty = tonumber(ARGV[1])
    if redis.call('EXISTS', KEYS[1]) == 0 then
        return -1
    end
    if redis.call('EXISTS', KEYS[2]) == 1 then
        return -4
    end
    local available = tonumber(redis.call('HGET', KEYS[1], 'available'))
    if available < qty then
        return -3
    end
    redis.call('HINCRBY', KEYS[1], 'available', -qty)
    redis.call('HINCRBY', KEYS[1], 'reserved', qty)
    redis.call('HINCRBY', KEYS[1], 'version', 1)
    redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
    redis.call('HSET', KEYS[2], 'quantity', qty, 'state', 'HELD')
    return 1
`)

var commitScript = redis.NewScript(`
    local state = redis.call('HGET', KEYS[2], 'state')
    if not state then
        return -2
    end
    if state == 'COMMITTED' then
        return 0
    end
    if state ~= 'HELD' then
        return -5
    end
    local qty = tonumber(redis.call('HGET', KEYS[2], 'quantity'))
    redis.call('HINCRBY', KEYS[1], 'committed', qty)
    redis.call('HINCRBY', KEYS[1], 'version', 1)
    redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
    redis.call('HSET', KEYS[2], 'state', 'COMMITTED')
    return 1
`)

var releaseScript = redis.NewScript(`
    local state = redis.call('HGET', KEYS[2], 'state')
    if not state then
        return -2
    end
    if state == 'RELEASED' then
        return 0
    end
    if state ~= 'HELD' then
        return -5
    end
    local qty = tonumber(redis.call('HGET', KEYS[2], 'quantity'))
    redis.call('HINCRBY', KEYS[1], 'available', qty)
    redis.call('HINCRBY', KEYS[1], 'reserved', -qty)
    redis.call('HINCRBY', KEYS[1], 'version', 1)
    redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
    redis.call('HSET', KEYS[2], 'state', 'RELEASED')
    return 1
`)

func (l *RedisLedger) stamp() string { return l.now().Format(time.RFC3339Nano) }

// CreatePool publishes a new pool with all capacity available.
func (l *RedisLedger) CreatePool(ctx context.Context, eventID string, seatType model.SeatType, capacity int) (model.SeatPool, error) {
	if capacity <= 0 {
		return model.SeatPool{}, fmt.Errorf("invalid capacity %d", capacity)
	}
	code, err := createPoolScript.Run(ctx, l.rdb, []string{l.poolKey(eventID, seatType)},
		eventID, string(seatType), capacity, l.stamp()).Int64()
	if err != nil {
		return model.SeatPool{}, err
	}
	if code == scriptDuplicate {
		return model.SeatPool{}, ErrPoolExists
	}
	return l.GetPool(ctx, eventID, seatType)
}

// GetPool reads the pool hash.
func (l *RedisLedger) GetPool(ctx context.Context, eventID string, seatType model.SeatType) (model.SeatPool, error) {
	vals, err := l.rdb.HGetAll(ctx, l.poolKey(eventID, seatType)).Result()
	if err != nil {
		return model.SeatPool{}, err
	}
	if len(vals) == 0 {
		return model.SeatPool{}, ErrPoolNotFound
	}
	p, err := decodePool(vals)
	if err != nil {
		return model.SeatPool{}, fmt.Errorf("pool %s/%s: %w", eventID, seatType, err)
	}
	p.EventID, p.SeatType = eventID, seatType
	return p, nil
}

// decodePool parses a pool hash. Every field is required; a missing or
// malformed one is an error rather than a zero counter.
func decodePool(vals map[string]string) (model.SeatPool, error) {
	var p model.SeatPool
	ints := []struct {
		field string
		dst   *int
	}{
		{"total", &p.TotalCapacity},
		{"available", &p.AvailableCount},
		{"reserved", &p.ReservedCount},
		{"committed", &p.CommittedCount},
	}
	for _, f := range ints {
		n, err := strconv.Atoi(vals[f.field])
		if err != nil {
			return model.SeatPool{}, fmt.Errorf("field %s: %w", f.field, err)
		}
		*f.dst = n
	}
	var err error
	if p.Version, err = strconv.ParseInt(vals["version"], 10, 64); err != nil {
		return model.SeatPool{}, fmt.Errorf("field version: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, vals["created_at"]); err != nil {
		return model.SeatPool{}, fmt.Errorf("field created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, vals["updated_at"]); err != nil {
		return model.SeatPool{}, fmt.Errorf("field updated_at: %w", err)
	}
	return p, nil
}

// Reserve atomically draws quantity units from the pool for bookingID.
func (l *RedisLedger) Reserve(ctx context.Context, eventID string, seatType model.SeatType, quantity int, bookingID string) (model.ReservationToken, error) {
	if quantity <= 0 {
		return model.ReservationToken{}, fmt.Errorf("invalid quantity %d", quantity)
	}
	keys := []string{l.poolKey(eventID, seatType), l.tokenKey(eventID, seatType, bookingID)}
	code, err := reserveScript.Run(ctx, l.rdb, keys, quantity, l.stamp()).Int64()
	if err != nil {
		return model.ReservationToken{}, err
	}
	if err := scriptError(code, bookingID); err != nil {
		return model.ReservationToken{}, err
	}
	return model.ReservationToken{BookingID: bookingID, EventID: eventID, SeatType: seatType, Quantity: quantity}, nil
}

// Commit permanently allocates the units held by token. Idempotent.
func (l *RedisLedger) Commit(ctx context.Context, token model.ReservationToken) error {
	return l.settle(ctx, commitScript, token)
}

// Release returns the units held by token to the pool. Idempotent.
func (l *RedisLedger) Release(ctx context.Context, token model.ReservationToken) error {
	return l.settle(ctx, releaseScript, token)
}

func (l *RedisLedger) settle(ctx context.Context, script *redis.Script, token model.ReservationToken) error {
	keys := []string{
		l.poolKey(token.EventID, token.SeatType),
		l.tokenKey(token.EventID, token.SeatType, token.BookingID),
	}
	code, err := script.Run(ctx, l.rdb, keys, l.stamp()).Int64()
	if err != nil {
		return err
	}
	return scriptError(code, token.BookingID)
}

func scriptError(code int64, bookingID string) error {
	switch code {
	case scriptOK, scriptNoop:
		return nil
	case scriptPoolMissing:
		return ErrPoolNotFound
	case scriptTokenMissing:
		return ErrTokenNotFound
	case scriptInsufficient:
		return ErrInsufficientInventory
	case scriptDuplicate:
		return ErrDuplicateBooking
	case scriptWrongState:
		return fmt.Errorf("%w: token %s already settled the other way", ErrInvalidTransition, bookingID)
	}
	return errors.New("ledger script: unexpected result " + strconv.FormatInt(code, 10))
}
