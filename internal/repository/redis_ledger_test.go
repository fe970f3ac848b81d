package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-booking/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	l := NewRedisLedger(rdb, "test")

	p, err := l.CreatePool(ctx, "ev-9", model.SeatVIP, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, p.TotalCapacity)
	assert.Equal(t, 4, p.AvailableCount)
	assert.False(t, p.CreatedAt.IsZero())

	_, err = l.CreatePool(ctx, "ev-9", model.SeatVIP, 4)
	assert.ErrorIs(t, err, ErrPoolExists)

	a, err := l.Reserve(ctx, "ev-9", model.SeatVIP, 3, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Quantity)

	_, err = l.Reserve(ctx, "ev-9", model.SeatVIP, 2, "b")
	assert.ErrorIs(t, err, ErrInsufficientInventory)
	_, err = l.Reserve(ctx, "ev-9", model.SeatVIP, 1, "a")
	assert.ErrorIs(t, err, ErrDuplicateBooking)
	_, err = l.Reserve(ctx, "ev-0", model.SeatVIP, 1, "z")
	assert.ErrorIs(t, err, ErrPoolNotFound)

	require.NoError(t, l.Commit(ctx, a))
	require.NoError(t, l.Commit(ctx, a))
	assert.ErrorIs(t, l.Release(ctx, a), ErrInvalidTransition)

	b, err := l.Reserve(ctx, "ev-9", model.SeatVIP, 1, "b")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, b))
	require.NoError(t, l.Release(ctx, b))

	p, err = l.GetPool(ctx, "ev-9", model.SeatVIP)
	require.NoError(t, err)
	assert.Equal(t, 1, p.AvailableCount)
	assert.Equal(t, 3, p.ReservedCount)
	assert.Equal(t, 3, p.CommittedCount)
	assert.Equal(t, int64(4), p.Version)
	assert.True(t, p.Balanced())

	err = l.Commit(ctx, model.ReservationToken{BookingID: "ghost", EventID: "ev-9", SeatType: model.SeatVIP})
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRedisLedgerGetPoolRejectsCorruptHash(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	l := NewRedisLedger(rdb, "test")
	_, err := l.CreatePool(ctx, "ev", model.SeatEconomy, 3)
	require.NoError(t, err)

	key := l.poolKey("ev", model.SeatEconomy)
	for _, field := range []string{"available", "version", "updated_at"} {
		t.Run(field, func(t *testing.T) {
			good := mr.HGet(key, field)
			mr.HSet(key, field, "garbage")
			t.Cleanup(func() { mr.HSet(key, field, good) })

			_, err := l.GetPool(ctx, "ev", model.SeatEconomy)
			require.Error(t, err)
			assert.Contains(t, err.Error(), field)
		})
	}

	mr.HDel(key, "committed")
	_, err = l.GetPool(ctx, "ev", model.SeatEconomy)
	assert.ErrorContains(t, err, "committed")
}

func TestRedisLedgerKeysShareHashTag(t *testing.T) {
	l := NewRedisLedger(nil, "")
	assert.Equal(t, "ledger:{ev:VIP}:pool", l.poolKey("ev", model.SeatVIP))
	assert.Equal(t, "ledger:{ev:VIP}:token:b1", l.tokenKey("ev", model.SeatVIP, "b1"))
}

func TestRedisLedgerConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	l := NewRedisLedger(rdb, "")
	_, err := l.CreatePool(ctx, "ev", model.SeatEconomy, 10)
	require.NoError(t, err)

	var mu sync.Mutex
	granted := 0
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "ev", model.SeatEconomy, 1, fmt.Sprintf("b%d", i)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	p, err := l.GetPool(ctx, "ev", model.SeatEconomy)
	require.NoError(t, err)
	assert.Equal(t, 0, p.AvailableCount)
	assert.True(t, p.Balanced())
}

func TestRedisSequenceTracker(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	tr := NewRedisSequenceTracker(rdb, "", time.Hour)

	stale, err := tr.Stale(ctx, "b1", 1)
	require.NoError(t, err)
	assert.False(t, stale)

	require.NoError(t, tr.Record(ctx, "b1", 5))
	require.NoError(t, tr.Record(ctx, "b1", 3))

	stale, err = tr.Stale(ctx, "b1", 5)
	require.NoError(t, err)
	assert.True(t, stale)
	stale, err = tr.Stale(ctx, "b1", 6)
	require.NoError(t, err)
	assert.False(t, stale)

	got, err := mr.Get("payseq:b1")
	require.NoError(t, err)
	assert.Equal(t, "5", got)
	assert.Equal(t, time.Hour, mr.TTL("payseq:b1"))

	mr.FastForward(2 * time.Hour)
	stale, err = tr.Stale(ctx, "b1", 5)
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestMemorySequenceTracker(t *testing.T) {
	ctx := context.Background()
	tr := NewMemorySequenceTracker()
	stale, _ := tr.Stale(ctx, "b", 1)
	assert.False(t, stale)
	require.NoError(t, tr.Record(ctx, "b", 2))
	require.NoError(t, tr.Record(ctx, "b", 1))
	stale, _ = tr.Stale(ctx, "b", 2)
	assert.True(t, stale)
	stale, _ = tr.Stale(ctx, "b", 3)
	assert.False(t, stale)
}
