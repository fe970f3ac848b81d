package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSequenceTracker remembers the highest payment event sequence id
// applied per booking. Keys expire after ttl; by then the booking is long
// terminal and the reservation store's own check covers late duplicates.
type RedisSequenceTracker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSequenceTracker returns a tracker storing keys under prefix
// ("payseq" when empty). ttl <= 0 defaults to seven days.
func NewRedisSequenceTracker(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisSequenceTracker {
	if prefix == "" {
		prefix = "payseq"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisSequenceTracker{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (t *RedisSequenceTracker) key(bookingID string) string { return t.prefix + ":" + bookingID }

// Stale reports whether seq is at or below the highest sequence already
// recorded for bookingID.
func (t *RedisSequenceTracker) Stale(ctx context.Context, bookingID string, seq int64) (bool, error) {
	cur, err := t.rdb.Get(ctx, t.key(bookingID)).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return seq <= cur, nil
}

var recordSeqScript = redis.NewScript(`
    local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
    local seq = tonumber(ARGV[1])
    if seq > cur then
        redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
        return 1
    end
    return 0
`)

// Record raises the stored sequence for bookingID to seq. Lower values
// leave the stored one untouched.
func (t *RedisSequenceTracker) Record(ctx context.Context, bookingID string, seq int64) error {
	return recordSeqScript.Run(ctx, t.rdb, []string{t.key(bookingID)}, seq, int64(t.ttl/time.Second)).Err()
}

// MemorySequenceTracker is the in-process counterpart of RedisSequenceTracker.
type MemorySequenceTracker struct {
	mu   sync.Mutex
	seen map[string]int64
}

// NewMemorySequenceTracker returns an empty tracker.
func NewMemorySequenceTracker() *MemorySequenceTracker {
	return &MemorySequenceTracker{seen: make(map[string]int64)}
}

// Stale reports whether seq is at or below the highest recorded sequence.
func (t *MemorySequenceTracker) Stale(_ context.Context, bookingID string, seq int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.seen[bookingID]
	return ok && seq <= cur, nil
}

// Record raises the stored sequence for bookingID to seq.
func (t *MemorySequenceTracker) Record(_ context.Context, bookingID string, seq int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.seen[bookingID] {
		t.seen[bookingID] = seq
	}
	return nil
}
