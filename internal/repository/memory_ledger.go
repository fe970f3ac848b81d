package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/ticket-booking/internal/model"
)

type poolKey struct {
	eventID  string
	seatType model.SeatType
}

// memoryPool guards one pool and the tokens drawn against it with its own
// mutex so that operations on distinct pools never contend.
type memoryPool struct {
	mu     sync.Mutex
	pool   model.SeatPool
	tokens map[string]*memoryToken
}

type memoryToken struct {
	token model.ReservationToken
	state model.TokenState
}

// MemoryLedger is an in-process inventory ledger with a mutex per pool.
// It is used by tests and by single-instance deployments that select
// LEDGER_BACKEND=memory; state does not survive a restart.
type MemoryLedger struct {
	mu     sync.RWMutex
	pools  map[poolKey]*memoryPool
	owners map[string]poolKey // booking id -> pool holding its token
	now    func() time.Time
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		pools:  make(map[poolKey]*memoryPool),
		owners: make(map[string]poolKey),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) lookup(eventID string, seatType model.SeatType) (*memoryPool, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pools[poolKey{eventID, seatType}]
	return p, ok
}

// CreatePool publishes a new pool with all capacity available.
func (l *MemoryLedger) CreatePool(_ context.Context, eventID string, seatType model.SeatType, capacity int) (model.SeatPool, error) {
	if capacity <= 0 {
		return model.SeatPool{}, fmt.Errorf("invalid capacity %d", capacity)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := poolKey{eventID, seatType}
	if _, ok := l.pools[key]; ok {
		return model.SeatPool{}, ErrPoolExists
	}
	now := l.now()
	p := &memoryPool{
		pool: model.SeatPool{
			EventID:        eventID,
			SeatType:       seatType,
			TotalCapacity:  capacity,
			AvailableCount: capacity,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		tokens: make(map[string]*memoryToken),
	}
	l.pools[key] = p
	return p.pool, nil
}

// GetPool returns a snapshot of the pool counters.
func (l *MemoryLedger) GetPool(_ context.Context, eventID string, seatType model.SeatType) (model.SeatPool, error) {
	p, ok := l.lookup(eventID, seatType)
	if !ok {
		return model.SeatPool{}, ErrPoolNotFound
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool, nil
}

// Reserve atomically draws quantity units from the pool for bookingID.
func (l *MemoryLedger) Reserve(_ context.Context, eventID string, seatType model.SeatType, quantity int, bookingID string) (model.ReservationToken, error) {
	if quantity <= 0 {
		return model.ReservationToken{}, fmt.Errorf("invalid quantity %d", quantity)
	}
	p, ok := l.lookup(eventID, seatType)
	if !ok {
		return model.ReservationToken{}, ErrPoolNotFound
	}
	l.mu.Lock()
	if _, dup := l.owners[bookingID]; dup {
		l.mu.Unlock()
		return model.ReservationToken{}, ErrDuplicateBooking
	}
	// Claim the booking id before touching the pool so a concurrent
	// reserve with the same id fails fast.
	l.owners[bookingID] = poolKey{eventID, seatType}
	l.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool.AvailableCount < quantity {
		l.mu.Lock()
		delete(l.owners, bookingID)
		l.mu.Unlock()
		return model.ReservationToken{}, ErrInsufficientInventory
	}
	tok := model.ReservationToken{BookingID: bookingID, EventID: eventID, SeatType: seatType, Quantity: quantity}
	p.pool.AvailableCount -= quantity
	p.pool.ReservedCount += quantity
	p.pool.Version++
	p.pool.UpdatedAt = l.now()
	p.tokens[bookingID] = &memoryToken{token: tok, state: model.TokenHeld}
	return tok, nil
}

// Commit permanently allocates the units held by token. Idempotent.
func (l *MemoryLedger) Commit(_ context.Context, token model.ReservationToken) error {
	return l.settle(token, model.TokenCommitted)
}

// Release returns the units held by token to the pool. Idempotent.
func (l *MemoryLedger) Release(_ context.Context, token model.ReservationToken) error {
	return l.settle(token, model.TokenReleased)
}

func (l *MemoryLedger) settle(token model.ReservationToken, target model.TokenState) error {
	l.mu.RLock()
	key, ok := l.owners[token.BookingID]
	var p *memoryPool
	if ok {
		p = l.pools[key]
	}
	l.mu.RUnlock()
	if p == nil {
		return ErrTokenNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tokens[token.BookingID]
	if !ok {
		return ErrTokenNotFound
	}
	switch t.state {
	case target:
		return nil
	case model.TokenHeld:
	default:
		return fmt.Errorf("%w: token %s is %s", ErrInvalidTransition, token.BookingID, t.state)
	}
	qty := t.token.Quantity
	if target == model.TokenCommitted {
		p.pool.CommittedCount += qty
	} else {
		p.pool.AvailableCount += qty
		p.pool.ReservedCount -= qty
	}
	p.pool.Version++
	p.pool.UpdatedAt = l.now()
	t.state = target
	return nil
}
