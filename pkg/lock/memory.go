package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/clock"
)

// MemoryLocker implements Locker inside one process.
type MemoryLocker struct {
	mu         sync.Mutex
	clock      clock.Clock
	held       map[string]memoryHold
	contention map[string]int64
}

type memoryHold struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker creates an in-process locker. A nil clock uses the system clock.
func NewMemoryLocker(c clock.Clock) *MemoryLocker {
	if c == nil {
		c = clock.NewSystem(nil)
	}
	return &MemoryLocker{
		clock:      c,
		held:       make(map[string]memoryHold),
		contention: make(map[string]int64),
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return nil, ErrNotAcquired
	}

	token := uuid.NewString()
	l.held[key] = memoryHold{token: token, expiresAt: now.Add(ttl)}
	delete(l.contention, key)
	return &memoryLease{locker: l, key: key, token: token}, nil
}

func (l *MemoryLocker) Contended(ctx context.Context, key string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contention[key]++
	return l.contention[key], nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Key() string   { return l.key }
func (l *memoryLease) Token() string { return l.token }

// owned reports whether the lease still holds the key. Callers hold the mutex.
func (l *memoryLease) owned() bool {
	h, ok := l.locker.held[l.key]
	return ok && h.token == l.token && l.locker.clock.Now().Before(h.expiresAt)
}

func (l *memoryLease) Refresh(ctx context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if !l.owned() {
		return ErrLeaseLost
	}
	l.locker.held[l.key] = memoryHold{token: l.token, expiresAt: l.locker.clock.Now().Add(ttl)}
	return nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if !l.owned() {
		return ErrLeaseLost
	}
	delete(l.locker.held, l.key)
	return nil
}
