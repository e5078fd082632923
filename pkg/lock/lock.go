package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired is returned when another holder owns the key.
	ErrNotAcquired = errors.New("lock: lease held by another holder")
	// ErrLeaseLost is returned when refreshing or releasing a lease whose
	// token no longer matches, typically after TTL expiry.
	ErrLeaseLost = errors.New("lock: lease lost")
)

// Locker acquires leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// Contended records a refused acquisition and returns the number of
	// consecutive refusals for key since the last successful acquisition.
	Contended(ctx context.Context, key string) (int64, error)
}

// Lease is a held lock.
type Lease interface {
	Key() string
	Token() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// KeepAlive refreshes lease every interval until ctx is done. It returns a
// channel that receives at most one error, when a refresh fails, and is
// closed when the loop exits.
func KeepAlive(ctx context.Context, lease Lease, ttl, interval time.Duration) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Refresh(ctx, ttl); err != nil {
					if ctx.Err() == nil {
						errCh <- err
					}
					return
				}
			}
		}
	}()
	return errCh
}

func contentionKey(key string) string {
	return "lock:contention:" + key
}
