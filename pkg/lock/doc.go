// Package lock provides TTL leases used to keep batch work single-instance.
//
// A Locker hands out a Lease for a key. Leases expire on their own when the
// holder dies, and release or refresh only succeeds for the token that
// acquired them, so a stale holder can never free a lease someone else now owns.
//
//	lease, err := locker.Acquire(ctx, "settlement:worker", 5*time.Minute)
//	if errors.Is(err, lock.ErrNotAcquired) {
//	    return settlement.ErrLockHeld
//	}
//	defer lease.Release(context.Background())
//
// RedisLocker is the production implementation (SET NX PX plus Lua scripts);
// MemoryLocker serves tests and single-process deployments. Both track
// consecutive contention per key through a Contention counter.
package lock
