package ports

import (
	"context"
	"time"
)

// UnlockFunc releases a lock taken by DistributedLocker.Lock.
type UnlockFunc func(ctx context.Context) error

// DistributedLocker serializes work on a key across processes that share a backend.
type DistributedLocker interface {
	// Lock blocks until the lock for key is held or ctx is done. The lock expires after ttl
	// if it is never released.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
