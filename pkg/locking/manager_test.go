package locking_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/scriptforge/pkg/adapters/redis"
	"github.com/aretw0/scriptforge/pkg/locking"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SerializesPerKey(t *testing.T) {
	m := locking.NewManager()
	var (
		active, peak int32
		wg           sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), "review:wf", func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak)
	assert.Zero(t, m.Len(), "entries are released once unused")
}

func TestManager_DistinctKeysRunConcurrently(t *testing.T) {
	m := locking.NewManager()
	inside := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- m.WithLock(context.Background(), "a", func(context.Context) error {
			<-inside
			return nil
		})
	}()

	err := m.WithLock(context.Background(), "b", func(context.Context) error {
		close(inside)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestManager_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := locking.NewManager().WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestManager_DistributedLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locker := redis.NewLocker(client, "test:")
	m := locking.NewManager(locking.WithLocker(locker), locking.WithTTL(time.Minute))

	err := m.WithLock(context.Background(), "review:wf", func(context.Context) error {
		assert.True(t, mr.Exists("test:lock:review:wf"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:lock:review:wf"))

	// Held by another process.
	unlock, err := locker.Lock(context.Background(), "review:wf", time.Minute)
	require.NoError(t, err)
	defer unlock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = m.WithLock(ctx, "review:wf", func(context.Context) error {
		t.Fatal("must not run while another process holds the lock")
		return nil
	})
	assert.ErrorIs(t, err, redis.ErrLockAcquire)
}
