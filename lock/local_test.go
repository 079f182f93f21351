package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker(time.Minute)
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := l.Acquire(ctx, 1, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, l.Release(ctx, tok))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLocker_LeaseExpires(t *testing.T) {
	l := NewLocalLocker(time.Second)
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, 4, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, 4, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, 4, 10*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, stale))
	_, err = l.Acquire(ctx, 4, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout, "stale token must not release the new lease")

	require.NoError(t, l.Release(ctx, fresh))
	_, err = l.Acquire(ctx, 4, 10*time.Millisecond)
	require.NoError(t, err)
}
