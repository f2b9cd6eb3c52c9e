package browserlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New()
	assert.False(t, l.InUse())

	h, err := l.Acquire(context.Background(), "task-a", time.Second)
	require.NoError(t, err)
	assert.True(t, l.InUse())
	owner, _, held := l.Holder()
	assert.True(t, held)
	assert.Equal(t, "task-a", owner)

	h.Release()
	h.Release()
	assert.False(t, l.InUse())
	_, _, held = l.Holder()
	assert.False(t, held)
}

func TestAcquireTimesOut(t *testing.T) {
	l := New()
	h, err := l.Acquire(context.Background(), "first", time.Second)
	require.NoError(t, err)
	defer h.Release()

	start := time.Now()
	_, err = l.Acquire(context.Background(), "second", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestFreeLockIgnoresNonPositiveTimeout(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		h, err := l.Acquire(context.Background(), "zero", 0)
		require.NoError(t, err)
		h.Release()
	}

	h, err := l.Acquire(context.Background(), "held", -time.Second)
	require.NoError(t, err)
	defer h.Release()
	_, err = l.Acquire(context.Background(), "waiter", 0)
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := New()
	h, err := l.Acquire(context.Background(), "first", time.Second)
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "second", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaiterGetsLockAfterRelease(t *testing.T) {
	l := New()
	h, err := l.Acquire(context.Background(), "first", time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		h2, err := l.Acquire(context.Background(), "second", time.Second)
		if err == nil {
			h2.Release()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h.Release()
	require.NoError(t, <-done)
}

func TestMutualExclusion(t *testing.T) {
	l := New()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := l.Acquire(context.Background(), "w", 5*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			defer h.Release()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}
