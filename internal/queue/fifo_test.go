package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOOrder(t *testing.T) {
	q := NewFIFO(10)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("t%d", i)))
	}
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 3, q.Position("t2"))
	assert.Equal(t, 0, q.Position("missing"))

	for i := 0; i < 5; i++ {
		id, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("t%d", i), id)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueFullExactlyAtCapacity(t *testing.T) {
	q := NewFIFO(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("t%d", i)), "enqueue %d must succeed below capacity", i)
	}
	err := q.Enqueue("overflow")
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 3, q.Len())

	_, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("fits-again"))
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewFIFO(1)
	got := make(chan string, 1)
	go func() {
		id, err := q.Dequeue(context.Background())
		if err == nil {
			got <- id
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned on empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue("late"))
	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestDequeueCancel(t *testing.T) {
	q := NewFIFO(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentConsumersSeeEachIDOnce(t *testing.T) {
	const n = 200
	q := NewFIFO(n)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[id]++
				done := len(seen) == n
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("t%d", i)))
	}
	wg.Wait()

	require.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}
