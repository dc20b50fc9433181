package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
)

func TestFIFOOrder(t *testing.T) {
	t.Parallel()
	q := New(10)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryEnqueue(fmt.Sprintf("task-%d", i)))
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id, ok := q.Dequeue(ctx)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("task-%d", i), id)
	}
}

func TestTryEnqueueFailsFastAtCapacity(t *testing.T) {
	t.Parallel()
	q := New(2)

	require.NoError(t, q.TryEnqueue("a"))
	require.NoError(t, q.TryEnqueue("b"))

	err := q.TryEnqueue("c")
	assert.True(t, errdefs.IsKind(err, errdefs.KindQueueFull))
	assert.Equal(t, 2, q.Len())
}

func TestBlockingEnqueueWaitsForSlot(t *testing.T) {
	t.Parallel()
	q := New(1)
	require.NoError(t, q.TryEnqueue("a"))

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), "b")
	}()

	// The enqueue must be parked until a slot frees.
	select {
	case <-done:
		t.Fatal("enqueue returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	require.NoError(t, <-done)
}

func TestBlockingEnqueueHonorsContext(t *testing.T) {
	t.Parallel()
	q := New(1)
	require.NoError(t, q.TryEnqueue("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, "b")
	assert.True(t, errdefs.IsKind(err, errdefs.KindQueueFull))
}

func TestDequeueBlocksUntilItem(t *testing.T) {
	t.Parallel()
	q := New(1)

	got := make(chan string, 1)
	go func() {
		id, _ := q.Dequeue(context.Background())
		got <- id
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.TryEnqueue("late"))
	assert.Equal(t, "late", <-got)
}

func TestCloseDrainsThenStops(t *testing.T) {
	t.Parallel()
	q := New(5)
	require.NoError(t, q.TryEnqueue("a"))
	require.NoError(t, q.TryEnqueue("b"))

	q.Close()

	err := q.TryEnqueue("c")
	assert.True(t, errdefs.IsKind(err, errdefs.KindQueueFull))

	ctx := context.Background()
	id, ok := q.Dequeue(ctx)
	assert.True(t, ok)
	assert.Equal(t, "a", id)
	id, ok = q.Dequeue(ctx)
	assert.True(t, ok)
	assert.Equal(t, "b", id)

	// Closed and empty: workers see ok == false and exit.
	_, ok = q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	q := New(1)
	q.Close()
	q.Close()
}
