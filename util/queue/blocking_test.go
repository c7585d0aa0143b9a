package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocking_FIFO(t *testing.T) {
	q := NewBlocking[int]()
	for i := 0; i < 200; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 200, q.Len())

	for i := 0; i < 200; i++ {
		v, err := q.Take(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestBlocking_TakeBlocksUntilPush(t *testing.T) {
	q := NewBlocking[string]()
	got := make(chan string, 1)

	go func() {
		v, err := q.Take(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("Take returned before Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("Take did not return after Push")
	}
}

func TestBlocking_TakeHonoursContext(t *testing.T) {
	q := NewBlocking[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlocking_TakeTimeout(t *testing.T) {
	q := NewBlocking[int]()
	start := time.Now()
	_, err := q.TakeTimeout(15 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	q.Push(7)
	v, err := q.TakeTimeout(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestBlocking_CloseDrainsThenFails(t *testing.T) {
	q := NewBlocking[int]()
	q.Push(1)
	q.Close()
	assert.False(t, q.Push(2))

	v, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Take(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBlocking_Drain(t *testing.T) {
	q := NewBlocking[int]()
	q.Push(1)
	q.Push(2)
	assert.Equal(t, []int{1, 2}, q.Drain())
	assert.Equal(t, 0, q.Len())
}

func TestBlocking_ConcurrentProducers(t *testing.T) {
	q := NewBlocking[int]()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(i)
			}
		}()
	}

	seen := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for seen < producers*perProducer {
			if _, err := q.Take(context.Background()); err != nil {
				return
			}
			seen++
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	assert.Equal(t, producers*perProducer, seen)
}
