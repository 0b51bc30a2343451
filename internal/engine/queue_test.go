package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobQueue_FIFO(t *testing.T) {
	q := newJobQueue()
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(job{ctx: context.Background(), subUnitID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		j, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, j.subUnitID)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "empty queue")
}

func TestJobQueue_WaitSignalsEnqueue(t *testing.T) {
	q := newJobQueue()
	got := make(chan string, 1)
	go func() {
		<-q.Wait()
		j, ok := q.TryDequeue()
		if ok {
			got <- j.subUnitID
		}
	}()

	q.Enqueue(job{subUnitID: "s1"})
	select {
	case id := <-got:
		assert.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestJobQueue_CloseWakesAllWaiters(t *testing.T) {
	q := newJobQueue()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-q.Wait()
		}()
	}
	q.Close()
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not wake waiters")
	}
	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(job{subUnitID: "late"}))
}

func TestJobQueue_ConcurrentEnqueue(t *testing.T) {
	q := newJobQueue()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				q.Enqueue(job{subUnitID: "x"})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, q.Len())
}
