package engine

import (
	"context"

	"github.com/sasha-s/go-deadlock"
)

// job is one SubUnit handed to the worker pool.
type job struct {
	ctx        context.Context
	workUnitID string
	subUnitID  string
	done       chan<- result
}

// result is what a worker reports back to the Execute call that queued it.
type result struct {
	subUnitID string
	err       error
}

// jobQueue is a FIFO of jobs shared by every Execute call of an Engine.
//
// The queue is unbounded; Execute only queues SubUnits that are ready, so
// its length is bounded by the total fan-out in flight. The signal channel
// lets idle workers wait without spinning and wakes them all on Close.
type jobQueue struct {
	mu     deadlock.Mutex
	jobs   []job
	closed bool
	signal chan struct{} // buffered, size 1
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		jobs:   make([]job, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds j to the back of the queue. It returns false once the
// queue is closed.
func (q *jobQueue) Enqueue(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)

	// Coalesce: one pending signal is enough to wake a worker.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front job without blocking.
func (q *jobQueue) TryDequeue() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return job{}, false
	}
	j := q.jobs[0]
	// Drop the reference so the job's context can be collected.
	q.jobs[0] = job{}
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	// More work left: pass the wake-up on to another worker.
	if len(q.jobs) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return j, true
}

// Wait returns a channel that signals when jobs may be available. It is
// closed when the queue is closed.
func (q *jobQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued jobs.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs and wakes every waiting worker. Queued jobs
// are still handed out by TryDequeue.
func (q *jobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *jobQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
