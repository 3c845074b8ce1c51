package lifecycle

import "sync"

// taskQueue is a thread-safe FIFO of job ids waiting for a worker.
//
// The queue is unbounded so Submit and Retry never block on worker
// capacity; the worker count bounds in-flight extractions instead.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the worker loop.
type taskQueue struct {
	mu     sync.Mutex
	ids    []string
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		ids:    make([]string, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job id to the back of the queue.
// Returns false if the queue is closed.
func (q *taskQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ids = append(q.ids, id)
	q.notify()
	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns ("", false) if the queue is empty.
func (q *taskQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	if len(q.ids) == 1 {
		q.ids = q.ids[:0]
	} else {
		q.ids = q.ids[1:]
	}

	// The signal buffer coalesces enqueues; pass the wake-up on so an idle
	// worker picks up what is left.
	if len(q.ids) > 0 {
		q.notify()
	}
	return id, true
}

// notify must be called with mu held.
func (q *taskQueue) notify() {
	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when ids may be available.
//
//	select {
//	case <-ctx.Done():
//	    return
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Drained reports whether the queue is closed and empty.
func (q *taskQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.ids) == 0
}

// Close signals that no more ids will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
