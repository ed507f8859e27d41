// Package queue provides an unbounded lock-free multi-producer single-consumer
// queue.
//
// Producers append with Push from any goroutine without blocking, a single
// internal goroutine drains the linked list into the channel returned by Recv.
// The session layer uses it to decouple channel callbacks from packet
// dispatch, the in-memory transport uses it for ordered asynchronous delivery.
//
// Guarantees:
//
//   - Push never blocks and never drops while the queue is open
//   - values pushed by one goroutine are received in the order they were pushed
//   - after Close, already queued values are still delivered, then Recv is closed
package queue

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is one linked list element
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// MPSC is a lock-free multi-producer single-consumer queue
type MPSC[T any] struct {
	head   atomic.Pointer[node[T]] // sentinel, only moved by the drain goroutine
	tail   atomic.Pointer[node[T]]
	out    chan T
	closed atomic.Bool
	done   sync.WaitGroup

	size    atomic.Int64 // values pushed and not yet taken by drain
	pushing atomic.Int32 // producers between the closed check and the link

	// wakeup for the drain goroutine when the list runs empty
	mu   sync.Mutex
	cond *sync.Cond
}

// New creates a queue and starts its drain goroutine
func New[T any]() *MPSC[T] {
	sentinel := &node[T]{}
	q := &MPSC[T]{out: make(chan T)}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.done.Add(1)
	go q.drain()
	return q
}

// Push appends value. It returns false if the queue is closed.
//
// Thread-safety: safe for any number of concurrent producers.
func (q *MPSC[T]) Push(value T) bool {
	q.pushing.Add(1)
	defer q.pushing.Add(-1)
	if q.closed.Load() {
		return false
	}
	q.size.Add(1)

	n := &node[T]{value: value}
	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()

		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// a failed swing is fine, the next producer helps
				q.tail.CompareAndSwap(tail, n)
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// another producer linked a node but has not swung the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// exponential backoff under contention
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Recv returns the channel values are delivered on. It is closed after Close
// once every queued value has been received.
func (q *MPSC[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting new values
func (q *MPSC[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed reports whether Close was called
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Wait blocks until the drain goroutine has delivered everything and exited
func (q *MPSC[T]) Wait() {
	q.done.Wait()
}

// Len returns the number of values pushed but not yet handed to Recv. O(1).
func (q *MPSC[T]) Len() int {
	return int(q.size.Load())
}

// drain moves values from the list to the out channel
func (q *MPSC[T]) drain() {
	defer q.done.Done()
	defer close(q.out)

	var zero T
	for {
		delivered := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true

			value := next.value
			q.head.Store(next)
			q.size.Add(-1)
			q.out <- value
			next.value = zero
		}

		if !delivered && q.closed.Load() {
			// a producer that saw the queue open may still be linking its node
			if q.pushing.Load() > 0 {
				runtime.Gosched()
				continue
			}
			if q.head.Load().next.Load() == nil {
				return
			}
			continue
		}

		if !delivered {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}
