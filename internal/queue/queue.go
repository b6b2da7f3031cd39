// Package queue implements a bounded FIFO whose blocking is delegated to a
// wait group that several queues may share. Consumers can block on a single
// queue or, through Select, on any queue of the group.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrQueueFull       = errors.New("queue full")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClosed          = errors.New("queue destroyed")
)

type Queue[T any] struct {
	grp       atomic.Pointer[group]
	buf       []T
	head      int
	n         int
	destroyed bool
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue[T]{buf: make([]T, capacity)}
	q.grp.Store(newGroup())
	return q
}

func (q *Queue[T]) waitGroup() *group { return q.grp.Load() }

func (q *Queue[T]) readyLocked() bool { return q.n > 0 }

func (q *Queue[T]) lock() *group { return lockGroup(q) }

func (q *Queue[T]) Cap() int { return len(q.buf) }

func (q *Queue[T]) Len() int {
	g := q.lock()
	defer g.mu.Unlock()
	return q.n
}

func (q *Queue[T]) Enqueue(item T) error {
	g := q.lock()
	defer g.mu.Unlock()
	if q.destroyed {
		return ErrClosed
	}
	if q.n >= len(q.buf) {
		return ErrQueueFull
	}
	q.buf[(q.head+q.n)%len(q.buf)] = item
	q.n++
	g.signal(q, false)
	return nil
}

// Wake signals one waiter without adding data; the waiter returns with no
// item unless one is already queued. A wake with nobody waiting is lost.
func (q *Queue[T]) Wake() {
	g := q.lock()
	g.signal(q, true)
	g.mu.Unlock()
}

func (q *Queue[T]) pop() T {
	var zero T
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return item
}

func (q *Queue[T]) TryDequeue() (T, bool) {
	g := q.lock()
	defer g.mu.Unlock()
	if q.n == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

func (q *Queue[T]) Dequeue(ctx context.Context) (item T, ok bool) {
	return q.wait(ctx, nil)
}

// DequeueTimeout is Dequeue bounded by d. Premature wakes do not restart or
// shorten the window.
func (q *Queue[T]) DequeueTimeout(d time.Duration) (item T, ok bool) {
	if d <= 0 {
		return q.TryDequeue()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	return q.wait(context.Background(), t.C)
}

func (q *Queue[T]) DequeueContext(ctx context.Context, d time.Duration) (item T, ok bool) {
	if d <= 0 {
		return q.TryDequeue()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	return q.wait(ctx, t.C)
}

func (q *Queue[T]) wait(ctx context.Context, expired <-chan time.Time) (T, bool) {
	var zero T
	g := q.lock()
	for {
		if q.n > 0 {
			item := q.pop()
			g.mu.Unlock()
			return item, true
		}
		if q.destroyed || ctx.Err() != nil {
			g.mu.Unlock()
			return zero, false
		}
		w := g.park(q)
		g.mu.Unlock()

		stop := false
		select {
		case <-w.ready:
		case <-ctx.Done():
			stop = true
		case <-expired:
			stop = true
		}

		g = q.lock()
		if !w.signaled {
			g.unpark(w)
		}
		if q.n > 0 {
			continue
		}
		if w.wakeOnly || stop {
			g.mu.Unlock()
			return zero, false
		}
		// signalled for data another consumer already took
	}
}

// Associate moves q onto other's wait group. It fails with
// ErrInvalidArgument while anyone is blocked on either group.
func (q *Queue[T]) Associate(other Selectable) error {
	if other == nil {
		return ErrInvalidArgument
	}
	for {
		from := q.grp.Load()
		to := other.waitGroup()
		if from == to {
			return nil
		}
		first, second := from, to
		if second.id < first.id {
			first, second = second, first
		}
		first.mu.Lock()
		second.mu.Lock()
		if q.grp.Load() != from || other.waitGroup() != to {
			second.mu.Unlock()
			first.mu.Unlock()
			continue
		}
		if from.waiters.Len() > 0 || to.waiters.Len() > 0 {
			second.mu.Unlock()
			first.mu.Unlock()
			return ErrInvalidArgument
		}
		q.grp.Store(to)
		to.refs.Add(1)
		from.refs.Add(-1)
		second.mu.Unlock()
		first.mu.Unlock()
		return nil
	}
}

func (q *Queue[T]) Reset() []T {
	g := q.lock()
	defer g.mu.Unlock()
	return q.resetLocked()
}

func (q *Queue[T]) resetLocked() []T {
	out := make([]T, 0, q.n)
	for q.n > 0 {
		out = append(out, q.pop())
	}
	return out
}

func (q *Queue[T]) Closed() bool {
	g := q.lock()
	defer g.mu.Unlock()
	return q.destroyed
}

// Destroy drains the queue, wakes its waiters and drops its reference to
// the wait group. Later enqueues fail with ErrClosed.
func (q *Queue[T]) Destroy() []T {
	g := q.lock()
	if q.destroyed {
		g.mu.Unlock()
		return nil
	}
	left := q.resetLocked()
	q.destroyed = true
	g.broadcast(q)
	g.mu.Unlock()
	g.refs.Add(-1)
	return left
}
