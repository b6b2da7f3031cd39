package queue

import (
	"container/list"
	"sync"
	"sync/atomic"
)

var groupSeq atomic.Uint64

// group is the lock and waiter list shared by associated queues. Queues
// reference it through an atomic pointer; refs counts those references.
type group struct {
	id      uint64
	mu      sync.Mutex
	waiters list.List
	refs    atomic.Int32
}

func newGroup() *group {
	g := &group{id: groupSeq.Add(1)}
	g.refs.Store(1)
	return g
}

// waiter is one blocked goroutine. ready is closed exactly once, by the
// signaller, while holding the group lock.
type waiter struct {
	want     []Selectable
	ready    chan struct{}
	signaled bool
	wakeOnly bool
	elem     *list.Element
}

func (w *waiter) wants(q Selectable) bool {
	for _, s := range w.want {
		if s == q {
			return true
		}
	}
	return false
}

func (g *group) park(want ...Selectable) *waiter {
	w := &waiter{want: want, ready: make(chan struct{})}
	w.elem = g.waiters.PushBack(w)
	return w
}

func (g *group) unpark(w *waiter) {
	if w.elem != nil {
		g.waiters.Remove(w.elem)
		w.elem = nil
	}
}

func (g *group) signal(q Selectable, wakeOnly bool) bool {
	for el := g.waiters.Front(); el != nil; el = el.Next() {
		w := el.Value.(*waiter)
		if w.wants(q) {
			g.release(w, wakeOnly)
			return true
		}
	}
	return false
}

func (g *group) broadcast(q Selectable) {
	for el := g.waiters.Front(); el != nil; {
		next := el.Next()
		if w := el.Value.(*waiter); w.wants(q) {
			g.release(w, true)
		}
		el = next
	}
}

func (g *group) release(w *waiter, wakeOnly bool) {
	g.unpark(w)
	w.signaled = true
	w.wakeOnly = wakeOnly
	close(w.ready)
}

func lockGroup(s Selectable) *group {
	for {
		g := s.waitGroup()
		g.mu.Lock()
		if s.waitGroup() == g {
			return g
		}
		g.mu.Unlock()
	}
}
