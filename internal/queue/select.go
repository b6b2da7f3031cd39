package queue

import (
	"context"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// Selectable is any queue that can take part in Select, regardless of its
// element type.
type Selectable interface {
	waitGroup() *group
	readyLocked() bool
}

// Select blocks until at least one of queues holds data or timeout elapses,
// and reports the non-empty ones: bit i is set when queues[i] is ready. A
// zero timeout polls; a negative one waits without bound. All queues must
// share one wait group.
func Select(timeout time.Duration, queues ...Selectable) (*bitset.BitSet, error) {
	if timeout < 0 {
		return selectReady(context.Background(), nil, false, queues)
	}
	if timeout == 0 {
		return selectReady(context.Background(), nil, true, queues)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	return selectReady(context.Background(), t.C, false, queues)
}

func SelectContext(ctx context.Context, queues ...Selectable) (*bitset.BitSet, error) {
	return selectReady(ctx, nil, false, queues)
}

func selectReady(ctx context.Context, expired <-chan time.Time, poll bool, queues []Selectable) (*bitset.BitSet, error) {
	if len(queues) == 0 {
		return nil, ErrInvalidArgument
	}
	for _, s := range queues {
		if s == nil {
			return nil, ErrInvalidArgument
		}
	}
	g := lockGroup(queues[0])
	for _, s := range queues[1:] {
		if s.waitGroup() != g {
			g.mu.Unlock()
			return nil, ErrInvalidArgument
		}
	}
	ready := bitset.New(uint(len(queues)))
	scan := func() {
		for i, s := range queues {
			if s.readyLocked() {
				ready.Set(uint(i))
			}
		}
	}
	for {
		scan()
		if ready.Any() || poll || ctx.Err() != nil {
			g.mu.Unlock()
			return ready, nil
		}
		w := g.park(queues...)
		g.mu.Unlock()

		stop := false
		select {
		case <-w.ready:
		case <-ctx.Done():
			stop = true
		case <-expired:
			stop = true
		}

		g.mu.Lock()
		if !w.signaled {
			g.unpark(w)
		}
		if stop || w.wakeOnly {
			scan()
			g.mu.Unlock()
			return ready, nil
		}
	}
}
