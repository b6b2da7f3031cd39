package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func associated(t *testing.T, n int) []*Queue[int] {
	t.Helper()
	qs := make([]*Queue[int], n)
	for i := range qs {
		qs[i] = New[int](4)
		if i > 0 {
			if err := qs[i].Associate(qs[0]); err != nil {
				t.Fatalf("associate %d: %v", i, err)
			}
		}
	}
	return qs
}

func selectables(qs []*Queue[int]) []Selectable {
	out := make([]Selectable, len(qs))
	for i, q := range qs {
		out[i] = q
	}
	return out
}

func TestSelectReportsOnlyReadyQueue(t *testing.T) {
	for _, timeout := range []time.Duration{0, 20 * time.Millisecond, time.Second} {
		qs := associated(t, 3)
		if err := qs[1].Enqueue(5); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ready, err := Select(timeout, selectables(qs)...)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if ready.Count() != 1 || !ready.Test(1) {
			t.Fatalf("timeout %v: expected only bit 1, got %v", timeout, ready)
		}
	}
}

func TestSelectBlocksUntilData(t *testing.T) {
	qs := associated(t, 3)
	type result struct {
		bit uint
		n   uint
		err error
	}
	done := make(chan result, 1)
	go func() {
		ready, err := Select(2*time.Second, selectables(qs)...)
		if err != nil {
			done <- result{err: err}
			return
		}
		bit, _ := ready.NextSet(0)
		done <- result{bit: bit, n: ready.Count()}
	}()
	waitForWaiters(t, qs[0], 1)
	if err := qs[2].Enqueue(1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	r := <-done
	if r.err != nil || r.n != 1 || r.bit != 2 {
		t.Fatalf("unexpected select result %+v", r)
	}
}

func TestSelectTimeoutReturnsEmpty(t *testing.T) {
	qs := associated(t, 2)
	start := time.Now()
	ready, err := Select(30*time.Millisecond, selectables(qs)...)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ready.Any() {
		t.Fatalf("expected empty set, got %v", ready)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("select returned early")
	}
}

func TestSelectInvalidArguments(t *testing.T) {
	if _, err := Select(0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty set, got %v", err)
	}
	a := New[int](1)
	b := New[int](1)
	if _, err := Select(0, a, b); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unassociated queues, got %v", err)
	}
}

func TestSelectBeyondThirtyOneQueues(t *testing.T) {
	qs := associated(t, 40)
	if err := qs[37].Enqueue(1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ready, err := Select(0, selectables(qs)...)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !ready.Test(37) || ready.Count() != 1 {
		t.Fatalf("expected bit 37, got %v", ready)
	}
}

func TestSelectMixedElementTypes(t *testing.T) {
	ints := New[int](1)
	strs := New[string](1)
	if err := strs.Associate(ints); err != nil {
		t.Fatalf("associate: %v", err)
	}
	if err := strs.Enqueue("x"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ready, err := Select(0, ints, strs)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ready.Test(0) || !ready.Test(1) {
		t.Fatalf("unexpected ready set %v", ready)
	}
}

func TestSelectWakeOnly(t *testing.T) {
	qs := associated(t, 2)
	done := make(chan uint, 1)
	go func() {
		ready, _ := SelectContext(context.Background(), selectables(qs)...)
		done <- ready.Count()
	}()
	waitForWaiters(t, qs[0], 1)
	qs[1].Wake()
	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("expected empty ready set, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("select not woken")
	}
}

func TestDequeuePreferredOverLaterSelect(t *testing.T) {
	qs := associated(t, 2)
	got := make(chan int, 1)
	go func() {
		v, _ := qs[0].DequeueTimeout(2 * time.Second)
		got <- v
	}()
	waitForWaiters(t, qs[0], 1)
	if err := qs[0].Enqueue(9); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if v := <-got; v != 9 {
		t.Fatalf("expected 9, got %d", v)
	}
	if qs[1].Len() != 0 {
		t.Fatalf("other queue should be untouched")
	}
}
