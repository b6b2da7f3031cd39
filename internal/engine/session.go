package engine

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kadnode/internal/kad"
	"kadnode/internal/queue"
)

// SessionID names one conversation. A server session (answering a request
// from the peer) and a client session to the same peer are distinct.
type SessionID struct {
	Flavour kad.Flavour
	Addr    netip.AddrPort
	Server  bool
}

func (id SessionID) String() string {
	dir := "client"
	if id.Server {
		dir = "server"
	}
	return fmt.Sprintf("%s/%s/%s", id.Flavour, id.Addr, dir)
}

const (
	stateLive int32 = iota
	stateDraining
	stateDead
)

// Handler consumes the packets of one session. It runs on the session's
// own goroutine; when it returns the session is retired.
type Handler func(ctx context.Context, s *Session)

type Session struct {
	ID SessionID

	engine  *Engine
	inbox   *queue.Queue[*Packet]
	owned   bool
	done    chan struct{}
	created time.Time
	state   atomic.Int32

	mu       sync.Mutex
	lastRecv time.Time
}

func newSession(e *Engine, id SessionID, owned bool) *Session {
	s := &Session{
		ID:      id,
		engine:  e,
		inbox:   queue.New[*Packet](e.opts.QueueSize),
		owned:   owned,
		created: time.Now(),
	}
	if !owned {
		s.done = make(chan struct{})
	}
	return s
}

func (s *Session) Engine() *Engine { return s.engine }

func (s *Session) live() bool { return s.state.Load() == stateLive }

func (s *Session) Pending() int { return s.inbox.Len() }

func (s *Session) LastReceived() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecv
}

func (s *Session) received(p *Packet, ok bool) (*Packet, bool) {
	if ok {
		s.mu.Lock()
		s.lastRecv = time.Now()
		s.mu.Unlock()
	}
	return p, ok
}

func (s *Session) Recv(ctx context.Context) (*Packet, bool) {
	ctx, cancel := s.engine.bind(ctx)
	defer cancel()
	return s.received(s.inbox.Dequeue(ctx))
}

// RecvTimeout is Recv bounded by d. A non-positive d polls.
func (s *Session) RecvTimeout(d time.Duration) (*Packet, bool) {
	return s.received(s.inbox.DequeueContext(s.engine.ctx, d))
}

// WaitFor returns the first packet carrying one of opcodes within d.
// Packets with other opcodes are discarded.
func (s *Session) WaitFor(ctx context.Context, d time.Duration, opcodes ...byte) (*Packet, bool) {
	ctx, cancel := s.engine.bind(ctx)
	defer cancel()
	deadline := time.Now().Add(d)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, false
		}
		p, ok := s.received(s.inbox.DequeueContext(ctx, left))
		if !ok {
			if ctx.Err() != nil || !s.live() || s.inbox.Closed() {
				return nil, false
			}
			continue
		}
		for _, op := range opcodes {
			if p.Opcode() == op {
				return p, true
			}
		}
		s.engine.log.Debug("discarding unexpected opcode",
			zap.Stringer("session", s.ID), zap.Uint8("opcode", p.Opcode()))
		p.Release()
	}
}

func (s *Session) Send(b []byte) error {
	return s.engine.SendViaSession(s, b)
}

func (s *Session) run(h Handler) {
	defer s.engine.workers.Done()
	defer close(s.done)
	defer s.retire()
	defer func() {
		if r := recover(); r != nil {
			s.engine.log.Error("session handler panicked",
				zap.Stringer("session", s.ID), zap.Any("panic", r))
		}
	}()
	h(s.engine.ctx, s)
}

// retire hands a finished worker session to the reaper. The worker cannot
// release itself: the reaper first waits for it to exit.
func (s *Session) retire() {
	if !s.state.CompareAndSwap(stateLive, stateDraining) {
		panic("engine: session retired twice: " + s.ID.String())
	}
	if err := s.engine.dead.Enqueue(s); err != nil {
		panic("engine: dead-session queue: " + err.Error())
	}
}

// Close destroys a session opened with Open, Send or SendNew. Closing a
// session the engine already destroyed during Stop is a no-op.
func (s *Session) Close() {
	if !s.owned {
		panic("engine: Close on worker session " + s.ID.String())
	}
	if !s.state.CompareAndSwap(stateLive, stateDead) {
		if s.engine.stopped.Load() {
			return
		}
		panic("engine: session closed twice: " + s.ID.String())
	}
	s.engine.release(s)
}
