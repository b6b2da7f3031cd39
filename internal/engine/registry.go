package engine

import (
	"errors"

	"go.uber.org/zap"

	"kadnode/internal/metrics"
	"kadnode/internal/queue"
)

func (e *Engine) GetOrCreate(id SessionID) (*Session, error) {
	s, _, err := e.getOrCreate(id, false, false)
	return s, err
}

// Open returns the live client session for id, creating one without a
// worker when absent. The caller consumes its packets and must Close it.
func (e *Engine) Open(id SessionID) (*Session, error) {
	id.Server = false
	s, _, err := e.getOrCreate(id, true, false)
	return s, err
}

func (e *Engine) getOrCreate(id SessionID, owned, exclusive bool) (*Session, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return nil, false, ErrStopped
	}
	if s, ok := e.sessions[id]; ok && s.live() {
		if exclusive || (owned && !s.owned) {
			return nil, false, ErrSessionExists
		}
		return s, false, nil
	}
	if !e.slots.TryAcquire(1) {
		e.metrics.IncSessionLimit()
		return nil, false, ErrSessionLimitReached
	}
	s := newSession(e, id, owned)
	e.sessions[id] = s
	e.created.Add(1)
	e.metrics.IncSessionCreated()
	if !owned {
		h := e.opts.ClientHandler
		if id.Server {
			h = e.opts.ServerHandler
		}
		e.workers.Add(1)
		go s.run(h)
	}
	e.log.Debug("session created", zap.Stringer("session", id), zap.Bool("owned", owned))
	return s, true, nil
}

func (e *Engine) Lookup(id SessionID) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok || !s.live() {
		return nil, false
	}
	return s, true
}

// PostInbound queues p for s. On failure p is released and the error tells
// the caller the packet was dropped.
func (e *Engine) PostInbound(s *Session, p *Packet) error {
	err := s.inbox.Enqueue(p)
	if err == nil {
		e.metrics.IncDispatched()
		return nil
	}
	p.Release()
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		e.metrics.IncDropByReason(metrics.DropQueueFull)
	default:
		e.metrics.IncDropByReason(metrics.DropShutdown)
	}
	return err
}

func (e *Engine) liveSessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		if s.live() {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) Sessions() []SessionID {
	live := e.liveSessions()
	out := make([]SessionID, 0, len(live))
	for _, s := range live {
		out = append(out, s.ID)
	}
	return out
}

func (e *Engine) reap(s *Session) {
	if s.done != nil {
		<-s.done
	}
	if !s.state.CompareAndSwap(stateDraining, stateDead) {
		panic("engine: reaping session in unexpected state: " + s.ID.String())
	}
	e.release(s)
	e.metrics.IncSessionReaped()
}

func (e *Engine) release(s *Session) {
	e.mu.Lock()
	if cur, ok := e.sessions[s.ID]; ok && cur == s {
		delete(e.sessions, s.ID)
	}
	e.mu.Unlock()
	for _, p := range s.inbox.Destroy() {
		p.Release()
	}
	e.slots.Release(1)
	e.destroyed.Add(1)
	e.metrics.IncSessionDestroyed()
	e.log.Debug("session destroyed", zap.Stringer("session", s.ID))
}
