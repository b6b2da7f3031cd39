package engine

import (
	"context"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"kadnode/internal/kad"
	"kadnode/internal/routing"
)

type probeState struct {
	b    backoff.BackOff
	next time.Time
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Minute
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 6 * time.Hour
	b.Reset()
	return b
}

func (e *Engine) lowWater() int {
	return e.opts.MaxContacts * 3 / 4
}

func (e *Engine) maintain() {
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.MaintainBudget)
	defer cancel()
	if e.opts.Housekeeping != nil {
		e.opts.Housekeeping(ctx)
	}
	probed, added := e.probeContacts(ctx)
	e.log.Debug("maintenance",
		zap.Int("nodes", e.table.Count()),
		zap.Int("contacts", e.contacts.Len()),
		zap.Int("probed", probed),
		zap.Int("added", added))
}

func (e *Engine) probeContacts(ctx context.Context) (probed, added int) {
	if e.opts.Prober == nil || e.table.Count() >= e.lowWater() {
		return 0, 0
	}
	now := time.Now()
	for _, c := range e.contacts.Sample(e.opts.ProbeBatch) {
		if ctx.Err() != nil {
			break
		}
		if !e.probeDue(c.UDPAddr(), now) {
			continue
		}
		probed++
		found, err := e.opts.Prober.Probe(ctx, e, c)
		if err != nil {
			e.probeFailed(c, now)
			if !c.ID.IsZero() {
				e.table.UpdateNodeStatus(c, false)
			}
			e.log.Debug("contact probe failed", zap.Stringer("contact", c.UDPAddr()), zap.Error(err))
			continue
		}
		e.probeSucceeded(c.UDPAddr())
		if e.table.UpdateNodeStatus(found, true) == routing.Added {
			added++
		}
	}
	return probed, added
}

func (e *Engine) probeDue(addr netip.AddrPort, now time.Time) bool {
	e.probeMu.Lock()
	defer e.probeMu.Unlock()
	st, ok := e.probes[addr]
	return !ok || !now.Before(st.next)
}

func (e *Engine) probeFailed(c kad.Peer, now time.Time) {
	addr := c.UDPAddr()
	e.probeMu.Lock()
	st, ok := e.probes[addr]
	if !ok {
		st = &probeState{b: e.opts.NewBackOff()}
		e.probes[addr] = st
	}
	wait := st.b.NextBackOff()
	if wait == backoff.Stop {
		delete(e.probes, addr)
		e.probeMu.Unlock()
		e.contacts.Remove(addr)
		e.log.Debug("contact dropped", zap.Stringer("contact", addr))
		return
	}
	st.next = now.Add(wait)
	e.probeMu.Unlock()
}

func (e *Engine) probeSucceeded(addr netip.AddrPort) {
	e.probeMu.Lock()
	delete(e.probes, addr)
	e.probeMu.Unlock()
}
