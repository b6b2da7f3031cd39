package engine

import (
	"errors"
	"net/netip"
	"time"

	"kadnode/internal/debuglog"
	"kadnode/internal/metrics"
)

// OnPacketReceived routes one datagram to the conversation it belongs to,
// creating the session when needed. It never blocks on a consumer: a full
// session queue drops the packet.
func (e *Engine) OnPacketReceived(from netip.AddrPort, server bool, payload []byte) error {
	e.metrics.IncReceived()
	if e.ctx.Err() != nil {
		e.metrics.IncDropByReason(metrics.DropShutdown)
		return ErrStopped
	}
	if len(payload) < 2 {
		e.metrics.IncDropByReason(metrics.DropMalformed)
		return ErrMalformed
	}
	id := SessionID{Flavour: e.flavour, Addr: from, Server: server}
	s, err := e.GetOrCreate(id)
	if err != nil {
		if errors.Is(err, ErrSessionLimitReached) {
			e.metrics.IncDropByReason(metrics.DropNoSession)
		}
		return err
	}
	return e.PostInbound(s, newPacket(from, payload))
}

func (e *Engine) receive(from netip.AddrPort, payload []byte) {
	if err := e.OnPacketReceived(from, e.isRequest(from, payload), payload); err != nil {
		debuglog.RateLimitedf("dispatch:"+err.Error(), 10*time.Second,
			"%s: dropped datagram from %s: %v", e.flavour, from, err)
	}
}

func (e *Engine) isRequest(from netip.AddrPort, payload []byte) bool {
	if e.opts.Classify != nil {
		return e.opts.Classify(payload)
	}
	_, ok := e.Lookup(SessionID{Flavour: e.flavour, Addr: from})
	return !ok
}
