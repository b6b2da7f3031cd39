package engine

import (
	"fmt"
	"io"
	"net/netip"

	"kadnode/internal/kad"
)

func (e *Engine) SendViaSession(s *Session, b []byte) error {
	t := e.opts.Transport
	if t == nil {
		return ErrNoTransport
	}
	n, err := t.SendDatagram(b, s.ID.Addr)
	if err == nil && n != len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		e.metrics.IncSendError()
		return fmt.Errorf("send to %s: %w", s.ID.Addr, err)
	}
	e.metrics.IncSent()
	return nil
}

func (e *Engine) Send(b []byte, to netip.AddrPort) (*Session, error) {
	return e.send(b, to, false)
}

// SendNew is Send for a conversation that must not overlap another one to
// the same peer: it fails with ErrSessionExists instead of reusing.
func (e *Engine) SendNew(b []byte, to netip.AddrPort) (*Session, error) {
	return e.send(b, to, true)
}

func (e *Engine) send(b []byte, to netip.AddrPort, exclusive bool) (*Session, error) {
	if !kad.Routable(to.Addr()) {
		return nil, fmt.Errorf("%s: %w", to, ErrNotRoutable)
	}
	id := SessionID{Flavour: e.flavour, Addr: to}
	s, created, err := e.getOrCreate(id, true, exclusive)
	if err != nil {
		return nil, err
	}
	if err := e.SendViaSession(s, b); err != nil {
		if created {
			s.Close()
		}
		return nil, err
	}
	return s, nil
}
