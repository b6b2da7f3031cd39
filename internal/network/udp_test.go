package network

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"kadnode/internal/kad"
	"kadnode/internal/metrics"
)

type received struct {
	from    netip.AddrPort
	payload []byte
}

func collect(ch chan<- received) func(netip.AddrPort, []byte) {
	return func(from netip.AddrPort, payload []byte) {
		ch <- received{from: from, payload: append([]byte(nil), payload...)}
	}
}

func listenLoopback(t *testing.T, opts UDPOptions) *UDP {
	t.Helper()
	u, err := ListenUDP("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { u.Close() })
	return u
}

func dialLoopback(t *testing.T, u *UDP) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(u.LocalAddr()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func expect(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for datagram")
	}
	return received{}
}

func expectNone(t *testing.T, ch <-chan received) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected datagram %x", r.payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUDPRoutesByHeader(t *testing.T) {
	m := metrics.New()
	u := listenLoopback(t, UDPOptions{Metrics: m})
	kadCh := make(chan received, 4)
	edCh := make(chan received, 4)
	u.Register(kad.HeaderKad, collect(kadCh))
	u.Register(kad.HeaderEDonkey, collect(edCh))
	c := dialLoopback(t, u)

	c.Write([]byte{kad.HeaderKad, 0x10, 1, 2})
	c.Write([]byte{kad.HeaderEDonkey, 0x0a})
	if r := expect(t, kadCh); !bytes.Equal(r.payload, []byte{kad.HeaderKad, 0x10, 1, 2}) {
		t.Fatalf("unexpected kad payload %x", r.payload)
	}
	r := expect(t, edCh)
	if r.from.Port() != uint16(c.LocalAddr().(*net.UDPAddr).Port) {
		t.Fatalf("unexpected sender %s", r.from)
	}

	c.Write([]byte{0x42, 0x01})
	c.Write([]byte{kad.HeaderKad})
	eventuallyDrops(t, m, metrics.DropUnhandled, 1)
	eventuallyDrops(t, m, metrics.DropMalformed, 1)

	u.Unregister(kad.HeaderKad)
	c.Write([]byte{kad.HeaderKad, 0x10})
	expectNone(t, kadCh)
}

func TestUDPInflatesPackedDatagrams(t *testing.T) {
	m := metrics.New()
	u := listenLoopback(t, UDPOptions{Metrics: m})
	ch := make(chan received, 2)
	u.Register(kad.HeaderKadPacked, collect(ch))
	c := dialLoopback(t, u)

	plain := append([]byte{kad.HeaderKad, 0x21}, bytes.Repeat([]byte{7}, 300)...)
	packed, err := Deflate(plain, kad.HeaderKadPacked)
	if err != nil {
		t.Fatalf("deflate: %v", err)
	}
	c.Write(packed)
	if r := expect(t, ch); !bytes.Equal(r.payload, plain) {
		t.Fatalf("expected inflated payload")
	}
	if m.Snapshot().Packets.Inflated != 1 {
		t.Fatalf("inflation not counted")
	}
}

func TestUDPBlacklistAndRateLimit(t *testing.T) {
	m := metrics.New()
	bl := NewBlacklist()
	u := listenLoopback(t, UDPOptions{Metrics: m, Blacklist: bl, Limiter: NewRateLimiter(0.001, 2, 0)})
	ch := make(chan received, 8)
	u.Register(kad.HeaderKad, collect(ch))
	c := dialLoopback(t, u)
	ap := c.LocalAddr().(*net.UDPAddr).AddrPort()
	from := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())

	bl.Blacklist(from, time.Minute)
	c.Write([]byte{kad.HeaderKad, 1})
	eventuallyDrops(t, m, metrics.DropBlacklisted, 1)
	bl.Unblacklist(from)

	for i := byte(0); i < 3; i++ {
		c.Write([]byte{kad.HeaderKad, i})
	}
	expect(t, ch)
	expect(t, ch)
	eventuallyDrops(t, m, metrics.DropRateLimited, 1)
	expectNone(t, ch)
}

func TestUDPSendAndClose(t *testing.T) {
	a := listenLoopback(t, UDPOptions{})
	b := listenLoopback(t, UDPOptions{})
	ch := make(chan received, 1)
	b.Register(kad.HeaderKad, collect(ch))
	n, err := a.SendDatagram([]byte{kad.HeaderKad, 0x30}, b.LocalAddr())
	if err != nil || n != 2 {
		t.Fatalf("send: %d %v", n, err)
	}
	if r := expect(t, ch); r.from != a.LocalAddr() {
		t.Fatalf("expected sender %s, got %s", a.LocalAddr(), r.from)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := a.SendDatagram([]byte{kad.HeaderKad, 0x30}, b.LocalAddr()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func eventuallyDrops(t *testing.T, m *metrics.Metrics, reason string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshot().DropByReason[reason] < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d %s drops, got %d", want, reason, m.Snapshot().DropByReason[reason])
		}
		time.Sleep(5 * time.Millisecond)
	}
}
