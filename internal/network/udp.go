// Package network holds the node's I/O collaborators: the shared UDP
// transport, the blacklist and rate limit applied in front of it, the TCP
// reachability probe and the QUIC admin channel.
package network

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kadnode/internal/debuglog"
	"kadnode/internal/metrics"
)

const maxDatagram = 65535

var ErrClosed = errors.New("transport closed")

type UDPOptions struct {
	Blacklist *Blacklist
	Limiter   *RateLimiter
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// UDP is one socket shared by every engine. A single receiver goroutine
// routes each datagram by its header byte to the registered callback.
type UDP struct {
	conn    *net.UDPConn
	opts    UDPOptions
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers [256]func(from netip.AddrPort, payload []byte)

	wg     sync.WaitGroup
	closed atomic.Bool
}

func ListenUDP(addr string, opts UDPOptions) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.Named("udp")
	}
	u := &UDP{
		conn:    conn,
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	u.wg.Add(1)
	go u.readLoop()
	u.log.Info("udp listening", zap.Stringer("addr", u.LocalAddr()))
	return u, nil
}

func (u *UDP) LocalAddr() netip.AddrPort {
	ap := u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (u *UDP) Register(header byte, fn func(from netip.AddrPort, payload []byte)) {
	u.mu.Lock()
	u.handlers[header] = fn
	u.mu.Unlock()
}

func (u *UDP) Unregister(header byte) {
	u.mu.Lock()
	u.handlers[header] = nil
	u.mu.Unlock()
}

func (u *UDP) handler(header byte) func(netip.AddrPort, []byte) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.handlers[header]
}

func (u *UDP) SendDatagram(b []byte, to netip.AddrPort) (int, error) {
	if u.closed.Load() {
		return 0, ErrClosed
	}
	return u.conn.WriteToUDPAddrPort(b, to)
}

func (u *UDP) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				u.log.Debug("udp read loop stopped")
				return
			}
			u.log.Warn("udp read error", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		u.deliver(from, buf[:n])
	}
}

func (u *UDP) drop(reason string, from netip.AddrPort) {
	u.metrics.IncDropByReason(reason)
	debuglog.RateLimitedf("udp:"+reason, 10*time.Second, "udp: dropped datagram from %s: %s", from, reason)
}

// deliver runs on the receiver goroutine; payload is reused afterwards.
func (u *UDP) deliver(from netip.AddrPort, payload []byte) {
	if len(payload) < 2 {
		u.drop(metrics.DropMalformed, from)
		return
	}
	if u.opts.Blacklist.IsBlacklisted(from) > 0 {
		u.drop(metrics.DropBlacklisted, from)
		return
	}
	if !u.opts.Limiter.Allow(from.Addr()) {
		u.drop(metrics.DropRateLimited, from)
		return
	}
	fn := u.handler(payload[0])
	if fn == nil {
		u.drop(metrics.DropUnhandled, from)
		return
	}
	if _, packed := plainHeader(payload[0]); packed {
		inflated, err := Inflate(payload)
		if err != nil {
			u.drop(metrics.DropMalformed, from)
			return
		}
		u.metrics.IncInflated()
		payload = inflated
	}
	fn(from, payload)
}
