package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const (
	DefaultProbeWindow = 10 * time.Second
	probePoll          = 500 * time.Millisecond
)

// FirewallProbe listens on the node's TCP port. Any inbound connection
// within the window proves the node is reachable from outside.
type FirewallProbe struct {
	ln *net.TCPListener

	once   sync.Once
	result bool
	err    error
}

func ListenProbe(addr string) (*FirewallProbe, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp4", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp: %w", err)
	}
	return &FirewallProbe{ln: ln}, nil
}

func (p *FirewallProbe) Addr() net.Addr { return p.ln.Addr() }

func (p *FirewallProbe) Wait(ctx context.Context, window time.Duration) (reachable bool, err error) {
	p.once.Do(func() {
		defer p.ln.Close()
		p.result, p.err = p.wait(ctx, window)
	})
	return p.result, p.err
}

func (p *FirewallProbe) wait(ctx context.Context, window time.Duration) (bool, error) {
	if window <= 0 {
		window = DefaultProbeWindow
	}
	deadline := time.Now().Add(window)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			return false, nil
		}
		step := now.Add(probePoll)
		if step.After(deadline) {
			step = deadline
		}
		if err := p.ln.SetDeadline(step); err != nil {
			return false, err
		}
		c, err := p.ln.Accept()
		if err == nil {
			c.Close()
			return true, nil
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return false, err
		}
	}
}

func ProbeTCP(ctx context.Context, addr string, window time.Duration) (bool, error) {
	p, err := ListenProbe(addr)
	if err != nil {
		return false, err
	}
	return p.Wait(ctx, window)
}
