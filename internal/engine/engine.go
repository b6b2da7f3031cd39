// Package engine multiplexes many concurrent conversations with remote
// peers over one shared datagram transport and owns the routing table of
// one Kademlia flavour.
package engine

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"kadnode/internal/debuglog"
	"kadnode/internal/kad"
	"kadnode/internal/metrics"
	"kadnode/internal/peer"
	"kadnode/internal/queue"
	"kadnode/internal/routing"
)

const (
	DefaultMaxSessions      = 16
	DefaultQueueSize        = 16
	DefaultIdleTimeout      = 15 * time.Second
	DefaultReapInterval     = time.Second
	DefaultMaintainInterval = 30 * time.Second
	DefaultMaintainBudget   = 5 * time.Second
	DefaultProbeBatch       = 8
)

var (
	ErrSessionLimitReached = errors.New("session limit reached")
	ErrSessionExists       = errors.New("session already exists")
	ErrStopped             = errors.New("engine stopped")
	ErrNotRoutable         = errors.New("address not routable")
	ErrMalformed           = errors.New("malformed packet")
	ErrNoTransport         = errors.New("no transport")
)

// Transport is the datagram socket shared by every engine of a node.
type Transport interface {
	SendDatagram(b []byte, to netip.AddrPort) (int, error)
	Register(header byte, fn func(from netip.AddrPort, payload []byte))
	Unregister(header byte)
}

// Prober checks whether a bootstrap contact answers and returns the peer as
// it identified itself.
type Prober interface {
	Probe(ctx context.Context, e *Engine, contact kad.Peer) (kad.Peer, error)
}

type FirewallState int32

const (
	FirewallUnknown FirewallState = iota
	Firewalled
	NotFirewalled
)

func (f FirewallState) String() string {
	switch f {
	case Firewalled:
		return "firewalled"
	case NotFirewalled:
		return "open"
	}
	return "unknown"
}

type Options struct {
	Flavour     kad.Flavour
	Local       kad.Peer
	Transport   Transport
	BucketSize  int
	MaxSessions int
	QueueSize   int
	MaxContacts int

	IdleTimeout      time.Duration
	ReapInterval     time.Duration
	MaintainInterval time.Duration
	MaintainBudget   time.Duration
	ProbeBatch       int

	ServerHandler Handler
	ClientHandler Handler
	// Classify reports whether a datagram opens a new conversation. When
	// nil, a datagram is a reply iff a client session to its sender exists.
	Classify     func(payload []byte) bool
	Prober       Prober
	NewBackOff   func() backoff.BackOff
	Housekeeping func(ctx context.Context)

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.BucketSize <= 0 {
		o.BucketSize = o.Flavour.DefaultBucketSize()
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.MaxContacts <= 0 {
		o.MaxContacts = peer.DefaultContactCap
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.MaintainInterval <= 0 {
		o.MaintainInterval = DefaultMaintainInterval
	}
	if o.MaintainBudget <= 0 {
		o.MaintainBudget = DefaultMaintainBudget
	}
	if o.ProbeBatch <= 0 {
		o.ProbeBatch = DefaultProbeBatch
	}
	if o.NewBackOff == nil {
		o.NewBackOff = defaultBackOff
	}
	if o.ServerHandler == nil {
		o.ServerHandler = DrainHandler(o.IdleTimeout)
	}
	if o.ClientHandler == nil {
		o.ClientHandler = DrainHandler(o.IdleTimeout)
	}
	if o.Logger == nil {
		o.Logger = debuglog.Named("engine")
	}
}

type Stats struct {
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Live      int   `json:"live"`
}

type Engine struct {
	opts     Options
	flavour  kad.Flavour
	table    *routing.Table
	contacts *peer.Contacts
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[SessionID]*Session
	slots    *semaphore.Weighted
	dead     *queue.Queue[*Session]
	workers  sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	bg      chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	halted  chan struct{}

	firewall  atomic.Int32
	created   atomic.Int64
	destroyed atomic.Int64

	probeMu sync.Mutex
	probes  map[netip.AddrPort]*probeState
}

func New(opts Options) *Engine {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:    opts,
		flavour: opts.Flavour,
		table: routing.New(routing.Options{
			Local:      opts.Local,
			BucketSize: opts.BucketSize,
			Metrics:    opts.Metrics,
		}),
		contacts: peer.NewContacts(opts.MaxContacts, 0),
		metrics:  opts.Metrics,
		log:      opts.Logger.With(zap.Stringer("flavour", opts.Flavour)),
		sessions: make(map[SessionID]*Session),
		slots:    semaphore.NewWeighted(int64(opts.MaxSessions)),
		dead:     queue.New[*Session](opts.MaxSessions + 1),
		ctx:      ctx,
		cancel:   cancel,
		halted:   make(chan struct{}),
		probes:   make(map[netip.AddrPort]*probeState),
	}
	return e
}

// Start hooks the engine to its transport and launches the background
// goroutine. Cancelling parent has the same effect on blocked goroutines
// as Stop, but Stop must still be called to release resources.
func (e *Engine) Start(parent context.Context) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	if parent != nil {
		context.AfterFunc(parent, e.cancel)
	}
	if t := e.opts.Transport; t != nil {
		plain, packed := e.flavour.Headers()
		if plain != 0 {
			t.Register(plain, e.receive)
		}
		if packed != 0 {
			t.Register(packed, e.receive)
		}
	}
	e.bg = make(chan struct{})
	go e.loop()
	e.log.Info("engine started",
		zap.Stringer("local", e.table.Local().UDPAddr()),
		zap.Int("bucket_size", e.opts.BucketSize),
		zap.Int("max_sessions", e.opts.MaxSessions))
	return nil
}

// Stop cancels every blocking wait, joins all session workers and the
// background goroutine, destroys the remaining sessions and empties the
// routing table. It blocks until all of that is done; later or concurrent
// callers wait for the same teardown and then get ErrStopped.
func (e *Engine) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		<-e.halted
		return ErrStopped
	}
	defer close(e.halted)
	if t := e.opts.Transport; t != nil && e.started.Load() {
		plain, packed := e.flavour.Headers()
		if plain != 0 {
			t.Unregister(plain)
		}
		if packed != 0 {
			t.Unregister(packed)
		}
	}
	e.cancel()

	for _, s := range e.liveSessions() {
		s.inbox.Wake()
	}
	e.dead.Wake()
	e.workers.Wait()
	if e.bg != nil {
		<-e.bg
	}
	for {
		s, ok := e.dead.TryDequeue()
		if !ok {
			break
		}
		e.reap(s)
	}
	for _, s := range e.liveSessions() {
		if s.state.CompareAndSwap(stateLive, stateDead) {
			e.release(s)
		}
	}
	e.dead.Destroy()
	erased := e.table.EraseAll()
	st := e.Stats()
	e.log.Info("engine stopped",
		zap.Int("erased_nodes", erased),
		zap.Int64("sessions_created", st.Created),
		zap.Int64("sessions_destroyed", st.Destroyed))
	return nil
}

func (e *Engine) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) Context() context.Context { return e.ctx }

func (e *Engine) Flavour() kad.Flavour { return e.flavour }

func (e *Engine) Table() *routing.Table { return e.table }

func (e *Engine) Contacts() *peer.Contacts { return e.contacts }

func (e *Engine) LocalNode() kad.Peer { return e.table.Local() }

func (e *Engine) ExternalIP() netip.Addr { return e.table.ExternalIP() }

func (e *Engine) SetExternalIP(ip netip.Addr) {
	e.table.SetExternalIP(ip)
}

func (e *Engine) Firewall() FirewallState {
	return FirewallState(e.firewall.Load())
}

func (e *Engine) SetFirewalled(firewalled bool) {
	st := NotFirewalled
	if firewalled {
		st = Firewalled
	}
	e.firewall.Store(int32(st))
}

func (e *Engine) UpdateNodeStatus(p kad.Peer, alive bool) routing.Status {
	return e.table.UpdateNodeStatus(p, alive)
}

func (e *Engine) CountNodes() int { return e.table.Count() }

func (e *Engine) EraseAllNodes() int { return e.table.EraseAll() }

func (e *Engine) Closest(target kad.ID, k int) []kad.Peer {
	return e.table.Closest(target, k)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	live := 0
	for _, s := range e.sessions {
		if s.live() {
			live++
		}
	}
	e.mu.Unlock()
	return Stats{
		Created:   e.created.Load(),
		Destroyed: e.destroyed.Load(),
		Live:      live,
	}
}

func DrainHandler(idle time.Duration) Handler {
	return func(ctx context.Context, s *Session) {
		for {
			p, ok := s.RecvTimeout(idle)
			if !ok {
				return
			}
			debuglog.RateLimitedf("drain:"+s.ID.String(), time.Minute,
				"no handler for %s opcode 0x%02x", s.ID, p.Opcode())
			p.Release()
		}
	}
}
