// Package daemon wires a configured node together: the shared UDP
// transport, one engine per flavour, the reachability probe, the admin
// channel, the diagnostics server and the metrics snapshot writer.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kadnode/internal/config"
	"kadnode/internal/debuglog"
	"kadnode/internal/diag"
	"kadnode/internal/engine"
	"kadnode/internal/kad"
	"kadnode/internal/metrics"
	"kadnode/internal/network"
	"kadnode/internal/peer"
)

type Options struct {
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// Server and Client handlers per flavour; missing entries drain.
	ServerHandlers map[kad.Flavour]engine.Handler
	ClientHandlers map[kad.Flavour]engine.Handler
	Classify       map[kad.Flavour]func(payload []byte) bool
	Prober         engine.Prober
}

type Runner struct {
	Config  *config.Config
	Metrics *metrics.Metrics
	Local   kad.Peer

	opts    Options
	log     *zap.Logger
	started time.Time

	mu        sync.RWMutex
	transport *network.UDP
	blacklist *network.Blacklist
	engines   []*engine.Engine
	adminAddr string
	diagAddr  string
}

func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("missing config")
	}
	local, err := cfg.Local.Node()
	if err != nil {
		return nil, fmt.Errorf("local node: %w", err)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = debuglog.Named("daemon")
	}
	return &Runner{
		Config:    cfg,
		Metrics:   opts.Metrics,
		Local:     local,
		opts:      opts,
		log:       opts.Logger,
		blacklist: network.NewBlacklist(),
	}, nil
}

// RunWithContext brings the node up, sends the bound UDP address on ready
// and blocks until ctx is done or a service fails. Engines are stopped and
// the socket closed before it returns.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	r.started = time.Now()
	cfg := r.Config
	for _, b := range cfg.Blacklist {
		ap, err := netip.ParseAddrPort(b.Addr)
		if err != nil {
			return fmt.Errorf("blacklist %q: %w", b.Addr, err)
		}
		r.blacklist.Blacklist(ap, b.For.Std())
	}

	udp, err := network.ListenUDP(cfg.Local.UDPAddr(), network.UDPOptions{
		Blacklist: r.blacklist,
		Limiter:   network.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, cfg.RateLimit.MaxIPs),
		Metrics:   r.Metrics,
		Logger:    r.log.Named("udp"),
	})
	if err != nil {
		return err
	}
	if r.Local.UDPPort == 0 {
		r.Local.UDPPort = udp.LocalAddr().Port()
	}
	r.mu.Lock()
	r.transport = udp
	r.mu.Unlock()
	defer r.shutdown()

	if err := r.startEngines(ctx, udp); err != nil {
		return err
	}

	var admin *network.AdminServer
	if cfg.Admin.Addr != "" {
		if admin, err = network.ListenAdmin(cfg.Admin.Addr, r.HandleAdmin, r.log.Named("admin")); err != nil {
			return err
		}
		r.mu.Lock()
		r.adminAddr = admin.Addr().String()
		r.mu.Unlock()
	}
	var dsrv *diag.Server
	if cfg.Diag.Addr != "" {
		if dsrv, err = diag.Listen(cfg.Diag.Addr, diag.NewRegistry(r.Metrics), r.log.Named("diag")); err != nil {
			if admin != nil {
				admin.Close()
			}
			return err
		}
		r.mu.Lock()
		r.diagAddr = dsrv.Addr().String()
		r.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if cfg.Probe.Enabled {
		g.Go(func() error {
			r.probeFirewall(gctx)
			return nil
		})
	}
	if admin != nil {
		g.Go(func() error { return admin.Serve(gctx) })
	}
	if dsrv != nil {
		g.Go(dsrv.Serve)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return dsrv.Shutdown(sctx)
		})
	}
	if cfg.Snapshot.Path != "" {
		g.Go(func() error {
			r.writeSnapshots(gctx, cfg.Snapshot.Path, cfg.Snapshot.Interval.Std())
			return nil
		})
	}

	addr := udp.LocalAddr().String()
	r.log.Info("node running",
		zap.Stringer("id", r.Local.ID),
		zap.String("udp", addr),
		zap.Int("engines", len(r.Engines())))
	if ready != nil {
		select {
		case ready <- addr:
		default:
		}
	}
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runner) startEngines(ctx context.Context, udp *network.UDP) error {
	for _, ec := range r.Config.Engines {
		f := ec.ParsedFlavour()
		e := engine.New(engine.Options{
			Flavour:          f,
			Local:            r.Local,
			Transport:        udp,
			BucketSize:       ec.BucketSize,
			MaxSessions:      ec.MaxSessions,
			QueueSize:        ec.QueueSize,
			MaxContacts:      ec.MaxContacts,
			IdleTimeout:      ec.IdleTimeout.Std(),
			MaintainInterval: ec.MaintainInterval.Std(),
			ServerHandler:    r.opts.ServerHandlers[f],
			ClientHandler:    r.opts.ClientHandlers[f],
			Classify:         r.opts.Classify[f],
			Prober:           r.opts.Prober,
			Housekeeping:     r.housekeeping,
			Metrics:          r.Metrics,
			Logger:           r.log.Named("engine"),
		})
		seeded, err := r.seedContacts(e, ec)
		if err != nil {
			e.Stop()
			return fmt.Errorf("%s engine: %w", f, err)
		}
		if err := e.Start(ctx); err != nil {
			e.Stop()
			return fmt.Errorf("start %s engine: %w", f, err)
		}
		r.mu.Lock()
		r.engines = append(r.engines, e)
		r.mu.Unlock()
		r.log.Info("engine ready", zap.Stringer("flavour", f), zap.Int("contacts", seeded))
	}
	return nil
}

func (r *Runner) seedContacts(e *engine.Engine, ec config.EngineConfig) (int, error) {
	peers, err := ec.ContactPeers()
	if err != nil {
		return 0, err
	}
	for _, p := range peers {
		e.Contacts().Add(p)
	}
	if ec.NodesDat != "" {
		if _, err := peer.LoadNodesDat(ec.NodesDat, e.Contacts()); err != nil {
			r.log.Warn("nodes.dat not loaded", zap.String("path", ec.NodesDat), zap.Error(err))
		}
	}
	return e.Contacts().Len(), nil
}

func (r *Runner) housekeeping(ctx context.Context) {
	if n := r.blacklist.Purge(false); n > 0 {
		r.log.Debug("blacklist purged", zap.Int("expired", n))
	}
}

func (r *Runner) probeFirewall(ctx context.Context) {
	reachable, err := network.ProbeTCP(ctx, r.Config.Local.TCPAddr(), r.Config.Probe.Window.Std())
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("firewall probe failed", zap.Error(err))
		}
		return
	}
	for _, e := range r.Engines() {
		e.SetFirewalled(!reachable)
	}
	r.log.Info("firewall probe done", zap.Bool("reachable", reachable))
}

func (r *Runner) writeSnapshots(ctx context.Context, path string, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultSnapshotInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Metrics.WriteSnapshot(path); err != nil {
				debuglog.RateLimitedf("snapshot", time.Minute, "snapshot write failed: %v", err)
			}
		case <-ctx.Done():
			_ = r.Metrics.WriteSnapshot(path)
			return
		}
	}
}

func (r *Runner) shutdown() {
	r.mu.Lock()
	engines := r.engines
	r.engines = nil
	udp := r.transport
	r.mu.Unlock()
	for i := len(engines) - 1; i >= 0; i-- {
		engines[i].Stop()
	}
	if udp != nil {
		udp.Close()
	}
	r.log.Info("node stopped")
}

func (r *Runner) Engines() []*engine.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*engine.Engine(nil), r.engines...)
}

func (r *Runner) Engine(f kad.Flavour) (*engine.Engine, bool) {
	for _, e := range r.Engines() {
		if e.Flavour() == f {
			return e, true
		}
	}
	return nil, false
}

func (r *Runner) Blacklist() *network.Blacklist { return r.blacklist }

func (r *Runner) AdminAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adminAddr
}

func (r *Runner) DiagAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.diagAddr
}
