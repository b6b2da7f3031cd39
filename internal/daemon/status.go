package daemon

import (
	"context"
	"fmt"
	"time"

	"kadnode/internal/engine"
	"kadnode/internal/kad"
	"kadnode/internal/metrics"
	"kadnode/internal/network"
)

type Status struct {
	ID          string           `json:"id"`
	UDP         string           `json:"udp"`
	Uptime      string           `json:"uptime"`
	Engines     []EngineStatus   `json:"engines"`
	Blacklisted int              `json:"blacklisted"`
	Metrics     metrics.Snapshot `json:"metrics"`
}

type EngineStatus struct {
	Flavour    string       `json:"flavour"`
	Nodes      int          `json:"nodes"`
	Contacts   int          `json:"contacts"`
	Firewall   string       `json:"firewall"`
	ExternalIP string       `json:"external_ip,omitempty"`
	Sessions   engine.Stats `json:"sessions"`
}

type NodeView struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	TCPPort  uint16 `json:"tcp_port"`
	Failures uint8  `json:"failures"`
}

func (r *Runner) Status() Status {
	st := Status{
		ID:          r.Local.ID.String(),
		Blacklisted: r.blacklist.Len(),
		Metrics:     r.Metrics.Snapshot(),
	}
	if !r.started.IsZero() {
		st.Uptime = time.Since(r.started).Truncate(time.Second).String()
	}
	r.mu.RLock()
	if r.transport != nil {
		st.UDP = r.transport.LocalAddr().String()
	}
	r.mu.RUnlock()
	for _, e := range r.Engines() {
		es := EngineStatus{
			Flavour:  e.Flavour().String(),
			Nodes:    e.CountNodes(),
			Contacts: e.Contacts().Len(),
			Firewall: e.Firewall().String(),
			Sessions: e.Stats(),
		}
		if ip := e.ExternalIP(); ip.IsValid() {
			es.ExternalIP = ip.String()
		}
		st.Engines = append(st.Engines, es)
	}
	return st
}

func (r *Runner) HandleAdmin(ctx context.Context, req network.AdminRequest) (any, error) {
	switch req.Type {
	case "status":
		return r.Status(), nil
	case "buckets":
		e, err := r.engineFor(req.Args)
		if err != nil {
			return nil, err
		}
		return e.Table().Buckets(), nil
	case "nodes":
		e, err := r.engineFor(req.Args)
		if err != nil {
			return nil, err
		}
		return nodeViews(e.Table().Peers()), nil
	case "blacklist":
		return r.blacklist.Entries(), nil
	}
	return nil, fmt.Errorf("%w: %s", network.ErrUnknownRequest, req.Type)
}

func (r *Runner) engineFor(args map[string]string) (*engine.Engine, error) {
	name := args["flavour"]
	if name == "" {
		engines := r.Engines()
		if len(engines) == 0 {
			return nil, fmt.Errorf("no engine running")
		}
		return engines[0], nil
	}
	f, err := kad.ParseFlavour(name)
	if err != nil {
		return nil, err
	}
	e, ok := r.Engine(f)
	if !ok {
		return nil, fmt.Errorf("no %s engine running", f)
	}
	return e, nil
}

func nodeViews(peers []kad.Peer) []NodeView {
	out := make([]NodeView, 0, len(peers))
	for _, p := range peers {
		out = append(out, NodeView{
			ID:       p.ID.String(),
			Addr:     p.UDPAddr().String(),
			TCPPort:  p.TCPPort,
			Failures: p.Failures,
		})
	}
	return out
}
