package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Routing      RoutingMetrics    `json:"routing"`
	Sessions     SessionMetrics    `json:"sessions"`
	Packets      PacketMetrics     `json:"packets"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
}

type RoutingMetrics struct {
	Added      uint64 `json:"added"`
	Refreshed  uint64 `json:"refreshed"`
	Evicted    uint64 `json:"evicted"`
	Rejected   uint64 `json:"rejected"`
	BucketFull uint64 `json:"bucket_full"`
	NotPresent uint64 `json:"not_present"`
}

type SessionMetrics struct {
	Created      uint64 `json:"created"`
	Destroyed    uint64 `json:"destroyed"`
	Reaped       uint64 `json:"reaped"`
	LimitReached uint64 `json:"limit_reached"`
	Live         int64  `json:"live"`
}

type PacketMetrics struct {
	Received   uint64 `json:"received"`
	Dispatched uint64 `json:"dispatched"`
	Inflated   uint64 `json:"inflated"`
	Sent       uint64 `json:"sent"`
	SendErrors uint64 `json:"send_errors"`
}

// Drop reasons used across the node.
const (
	DropQueueFull   = "queue_full"
	DropNoSession   = "no_session"
	DropBlacklisted = "blacklisted"
	DropRateLimited = "rate_limited"
	DropMalformed   = "malformed"
	DropUnhandled   = "unhandled"
	DropShutdown    = "shutdown"
)

type Metrics struct {
	routeAdded      atomic.Uint64
	routeRefreshed  atomic.Uint64
	routeEvicted    atomic.Uint64
	routeRejected   atomic.Uint64
	routeBucketFull atomic.Uint64
	routeNotPresent atomic.Uint64

	sessCreated      atomic.Uint64
	sessDestroyed    atomic.Uint64
	sessReaped       atomic.Uint64
	sessLimitReached atomic.Uint64

	pktReceived   atomic.Uint64
	pktDispatched atomic.Uint64
	pktInflated   atomic.Uint64
	pktSent       atomic.Uint64
	pktSendErrors atomic.Uint64

	dropMu       sync.Mutex
	dropByReason map[string]uint64
}

func New() *Metrics {
	return &Metrics{dropByReason: make(map[string]uint64)}
}

func (m *Metrics) IncRouting(status string) {
	if m == nil {
		return
	}
	switch status {
	case "added":
		m.routeAdded.Add(1)
	case "refreshed":
		m.routeRefreshed.Add(1)
	case "evicted":
		m.routeEvicted.Add(1)
	case "rejected":
		m.routeRejected.Add(1)
	case "bucket_full":
		m.routeBucketFull.Add(1)
	case "not_present":
		m.routeNotPresent.Add(1)
	}
}

func (m *Metrics) IncSessionCreated() {
	if m != nil {
		m.sessCreated.Add(1)
	}
}

func (m *Metrics) IncSessionDestroyed() {
	if m != nil {
		m.sessDestroyed.Add(1)
	}
}

func (m *Metrics) IncSessionReaped() {
	if m != nil {
		m.sessReaped.Add(1)
	}
}

func (m *Metrics) IncSessionLimit() {
	if m != nil {
		m.sessLimitReached.Add(1)
	}
}

func (m *Metrics) IncReceived() {
	if m != nil {
		m.pktReceived.Add(1)
	}
}

func (m *Metrics) IncDispatched() {
	if m != nil {
		m.pktDispatched.Add(1)
	}
}

func (m *Metrics) IncInflated() {
	if m != nil {
		m.pktInflated.Add(1)
	}
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.pktSent.Add(1)
	}
}

func (m *Metrics) IncSendError() {
	if m != nil {
		m.pktSendErrors.Add(1)
	}
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.dropMu.Lock()
	m.dropByReason[reason]++
	m.dropMu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.dropMu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.dropMu.Unlock()
	created := m.sessCreated.Load()
	destroyed := m.sessDestroyed.Load()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Routing: RoutingMetrics{
			Added:      m.routeAdded.Load(),
			Refreshed:  m.routeRefreshed.Load(),
			Evicted:    m.routeEvicted.Load(),
			Rejected:   m.routeRejected.Load(),
			BucketFull: m.routeBucketFull.Load(),
			NotPresent: m.routeNotPresent.Load(),
		},
		Sessions: SessionMetrics{
			Created:      created,
			Destroyed:    destroyed,
			Reaped:       m.sessReaped.Load(),
			LimitReached: m.sessLimitReached.Load(),
			Live:         int64(created) - int64(destroyed),
		},
		Packets: PacketMetrics{
			Received:   m.pktReceived.Load(),
			Dispatched: m.pktDispatched.Load(),
			Inflated:   m.pktInflated.Load(),
			Sent:       m.pktSent.Load(),
			SendErrors: m.pktSendErrors.Load(),
		},
		DropByReason: drops,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// -----------------------------------------------------------------------------
// Prometheus export
// -----------------------------------------------------------------------------

var (
	routingDesc = prometheus.NewDesc("kadnode_routing_updates_total",
		"Routing table updates by outcome.", []string{"status"}, nil)
	sessionDesc = prometheus.NewDesc("kadnode_sessions_total",
		"Session lifecycle events.", []string{"event"}, nil)
	liveDesc = prometheus.NewDesc("kadnode_sessions_live",
		"Sessions created and not yet destroyed.", nil, nil)
	packetDesc = prometheus.NewDesc("kadnode_packets_total",
		"Datagram counters.", []string{"event"}, nil)
	dropDesc = prometheus.NewDesc("kadnode_packets_dropped_total",
		"Dropped datagrams by reason.", []string{"reason"}, nil)
)

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- routingDesc
	ch <- sessionDesc
	ch <- liveDesc
	ch <- packetDesc
	ch <- dropDesc
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	snap := m.Snapshot()
	counter := func(desc *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), label)
	}
	counter(routingDesc, snap.Routing.Added, "added")
	counter(routingDesc, snap.Routing.Refreshed, "refreshed")
	counter(routingDesc, snap.Routing.Evicted, "evicted")
	counter(routingDesc, snap.Routing.Rejected, "rejected")
	counter(routingDesc, snap.Routing.BucketFull, "bucket_full")
	counter(routingDesc, snap.Routing.NotPresent, "not_present")

	counter(sessionDesc, snap.Sessions.Created, "created")
	counter(sessionDesc, snap.Sessions.Destroyed, "destroyed")
	counter(sessionDesc, snap.Sessions.Reaped, "reaped")
	counter(sessionDesc, snap.Sessions.LimitReached, "limit_reached")
	ch <- prometheus.MustNewConstMetric(liveDesc, prometheus.GaugeValue, float64(snap.Sessions.Live))

	counter(packetDesc, snap.Packets.Received, "received")
	counter(packetDesc, snap.Packets.Dispatched, "dispatched")
	counter(packetDesc, snap.Packets.Inflated, "inflated")
	counter(packetDesc, snap.Packets.Sent, "sent")
	counter(packetDesc, snap.Packets.SendErrors, "send_errors")

	reasons := make([]string, 0, len(snap.DropByReason))
	for r := range snap.DropByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		counter(dropDesc, snap.DropByReason[r], r)
	}
}
