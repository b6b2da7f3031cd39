// Package routing keeps the distance-bucketed view of known peers and
// decides, from liveness reports, which peers stay in it.
package routing

import (
	"math"
	"net/netip"
	"sort"
	"sync"
	"time"

	"kadnode/internal/kad"
	"kadnode/internal/metrics"
)

const (
	NumBuckets        = 128
	FailureThreshold  = 5
	DefaultBucketSize = 20
)

// Status is the outcome of UpdateNodeStatus.
type Status int

const (
	Rejected Status = iota
	NotPresent
	BucketFull
	Added
	Refreshed
	Evicted
)

func (s Status) String() string {
	switch s {
	case Rejected:
		return "rejected"
	case NotPresent:
		return "not_present"
	case BucketFull:
		return "bucket_full"
	case Added:
		return "added"
	case Refreshed:
		return "refreshed"
	case Evicted:
		return "evicted"
	}
	return "unknown"
}

type Options struct {
	Local      kad.Peer
	BucketSize int
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// handle addresses a record slot. gen guards against a handle outliving the
// record it was issued for.
type handle struct {
	slot uint32
	gen  uint32
}

type record struct {
	peer     kad.Peer
	bucket   int
	lastSeen time.Time
	gen      uint32
	live     bool
}

// Table holds one record per known peer in an arena. Buckets and the direct
// index both store handles into it.
type Table struct {
	mu      sync.Mutex
	local   kad.Peer
	extIP   netip.Addr
	size    int
	records []record
	free    []uint32
	buckets [NumBuckets][]handle
	index   map[kad.ID]handle
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(opts Options) *Table {
	if opts.BucketSize <= 0 {
		opts.BucketSize = DefaultBucketSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Table{
		local:   opts.Local,
		size:    opts.BucketSize,
		index:   make(map[kad.ID]handle),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

func (t *Table) Local() kad.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Table) BucketSize() int { return t.size }

func (t *Table) SetExternalIP(ip netip.Addr) {
	t.mu.Lock()
	t.extIP = ip
	t.mu.Unlock()
}

func (t *Table) ExternalIP() netip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extIP
}

func (t *Table) rejectLocked(p kad.Peer) bool {
	if p.ID == t.local.ID {
		return true
	}
	if p.IP == t.local.IP && p.UDPPort == t.local.UDPPort {
		return true
	}
	if !kad.Routable(p.IP) {
		return true
	}
	if t.extIP.IsValid() && p.IP == t.extIP {
		return true
	}
	return t.local.IP.IsValid() && p.IP == t.local.IP
}

// UpdateNodeStatus applies one liveness observation for p. The lookup and
// the resulting mutation happen under a single lock.
func (t *Table) UpdateNodeStatus(p kad.Peer, alive bool) Status {
	t.mu.Lock()
	st := t.updateLocked(p, alive)
	t.mu.Unlock()
	t.metrics.IncRouting(st.String())
	return st
}

func (t *Table) updateLocked(p kad.Peer, alive bool) Status {
	if t.rejectLocked(p) {
		return Rejected
	}
	h, ok := t.index[p.ID]
	if !ok {
		if !alive {
			return NotPresent
		}
		b := kad.DistanceClass(t.local.ID, p.ID)
		if len(t.buckets[b]) >= t.size {
			return BucketFull
		}
		p.Failures = 0
		h = t.alloc(p, b)
		t.buckets[b] = append(t.buckets[b], h)
		t.index[p.ID] = h
		return Added
	}
	rec := &t.records[h.slot]
	if alive {
		rec.peer.Failures = 0
		rec.lastSeen = t.now()
		t.touchLocked(rec.bucket, h)
		return Refreshed
	}
	rec.peer.Failures++
	if rec.peer.Failures >= FailureThreshold {
		t.removeLocked(h)
		return Evicted
	}
	return Refreshed
}

func (t *Table) alloc(p kad.Peer, bucket int) handle {
	var slot uint32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.records = append(t.records, record{})
		slot = uint32(len(t.records) - 1)
	}
	rec := &t.records[slot]
	rec.gen++
	rec.peer = p
	rec.bucket = bucket
	rec.lastSeen = t.now()
	rec.live = true
	return handle{slot: slot, gen: rec.gen}
}

func (t *Table) valid(h handle) bool {
	if int(h.slot) >= len(t.records) {
		return false
	}
	rec := &t.records[h.slot]
	return rec.live && rec.gen == h.gen
}

func (t *Table) touchLocked(bucket int, h handle) {
	hs := t.buckets[bucket]
	for i, x := range hs {
		if x == h {
			copy(hs[i:], hs[i+1:])
			hs[len(hs)-1] = h
			return
		}
	}
}

func (t *Table) removeLocked(h handle) {
	if !t.valid(h) {
		panic("routing: stale handle removed")
	}
	rec := &t.records[h.slot]
	hs := t.buckets[rec.bucket]
	for i, x := range hs {
		if x == h {
			t.buckets[rec.bucket] = append(hs[:i], hs[i+1:]...)
			break
		}
	}
	delete(t.index, rec.peer.ID)
	rec.live = false
	rec.peer = kad.Peer{}
	t.free = append(t.free, h.slot)
}

func (t *Table) Lookup(id kad.ID) (kad.Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.index[id]
	if !ok {
		return kad.Peer{}, false
	}
	return t.records[h.slot].peer, true
}

func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

func (t *Table) EraseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.index)
	for i := range t.buckets {
		t.buckets[i] = nil
	}
	t.index = make(map[kad.ID]handle)
	t.records = nil
	t.free = nil
	return n
}

func (t *Table) Peers() []kad.Peer {
	t.mu.Lock()
	out := make([]kad.Peer, 0, len(t.index))
	for _, h := range t.index {
		out = append(out, t.records[h.slot].peer)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return kad.CompareDistance(kad.ID{}, out[i].ID, out[j].ID) < 0
	})
	return out
}

func (t *Table) Bucket(i int) []kad.Peer {
	if i < 0 || i >= NumBuckets {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]kad.Peer, 0, len(t.buckets[i]))
	for _, h := range t.buckets[i] {
		out = append(out, t.records[h.slot].peer)
	}
	return out
}

func (t *Table) Closest(target kad.ID, k int) []kad.Peer {
	if k <= 0 {
		return nil
	}
	t.mu.Lock()
	all := make([]kad.Peer, 0, len(t.index))
	for _, h := range t.index {
		all = append(all, t.records[h.slot].peer)
	}
	t.mu.Unlock()
	sort.Slice(all, func(i, j int) bool {
		return kad.CompareDistance(target, all[i].ID, all[j].ID) < 0
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

type BucketStat struct {
	Index    int     `json:"index"`
	Count    int     `json:"count"`
	Capacity int     `json:"capacity"`
	Estimate float64 `json:"estimated_users,omitempty"`
}

// Buckets reports the non-empty buckets from index 127 down. Buckets with
// more than two free slots are treated as complete samples of their slice
// of the keyspace and carry a population estimate.
func (t *Table) Buckets() []BucketStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []BucketStat
	for i := NumBuckets - 1; i >= 0; i-- {
		n := len(t.buckets[i])
		if n == 0 {
			continue
		}
		st := BucketStat{Index: i, Count: n, Capacity: t.size}
		if t.size-n > 2 {
			st.Estimate = math.Ldexp(float64(n), NumBuckets-i)
		}
		out = append(out, st)
	}
	return out
}
