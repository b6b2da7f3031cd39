package network

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Blacklist maps (ip, udp port) to an expiry. Datagrams from a listed node
// are dropped before they reach an engine.
type Blacklist struct {
	mu      sync.Mutex
	entries map[netip.AddrPort]time.Time
	now     func() time.Time
}

type BlacklistEntry struct {
	Addr      netip.AddrPort `json:"addr"`
	Remaining time.Duration  `json:"remaining"`
}

func NewBlacklist() *Blacklist {
	return &Blacklist{
		entries: make(map[netip.AddrPort]time.Time),
		now:     time.Now,
	}
}

func (b *Blacklist) remainingLocked(addr netip.AddrPort, now time.Time) time.Duration {
	exp, ok := b.entries[addr]
	if !ok {
		return 0
	}
	if !exp.After(now) {
		delete(b.entries, addr)
		return 0
	}
	return exp.Sub(now)
}

// Blacklist lists addr for d from now and returns how long it was still
// listed before the call.
func (b *Blacklist) Blacklist(addr netip.AddrPort, d time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	prev := b.remainingLocked(addr, now)
	if d > 0 {
		b.entries[addr] = now.Add(d)
	}
	return prev
}

func (b *Blacklist) Unblacklist(addr netip.AddrPort) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.remainingLocked(addr, b.now())
	delete(b.entries, addr)
	return prev
}

func (b *Blacklist) IsBlacklisted(addr netip.AddrPort) time.Duration {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingLocked(addr, b.now())
}

func (b *Blacklist) Purge(unconditional bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for addr, exp := range b.entries {
		if unconditional || !exp.After(now) {
			delete(b.entries, addr)
			n++
		}
	}
	return n
}

func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Blacklist) Entries() []BlacklistEntry {
	b.mu.Lock()
	now := b.now()
	out := make([]BlacklistEntry, 0, len(b.entries))
	for addr, exp := range b.entries {
		if exp.After(now) {
			out = append(out, BlacklistEntry{Addr: addr, Remaining: exp.Sub(now)})
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Compare(out[j].Addr) < 0 })
	return out
}
