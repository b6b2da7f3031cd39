package peer

import (
	"container/list"
	"net/netip"
	"sync"
	"time"

	"kadnode/internal/kad"
)

const DefaultContactCap = 2048

// Contacts is the bounded set of bootstrap contacts of one engine. Entries
// are kept in recency order; the oldest is dropped when the set is full.
type Contacts struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	hot   map[netip.AddrPort]*list.Element
	order *list.List
}

type contactEntry struct {
	peer      kad.Peer
	expiresAt time.Time
}

func NewContacts(capacity int, ttl time.Duration) *Contacts {
	if capacity <= 0 {
		capacity = DefaultContactCap
	}
	return &Contacts{
		cap:   capacity,
		ttl:   ttl,
		hot:   make(map[netip.AddrPort]*list.Element),
		order: list.New(),
	}
}

func (c *Contacts) Add(p kad.Peer) bool {
	if !kad.Routable(p.IP) || p.UDPPort == 0 {
		return false
	}
	key := p.UDPAddr()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if el, ok := c.hot[key]; ok {
		ent := el.Value.(*contactEntry)
		ent.peer = p
		ent.expiresAt = c.expiry()
		c.order.MoveToFront(el)
		return true
	}
	if len(c.hot) >= c.cap {
		c.evictLocked(len(c.hot) - c.cap + 1)
	}
	el := c.order.PushFront(&contactEntry{peer: p, expiresAt: c.expiry()})
	c.hot[key] = el
	return true
}

func (c *Contacts) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.ttl)
}

func (c *Contacts) Remove(addr netip.AddrPort) {
	c.mu.Lock()
	if el, ok := c.hot[addr]; ok {
		delete(c.hot, addr)
		c.order.Remove(el)
	}
	c.mu.Unlock()
}

func (c *Contacts) Has(addr netip.AddrPort) bool {
	c.mu.Lock()
	c.pruneLocked()
	_, ok := c.hot[addr]
	c.mu.Unlock()
	return ok
}

func (c *Contacts) Len() int {
	c.mu.Lock()
	c.pruneLocked()
	n := len(c.hot)
	c.mu.Unlock()
	return n
}

func (c *Contacts) List() []kad.Peer {
	c.mu.Lock()
	c.pruneLocked()
	out := make([]kad.Peer, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*contactEntry).peer)
	}
	c.mu.Unlock()
	return out
}

// Sample returns up to n of the least recently refreshed contacts and
// rotates them to the front, so repeated calls walk the whole set.
func (c *Contacts) Sample(n int) []kad.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	out := make([]kad.Peer, 0, n)
	for len(out) < n && len(out) < len(c.hot) {
		el := c.order.Back()
		out = append(out, el.Value.(*contactEntry).peer)
		c.order.MoveToFront(el)
	}
	return out
}

func (c *Contacts) pruneLocked() {
	if c.ttl <= 0 {
		return
	}
	now := time.Now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*contactEntry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(c.hot, ent.peer.UDPAddr())
		c.order.Remove(el)
		el = prev
	}
}

func (c *Contacts) evictLocked(n int) {
	for n > 0 {
		el := c.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*contactEntry)
		delete(c.hot, ent.peer.UDPAddr())
		c.order.Remove(el)
		n--
	}
}
