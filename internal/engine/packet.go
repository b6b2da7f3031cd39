package engine

import (
	"net/netip"
	"sync"
)

const pooledPacketSize = 2048

var packetPool = sync.Pool{
	New: func() any {
		b := make([]byte, pooledPacketSize)
		return &b
	},
}

// Packet is one received datagram. The consumer that dequeues it owns it and
// must call Release when done.
type Packet struct {
	From netip.AddrPort
	Data []byte
	buf  *[]byte
}

func newPacket(from netip.AddrPort, payload []byte) *Packet {
	p := &Packet{From: from}
	if len(payload) <= pooledPacketSize {
		p.buf = packetPool.Get().(*[]byte)
		p.Data = (*p.buf)[:len(payload)]
	} else {
		p.Data = make([]byte, len(payload))
	}
	copy(p.Data, payload)
	return p
}

func (p *Packet) Opcode() byte {
	if len(p.Data) < 2 {
		return 0
	}
	return p.Data[1]
}

func (p *Packet) Release() {
	if p == nil || p.buf == nil {
		return
	}
	buf := p.buf
	p.buf = nil
	p.Data = nil
	packetPool.Put(buf)
}
