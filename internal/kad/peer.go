package kad

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/ethereum/go-ethereum/p2p/netutil"
)

// Peer describes a remote node. Failures counts consecutive missed replies.
type Peer struct {
	ID       ID
	IP       netip.Addr
	UDPPort  uint16
	TCPPort  uint16
	Failures uint8
}

func (p Peer) UDPAddr() netip.AddrPort {
	return netip.AddrPortFrom(p.IP, p.UDPPort)
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.ID, p.UDPAddr())
}

// Routable reports whether ip may appear as a public contact. Only IPv4 is
// accepted; loopback, private, link-local, multicast, broadcast and the
// other special-purpose ranges are refused.
func Routable(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsValid() || !ip.Is4() {
		return false
	}
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsMulticast() {
		return false
	}
	raw := net.IP(ip.AsSlice())
	return !netutil.IsLAN(raw) && !netutil.IsSpecialNetwork(raw)
}

func AddrFromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func AddrToUint32(ip netip.Addr) uint32 {
	ip = ip.Unmap()
	if !ip.Is4() {
		return 0
	}
	b := ip.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
