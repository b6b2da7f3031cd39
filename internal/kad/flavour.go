package kad

import (
	"fmt"
	"strings"
)

// Flavour tags an engine with the Kademlia dialect it speaks.
type Flavour uint8

const (
	EMule Flavour = iota
	Overnet
	RevConnect
	Other
)

// Protocol header bytes found at offset 0 of every datagram.
const (
	HeaderEDonkey       byte = 0xE3
	HeaderKad           byte = 0xE4
	HeaderKadPacked     byte = 0xE5
	HeaderRevConn       byte = 0xD0
	HeaderRevConnPacked byte = 0xD1
)

func (f Flavour) String() string {
	switch f {
	case EMule:
		return "emule"
	case Overnet:
		return "overnet"
	case RevConnect:
		return "revconnect"
	default:
		return "other"
	}
}

func ParseFlavour(s string) (Flavour, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "emule", "kad":
		return EMule, nil
	case "overnet":
		return Overnet, nil
	case "revconnect":
		return RevConnect, nil
	case "other":
		return Other, nil
	}
	return Other, fmt.Errorf("unknown flavour %q", s)
}

func (f Flavour) Headers() (plain, packed byte) {
	switch f {
	case EMule:
		return HeaderKad, HeaderKadPacked
	case Overnet:
		return HeaderEDonkey, 0
	case RevConnect:
		return HeaderRevConn, HeaderRevConnPacked
	}
	return 0, 0
}

func (f Flavour) DefaultBucketSize() int {
	if f == EMule {
		return 20
	}
	return 100
}
