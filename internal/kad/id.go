package kad

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/bits"
	"strings"
)

const IDLen = 16

// ID is a 128-bit node identifier. Byte 0 holds the most significant bits.
type ID [IDLen]byte

var ErrBadID = errors.New("invalid node id")

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID reads a hex identifier with an optional leading '#'. An odd trailing
// nibble is ignored and short input is zero padded on the right, matching the
// legacy configuration files.
func ParseID(s string) (ID, error) {
	var id ID
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s)%2 != 0 {
		s = s[:len(s)-1]
	}
	if len(s) > 2*IDLen {
		s = s[:2*IDLen]
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ID{}, ErrBadID
	}
	return id, nil
}

func Xor(a, b ID) ID {
	var out ID
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func (id ID) Log2() int {
	for i, b := range id {
		if b != 0 {
			return (IDLen-1-i)*8 + bits.Len8(b) - 1
		}
	}
	return -1
}

// DistanceClass is the bucket index of remote as seen from local: the
// position of the highest set bit of local XOR remote. Equal identifiers
// yield -1.
func DistanceClass(local, remote ID) int {
	return Xor(local, remote).Log2()
}

func CompareDistance(target, a, b ID) int {
	da := Xor(target, a)
	db := Xor(target, b)
	return bytes.Compare(da[:], db[:])
}

// FromLegacy converts an identifier stored as four little-endian 32-bit words
// (nodes.dat, eMule wire order) into canonical byte order.
func FromLegacy(b [IDLen]byte) ID {
	var id ID
	for w := 0; w < 4; w++ {
		binary.BigEndian.PutUint32(id[w*4:], binary.LittleEndian.Uint32(b[w*4:]))
	}
	return id
}

func (id ID) Legacy() [IDLen]byte {
	var out [IDLen]byte
	for w := 0; w < 4; w++ {
		binary.LittleEndian.PutUint32(out[w*4:], binary.BigEndian.Uint32(id[w*4:]))
	}
	return out
}
