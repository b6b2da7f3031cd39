package peer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"kadnode/internal/kad"
)

// nodes.dat: uint32 count, then count records of
// legacy id (16) | ip (4, LSB first) | udp port (2) | tcp port (2) | type (1),
// every integer little-endian.
const (
	nodesDatRecordSize = 25
	maxNodesDatRecords = 1 << 20
	// contacts of this type or above have stopped answering
	maxContactType = 5
)

var ErrTruncated = errors.New("nodes.dat truncated")

type nodesDatRecord struct {
	ID      [kad.IDLen]byte
	IP      uint32
	UDPPort uint16
	TCPPort uint16
	Type    uint8
}

func ReadNodesDat(r io.Reader) ([]kad.Peer, error) {
	br := bufio.NewReader(r)
	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read count: %w", err)
	}
	if count > maxNodesDatRecords {
		return nil, fmt.Errorf("nodes.dat claims %d records", count)
	}
	out := make([]kad.Peer, 0, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		var rec nodesDatRecord
		if err := binary.Read(br, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, fmt.Errorf("record %d: %w", i, ErrTruncated)
			}
			return out, err
		}
		out = append(out, kad.Peer{
			ID:       kad.FromLegacy(rec.ID),
			IP:       kad.AddrFromUint32(rec.IP),
			UDPPort:  rec.UDPPort,
			TCPPort:  rec.TCPPort,
			Failures: rec.Type,
		})
	}
	return out, nil
}

// WriteNodesDat skips peers without an IPv4 address; the format has no room
// for anything else.
func WriteNodesDat(w io.Writer, peers []kad.Peer) error {
	v4 := make([]kad.Peer, 0, len(peers))
	for _, p := range peers {
		if p.IP.Unmap().Is4() {
			v4 = append(v4, p)
		}
	}
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(v4))); err != nil {
		return err
	}
	for _, p := range v4 {
		rec := nodesDatRecord{
			ID:      p.ID.Legacy(),
			IP:      kad.AddrToUint32(p.IP),
			UDPPort: p.UDPPort,
			TCPPort: p.TCPPort,
			Type:    p.Failures,
		}
		if err := binary.Write(bw, binary.LittleEndian, &rec); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func LoadNodesDat(path string, c *Contacts) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	peers, err := ReadNodesDat(f)
	n := 0
	for _, p := range peers {
		if p.Failures >= maxContactType {
			continue
		}
		p.Failures = 0
		if c.Add(p) {
			n++
		}
	}
	return n, err
}
