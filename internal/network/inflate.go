package network

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"kadnode/internal/kad"
)

// MaxInflatedSize bounds a decompressed datagram, header and opcode included.
const MaxInflatedSize = 4096

var ErrInflate = errors.New("cannot inflate packed datagram")

func plainHeader(h byte) (byte, bool) {
	switch h {
	case kad.HeaderKadPacked:
		return kad.HeaderKad, true
	case kad.HeaderRevConnPacked:
		return kad.HeaderRevConn, true
	}
	return 0, false
}

// Inflate decompresses the zlib body of a packed datagram. The result keeps
// the opcode and carries the plain header.
func Inflate(packed []byte) ([]byte, error) {
	if len(packed) < 3 {
		return nil, fmt.Errorf("%w: runt", ErrInflate)
	}
	plain, ok := plainHeader(packed[0])
	if !ok {
		return nil, fmt.Errorf("%w: header 0x%02x", ErrInflate, packed[0])
	}
	zr, err := zlib.NewReader(bytes.NewReader(packed[2:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInflate, err)
	}
	defer zr.Close()
	out := make([]byte, 2, MaxInflatedSize)
	out[0], out[1] = plain, packed[1]
	body, err := io.ReadAll(io.LimitReader(zr, MaxInflatedSize-2+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInflate, err)
	}
	if len(body) > MaxInflatedSize-2 {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrInflate, MaxInflatedSize)
	}
	return append(out, body...), nil
}

func Deflate(plain []byte, packedHeader byte) ([]byte, error) {
	if len(plain) < 2 {
		return nil, fmt.Errorf("deflate: runt datagram")
	}
	var buf bytes.Buffer
	buf.WriteByte(packedHeader)
	buf.WriteByte(plain[1])
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(plain[2:]); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
