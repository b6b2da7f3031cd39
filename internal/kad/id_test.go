package kad

import (
	"net/netip"
	"testing"
)

func idWith(pos int, b byte) ID {
	var id ID
	id[pos] = b
	return id
}

func TestDistanceClass(t *testing.T) {
	var local ID
	cases := []struct {
		name   string
		remote ID
		want   int
	}{
		{"top bit", idWith(0, 0x80), 127},
		{"low bit of first byte", idWith(0, 0x01), 120},
		{"top bit of second byte", idWith(1, 0x80), 119},
		{"last bit", idWith(15, 0x01), 0},
		{"same", local, -1},
	}
	for _, tc := range cases {
		if got := DistanceClass(local, tc.remote); got != tc.want {
			t.Fatalf("%s: expected class %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestDistanceClassSymmetric(t *testing.T) {
	a := mustParse(t, "#0123456789abcdef0123456789abcdef")
	b := mustParse(t, "#f123456789abcdef0123456789abcdef")
	if DistanceClass(a, b) != DistanceClass(b, a) {
		t.Fatalf("distance class must be symmetric")
	}
	if DistanceClass(a, b) != 127 {
		t.Fatalf("expected 127, got %d", DistanceClass(a, b))
	}
}

func TestParseID(t *testing.T) {
	id := mustParse(t, "#0102")
	if id[0] != 1 || id[1] != 2 || id[2] != 0 {
		t.Fatalf("unexpected id %s", id)
	}
	odd := mustParse(t, "abc")
	if odd[0] != 0xab || odd[1] != 0 {
		t.Fatalf("odd nibble should be ignored, got %s", odd)
	}
	if _, err := ParseID("zz"); err != ErrBadID {
		t.Fatalf("expected ErrBadID, got %v", err)
	}
	full := "00112233445566778899aabbccddeeff"
	if got := mustParse(t, full).String(); got != full {
		t.Fatalf("round trip mismatch: %s", got)
	}
}

func TestLegacyConversion(t *testing.T) {
	var raw [IDLen]byte
	for i := range raw {
		raw[i] = byte(i)
	}
	id := FromLegacy(raw)
	if id[0] != 3 || id[3] != 0 || id[4] != 7 {
		t.Fatalf("unexpected word order %s", id)
	}
	if id.Legacy() != raw {
		t.Fatalf("legacy round trip failed")
	}
}

func TestCompareDistance(t *testing.T) {
	var target ID
	near := idWith(15, 1)
	far := idWith(0, 1)
	if CompareDistance(target, near, far) >= 0 {
		t.Fatalf("expected near < far")
	}
	if CompareDistance(target, far, far) != 0 {
		t.Fatalf("expected equal distance")
	}
}

func TestRoutable(t *testing.T) {
	cases := map[string]bool{
		"1.2.3.4":         true,
		"80.10.20.30":     true,
		"10.1.1.1":        false,
		"172.16.0.1":      false,
		"172.31.255.1":    false,
		"192.168.1.1":     false,
		"127.0.0.1":       false,
		"0.0.0.0":         false,
		"255.255.255.255": false,
		"169.254.1.1":     false,
		"224.0.0.1":       false,
		"2001:4860::1":    false,
	}
	for s, want := range cases {
		if got := Routable(netip.MustParseAddr(s)); got != want {
			t.Fatalf("%s: expected %v, got %v", s, want, got)
		}
	}
}

func TestAddrUint32(t *testing.T) {
	ip := netip.MustParseAddr("1.2.3.4")
	v := AddrToUint32(ip)
	if v != 0x01020304 {
		t.Fatalf("unexpected value %x", v)
	}
	if AddrFromUint32(v) != ip {
		t.Fatalf("round trip mismatch")
	}
	if AddrToUint32(netip.Addr{}) != 0 || AddrToUint32(netip.MustParseAddr("2001:db8::1")) != 0 {
		t.Fatalf("non-IPv4 addresses must map to 0")
	}
	if AddrToUint32(netip.MustParseAddr("::ffff:1.2.3.4")) != 0x01020304 {
		t.Fatalf("mapped IPv4 not unmapped")
	}
}

func mustParse(t *testing.T, s string) ID {
	t.Helper()
	id, err := ParseID(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return id
}
