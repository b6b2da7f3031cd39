package network

import (
	"net/netip"
	"testing"
	"time"
)

func TestBlacklistLifecycle(t *testing.T) {
	bl := NewBlacklist()
	now := time.Unix(5000, 0)
	bl.now = func() time.Time { return now }
	addr := netip.MustParseAddrPort("81.2.3.4:4672")

	if prev := bl.Blacklist(addr, time.Minute); prev != 0 {
		t.Fatalf("expected not previously listed, got %v", prev)
	}
	now = now.Add(20 * time.Second)
	if left := bl.IsBlacklisted(addr); left != 40*time.Second {
		t.Fatalf("expected 40s left, got %v", left)
	}
	if prev := bl.Blacklist(addr, 10*time.Second); prev != 40*time.Second {
		t.Fatalf("expected previous 40s, got %v", prev)
	}
	if left := bl.Unblacklist(addr); left != 10*time.Second {
		t.Fatalf("expected 10s on unblacklist, got %v", left)
	}
	if bl.IsBlacklisted(addr) != 0 {
		t.Fatalf("expected unlisted")
	}
	other := netip.MustParseAddrPort("81.2.3.4:4673")
	bl.Blacklist(addr, time.Second)
	if bl.IsBlacklisted(other) != 0 {
		t.Fatalf("port must be part of the key")
	}
}

func TestBlacklistPurge(t *testing.T) {
	bl := NewBlacklist()
	now := time.Unix(5000, 0)
	bl.now = func() time.Time { return now }
	bl.Blacklist(netip.MustParseAddrPort("81.2.3.4:1"), time.Second)
	bl.Blacklist(netip.MustParseAddrPort("81.2.3.4:2"), time.Hour)
	now = now.Add(2 * time.Second)
	if n := bl.Purge(false); n != 1 {
		t.Fatalf("expected one expired entry purged, got %d", n)
	}
	if got := bl.Entries(); len(got) != 1 || got[0].Addr.Port() != 2 {
		t.Fatalf("unexpected entries %v", got)
	}
	if n := bl.Purge(true); n != 1 || bl.Len() != 0 {
		t.Fatalf("expected unconditional purge to empty the list")
	}
}
