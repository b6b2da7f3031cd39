package main

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kadnode/internal/crypto"
	"kadnode/internal/kad"
	"kadnode/internal/peer"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "kadnode") {
		t.Fatalf("expected help output to mention kadnode")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"frobnicate"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestIDCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"id", "hello"}, &out, &errOut); code != 0 {
		t.Fatalf("id failed: %s", errOut.String())
	}
	if got := strings.TrimSpace(out.String()); got != crypto.MD4([]byte("hello")).String() {
		t.Fatalf("unexpected id %q", got)
	}

	out.Reset()
	if code := run([]string{"id", "#00112233445566778899aabbccddeeff"}, &out, &errOut); code != 0 {
		t.Fatalf("hex id failed: %s", errOut.String())
	}
	if got := strings.TrimSpace(out.String()); got != "00112233445566778899aabbccddeeff" {
		t.Fatalf("unexpected hex id %q", got)
	}
	if code := run([]string{"id", "#zz"}, &out, &errOut); code != 1 {
		t.Fatalf("expected failure for a bad hex id")
	}
}

func TestNodesDatCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.dat")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	peers := []kad.Peer{
		{ID: crypto.MD4([]byte("a")), IP: netip.MustParseAddr("81.2.3.4"), UDPPort: 4672, TCPPort: 4662},
		{ID: crypto.MD4([]byte("b")), IP: netip.MustParseAddr("81.2.3.5"), UDPPort: 4673, TCPPort: 4663},
	}
	if err := peer.WriteNodesDat(f, peers); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	var out, errOut bytes.Buffer
	if code := run([]string{"nodes-dat", path}, &out, &errOut); code != 0 {
		t.Fatalf("nodes-dat failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "81.2.3.5:4673") || !strings.Contains(out.String(), "2 contacts") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestConfigCommandPrintsDefaults(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"config"}, &out, &errOut); code != 0 {
		t.Fatalf("config failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "flavour: emule") {
		t.Fatalf("unexpected config output %q", out.String())
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"version"}, &out, &out); code != 0 || !strings.HasPrefix(out.String(), "kadnode ") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
