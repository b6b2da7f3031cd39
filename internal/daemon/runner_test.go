package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kadnode/internal/config"
	"kadnode/internal/kad"
	"kadnode/internal/network"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Local = config.LocalConfig{ID: "daemon test", Bind: "127.0.0.1", TCPPort: 4662}
	cfg.Engines = []config.EngineConfig{
		{Flavour: "emule", Contacts: []string{"81.2.3.5:4672"}},
		{Flavour: "overnet"},
	}
	cfg.Blacklist = []config.BlacklistEntry{{Addr: "81.2.3.9:4672", For: config.Duration(time.Hour)}}
	cfg.Probe.Enabled = false
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Diag.Addr = "127.0.0.1:0"
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "snapshot.json")
	cfg.Snapshot.Interval = config.Duration(time.Hour)
	return cfg
}

func startRunner(t *testing.T, cfg *config.Config) (*Runner, func()) {
	t.Helper()
	r, err := NewRunner(cfg, Options{})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- r.RunWithContext(ctx, ready) }()
	select {
	case <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("runner exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("runner not ready")
	}
	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("runner did not stop")
		}
	}
	return r, stop
}

func TestRunnerServesAdminAndWritesSnapshot(t *testing.T) {
	cfg := testConfig(t)
	r, stop := startRunner(t, cfg)

	if r.Local.UDPPort == 0 {
		t.Fatalf("bound port not recorded")
	}
	if len(r.Engines()) != 2 {
		t.Fatalf("expected two engines, got %d", len(r.Engines()))
	}
	if r.DiagAddr() == "" {
		t.Fatalf("diag server not started")
	}
	e, ok := r.Engine(kad.EMule)
	if !ok || e.Contacts().Len() != 1 {
		t.Fatalf("inline contacts not seeded")
	}
	if r.Blacklist().IsBlacklisted(netip.MustParseAddrPort("81.2.3.9:4672")) <= 0 {
		t.Fatalf("configured blacklist not loaded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := network.AdminExchange(ctx, r.AdminAddr(), network.AdminRequest{Type: "status"}, false)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.ID != r.Local.ID.String() || len(st.Engines) != 2 || st.Blacklisted != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Engines[0].Flavour != "emule" || st.Engines[0].Contacts != 1 {
		t.Fatalf("unexpected engine status %+v", st.Engines[0])
	}

	raw, err = network.AdminExchange(ctx, r.AdminAddr(), network.AdminRequest{Type: "nodes", Args: map[string]string{"flavour": "overnet"}}, false)
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	var nodes []NodeView
	if err := json.Unmarshal(raw, &nodes); err != nil || len(nodes) != 0 {
		t.Fatalf("expected an empty table, got %s: %v", raw, err)
	}

	stop()
	if _, err := os.Stat(cfg.Snapshot.Path); err != nil {
		t.Fatalf("snapshot not written on shutdown: %v", err)
	}
	if len(r.Engines()) != 0 {
		t.Fatalf("engines not released")
	}
}

func TestRunnerRejectsBusyPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Addr = ""
	cfg.Diag.Addr = ""
	r, stop := startRunner(t, cfg)
	defer stop()

	again := testConfig(t)
	again.Local.UDPPort = r.Local.UDPPort
	other, err := NewRunner(again, Options{})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := other.RunWithContext(context.Background(), nil); err == nil {
		t.Fatalf("expected bind failure on a busy port")
	}
}

func TestHandleAdminRequests(t *testing.T) {
	r, err := NewRunner(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	ctx := context.Background()
	if _, err := r.HandleAdmin(ctx, network.AdminRequest{Type: "reboot"}); !errors.Is(err, network.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
	if _, err := r.HandleAdmin(ctx, network.AdminRequest{Type: "buckets"}); err == nil {
		t.Fatalf("expected an error with no engine running")
	}
	if _, err := r.HandleAdmin(ctx, network.AdminRequest{Type: "buckets", Args: map[string]string{"flavour": "gnutella"}}); err == nil {
		t.Fatalf("expected an error for an unknown flavour")
	}
	got, err := r.HandleAdmin(ctx, network.AdminRequest{Type: "blacklist"})
	if err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if entries, ok := got.([]network.BlacklistEntry); !ok || len(entries) != 0 {
		t.Fatalf("expected an empty blacklist before start, got %#v", got)
	}
}

func TestRunnerRejectsBadContact(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engines[0].Contacts = []string{"not-an-address"}
	r, err := NewRunner(cfg, Options{})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	err = r.RunWithContext(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "not-an-address") {
		t.Fatalf("expected the bad contact to fail startup, got %v", err)
	}
	if len(r.Engines()) != 0 {
		t.Fatalf("engines left running after a failed start")
	}
}
