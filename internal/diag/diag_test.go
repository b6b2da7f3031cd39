package diag

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"kadnode/internal/metrics"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestListenRefusesPublic(t *testing.T) {
	t.Setenv("KADNODE_DIAG_ALLOW_PUBLIC", "")
	if _, err := Listen("0.0.0.0:0", NewRegistry(), nil); err == nil {
		t.Fatalf("expected public bind refused")
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServesMetricsAndPprof(t *testing.T) {
	m := metrics.New()
	m.IncSessionCreated()
	m.IncDropByReason(metrics.DropQueueFull)
	s, err := Listen("127.0.0.1:0", NewRegistry(m), nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve() }()
	defer func() {
		s.Shutdown(context.Background())
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	base := "http://" + s.Addr().String()

	code, body := get(t, base+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics status %d", code)
	}
	for _, want := range []string{
		`kadnode_sessions_total{event="created"} 1`,
		`kadnode_packets_dropped_total{reason="queue_full"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output lacks %q", want)
		}
	}
	if code, _ := get(t, base+"/debug/pprof/"); code != http.StatusOK {
		t.Fatalf("pprof index status %d", code)
	}
}
