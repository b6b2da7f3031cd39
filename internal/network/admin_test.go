package network

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func startAdmin(t *testing.T, h AdminHandler) *AdminServer {
	t.Helper()
	srv, err := ListenAdmin("127.0.0.1:0", h, nil)
	if err != nil {
		t.Fatalf("listen admin: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("admin server did not stop")
		}
	})
	return srv
}

func TestAdminExchangeStatus(t *testing.T) {
	srv := startAdmin(t, func(ctx context.Context, req AdminRequest) (any, error) {
		switch req.Type {
		case "status":
			return map[string]int{"nodes": 42}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, req.Type)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := AdminExchange(ctx, srv.Addr().String(), AdminRequest{Type: "status"}, false)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(raw, &got); err != nil || got["nodes"] != 42 {
		t.Fatalf("unexpected result %s: %v", raw, err)
	}

	_, err = AdminExchange(ctx, srv.Addr().String(), AdminRequest{Type: "reboot"}, false)
	if err == nil || !strings.Contains(err.Error(), "unknown admin request") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestAdminCertIsDeterministic(t *testing.T) {
	_, a, err := adminCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	_, b, err := adminCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("admin certificate changes between calls")
	}
}
