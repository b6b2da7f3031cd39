// Package testutil bounds fuzz inputs for the datagram and file decoders.
package testutil

import (
	"testing"
	"time"
)

const (
	// A UDP datagram never exceeds this.
	DefaultMaxFuzzBytes = 1 << 16
	DefaultFuzzTimeout  = 200 * time.Millisecond
)

func CapBytes(b []byte, max int) []byte {
	if max <= 0 || len(b) <= max {
		return b
	}
	return b[:max]
}

func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("decoder still running after %s", d)
	}
}
