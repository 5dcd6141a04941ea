package watchdog

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"netfence/internal/config"
	"netfence/internal/notify"
)

func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func httpURL(port int, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}

func testConfig() config.WatchdogConfig {
	return config.WatchdogConfig{
		IntervalSeconds:   1,
		FailureThreshold:  2,
		MaxRestarts:       2,
		WindowMinutes:     15,
		ProbeTimeoutMilli: 500,
	}
}

func quietNotifier() *notify.Notifier {
	return notify.New(config.NotifyConfig{}, true)
}

func TestProbeHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := New(testConfig(), srv.URL, func() error { return nil }, quietNotifier())
	if err := w.Probe(context.Background()); err != nil {
		t.Errorf("Probe against healthy server failed: %v", err)
	}
}

func TestProbeBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := New(testConfig(), srv.URL, func() error { return nil }, quietNotifier())
	if err := w.Probe(context.Background()); err == nil {
		t.Error("Probe accepted a 503 response")
	}
}

func TestProbeUnreachable(t *testing.T) {
	w := New(testConfig(), "http://127.0.0.1:1/healthz", func() error { return nil }, quietNotifier())
	if err := w.Probe(context.Background()); err == nil {
		t.Error("Probe against a closed port succeeded")
	}
}

func TestRestartAfterThreshold(t *testing.T) {
	var restarts atomic.Int32
	w := New(testConfig(), "http://127.0.0.1:1/healthz",
		func() error { restarts.Add(1); return nil }, quietNotifier())

	ctx := context.Background()
	w.tick(ctx) // failure 1, below threshold
	if n := restarts.Load(); n != 0 {
		t.Fatalf("restarted after a single failure (%d)", n)
	}
	w.tick(ctx) // failure 2, hits threshold
	if n := restarts.Load(); n != 1 {
		t.Fatalf("restarts = %d, want 1", n)
	}
	if w.failures != 0 {
		t.Errorf("failure counter = %d after restart, want 0", w.failures)
	}
}

func TestRecoveryResetsCounter(t *testing.T) {
	healthy := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := New(testConfig(), srv.URL, func() error { return nil }, quietNotifier())
	ctx := context.Background()

	w.tick(ctx)
	if w.failures != 1 {
		t.Fatalf("failures = %d, want 1", w.failures)
	}
	healthy.Store(true)
	w.tick(ctx)
	if w.failures != 0 {
		t.Errorf("failures after recovery = %d, want 0", w.failures)
	}
}

func TestEscalationAfterRestartBudget(t *testing.T) {
	var restarts, escalations atomic.Int32
	w := New(testConfig(), "http://127.0.0.1:1/healthz",
		func() error { restarts.Add(1); return nil }, quietNotifier())
	w.OnEscalate = func() { escalations.Add(1) }

	ctx := context.Background()
	// Each pair of failed ticks consumes one restart; budget is 2.
	for i := 0; i < 8; i++ {
		w.tick(ctx)
	}

	if n := restarts.Load(); n != 2 {
		t.Errorf("restarts = %d, want 2 (budget)", n)
	}
	if n := escalations.Load(); n != 1 {
		t.Errorf("escalations = %d, want exactly 1 per episode", n)
	}
}

func TestRestartFailureEscalatesImmediately(t *testing.T) {
	var escalations atomic.Int32
	w := New(testConfig(), "http://127.0.0.1:1/healthz",
		func() error { return context.DeadlineExceeded }, quietNotifier())
	w.OnEscalate = func() { escalations.Add(1) }

	ctx := context.Background()
	w.tick(ctx)
	w.tick(ctx)

	if n := escalations.Load(); n != 1 {
		t.Errorf("escalations = %d, want 1 after failed restart", n)
	}
}

func TestPruneRestarts(t *testing.T) {
	w := New(testConfig(), "http://127.0.0.1:1/healthz", func() error { return nil }, quietNotifier())
	w.restarts = []time.Time{
		time.Now().Add(-time.Hour), // outside the 15 minute window
		time.Now().Add(-time.Minute),
	}
	w.pruneRestarts()
	if len(w.restarts) != 1 {
		t.Errorf("restarts after prune = %d, want 1", len(w.restarts))
	}
}

func TestServeFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln := findFreePort(t)
	done := make(chan error, 1)
	go func() { done <- ServeFallback(ctx, ln) }()

	// Wait for the responder to come up.
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(httpURL(ln, "/anything"))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("fallback responder unreachable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("fallback status = %d, want 403", resp.StatusCode)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fallback responder did not stop on context cancel")
	}
}
