// Package watchdog supervises the interception listeners. It polls the
// health endpoint, restarts the listeners after repeated probe failures and
// escalates when restarting stops helping.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"netfence/internal/config"
	"netfence/internal/notify"
)

// Watchdog probes an HTTP health URL and drives restarts through a callback
// supplied by the process supervisor.
type Watchdog struct {
	cfg      config.WatchdogConfig
	url      string
	restart  func() error
	notifier *notify.Notifier
	client   *http.Client

	// OnEscalate, when set, runs once per unhealthy episode after the
	// restart budget is spent. The supervisor uses it to bring up the
	// static fallback responder.
	OnEscalate func()

	failures  int
	restarts  []time.Time
	escalated bool
}

// New builds a Watchdog. restart must stop and relaunch the supervised
// listeners, returning an error when relaunch fails.
func New(cfg config.WatchdogConfig, healthURL string, restart func() error, notifier *notify.Notifier) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		url:      healthURL,
		restart:  restart,
		notifier: notifier,
		client: &http.Client{
			Timeout: time.Duration(cfg.ProbeTimeoutMilli) * time.Millisecond,
		},
	}
}

// Run probes until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(w.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	slog.Info("Watchdog started", "url", w.url,
		"interval_seconds", w.cfg.IntervalSeconds,
		"failure_threshold", w.cfg.FailureThreshold)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	if err := w.Probe(ctx); err != nil {
		w.failures++
		slog.Warn("Health probe failed", "error", err, "consecutive_failures", w.failures)
		if w.failures >= w.cfg.FailureThreshold {
			w.handleUnhealthy()
		}
		return
	}
	if w.failures > 0 {
		slog.Info("Health probe recovered", "after_failures", w.failures)
	}
	w.failures = 0
	w.escalated = false
}

// Probe performs a single health check.
func (w *Watchdog) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status %d", resp.StatusCode)
	}
	return nil
}

// handleUnhealthy restarts the listeners unless the rolling restart budget
// is exhausted, in which case it escalates once per unhealthy episode.
func (w *Watchdog) handleUnhealthy() {
	w.pruneRestarts()
	if len(w.restarts) >= w.cfg.MaxRestarts {
		if !w.escalated {
			w.escalate()
			w.escalated = true
		}
		return
	}

	slog.Warn("Restarting interception listeners",
		"restarts_in_window", len(w.restarts), "max_restarts", w.cfg.MaxRestarts)
	w.restarts = append(w.restarts, time.Now())
	w.failures = 0

	if err := w.restart(); err != nil {
		slog.Error("Listener restart failed", "error", err)
		w.escalate()
		w.escalated = true
	}
}

func (w *Watchdog) pruneRestarts() {
	cutoff := time.Now().Add(-time.Duration(w.cfg.WindowMinutes) * time.Minute)
	kept := w.restarts[:0]
	for _, t := range w.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.restarts = kept
}

// escalate alerts the administrator with process diagnostics attached.
func (w *Watchdog) escalate() {
	slog.Error("Interception listeners unhealthy beyond restart budget",
		"restarts_in_window", len(w.restarts))
	w.notifier.Alert("Interception unhealthy",
		fmt.Sprintf("Health probes to %s keep failing after %d restarts in %d minutes.\n\n%s",
			w.url, len(w.restarts), w.cfg.WindowMinutes, processDiagnostics()))
	if w.OnEscalate != nil {
		w.OnEscalate()
	}
}

// processDiagnostics summarizes this process's resource usage for the
// escalation email.
func processDiagnostics() string {
	out := fmt.Sprintf("goroutines: %d\n", runtime.NumGoroutine())

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return out
	}
	if mem, err := p.MemoryInfo(); err == nil {
		out += fmt.Sprintf("rss: %d MiB\n", mem.RSS/(1024*1024))
	}
	if cpu, err := p.CPUPercent(); err == nil {
		out += fmt.Sprintf("cpu: %.1f%%\n", cpu)
	}
	if fds, err := p.NumFDs(); err == nil {
		out += fmt.Sprintf("open fds: %d\n", fds)
	}
	return out
}

// ServeFallback runs a minimal static responder on the given port so blocked
// domains still get an answer while the real listeners are down. Returns
// immediately when the port is occupied. Blocks until the context ends.
func ServeFallback(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("fallback responder could not bind %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler: http.HandlerFunc(func(wr http.ResponseWriter, _ *http.Request) {
			wr.Header().Set("Content-Type", "text/plain; charset=utf-8")
			wr.WriteHeader(http.StatusForbidden)
			wr.Write([]byte("Access blocked.\n"))
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Warn("Fallback responder serving", "addr", addr)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
