// Package daemon runs the enforcement loop that keeps the operating system
// state (hosts entries, NAT redirects, kill switch) converged with the
// schedule verdict and the administrative block set.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"netfence/internal/config"
	"netfence/internal/hosts"
	"netfence/internal/netfilter"
	"netfence/internal/notify"
	"netfence/internal/schedule"
	"netfence/internal/store"
	"netfence/internal/utils"
)

// escalation fires after this many consecutive failed enforcement passes.
const failureEscalation = 3

// EnforcementDaemon owns the periodic reconcile loop. Transitions are
// edge-triggered: the kill switch is queried every pass and only touched
// when the desired state differs from the observed one.
type EnforcementDaemon struct {
	cfg        *config.Config
	store      *store.Store
	hosts      *hosts.Manager
	killSwitch *netfilter.KillSwitch
	redirector *netfilter.Redirector
	notifier   *notify.Notifier
	clock      utils.TimeProvider

	mu   sync.RWMutex
	last schedule.Decision

	hostsDirty bool
	failures   int
}

// New assembles the daemon. clock may be nil for the real clock.
func New(cfg *config.Config, st *store.Store, hm *hosts.Manager,
	ks *netfilter.KillSwitch, rd *netfilter.Redirector,
	notifier *notify.Notifier, clock utils.TimeProvider) *EnforcementDaemon {

	if clock == nil {
		clock = utils.DefaultTimeProvider{}
	}
	return &EnforcementDaemon{
		cfg:        cfg,
		store:      st,
		hosts:      hm,
		killSwitch: ks,
		redirector: rd,
		notifier:   notifier,
		clock:      clock,
		last:       schedule.Decision{Allowed: true, Reason: schedule.ReasonAllowed},
		hostsDirty: true,
	}
}

// Last returns the most recent schedule verdict. Satisfies the interception
// server's decision source.
func (d *EnforcementDaemon) Last() schedule.Decision {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// MarkStoreChanged flags the hosts block for refresh on the next pass. The
// store watcher calls this when the administrative system rewrites a file.
func (d *EnforcementDaemon) MarkStoreChanged() {
	d.mu.Lock()
	d.hostsDirty = true
	d.mu.Unlock()
}

// Run reconciles once immediately, then on every tick until the context is
// cancelled. On shutdown the kill switch is disabled so a dead daemon never
// strands the machine offline; the domain blocks stay in place.
func (d *EnforcementDaemon) Run(ctx context.Context) error {
	slog.Info("Enforcement daemon starting",
		"interval_seconds", d.cfg.EnforceInterval)

	if err := d.startupReconcile(); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	ticker := time.NewTicker(time.Duration(d.cfg.EnforceInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Enforcement daemon stopping, releasing network block")
			if err := d.killSwitch.DisableBlock(); err != nil {
				slog.Error("Releasing network block on shutdown failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			d.runPass()
		}
	}
}

// startupReconcile installs the full enforcement state once: redirect rules,
// hosts block and the kill switch position. A machine rebooted mid-restriction
// comes back restricted.
func (d *EnforcementDaemon) startupReconcile() error {
	if err := d.redirector.Enable(d.cfg.Intercept.HTTPPort, d.cfg.Intercept.TLSPort); err != nil {
		return err
	}
	if err := d.refreshHosts(); err != nil {
		return err
	}
	return d.enforce()
}

// runPass is one scheduled enforcement pass with failure accounting.
func (d *EnforcementDaemon) runPass() {
	err := d.enforce()
	if err == nil {
		if d.hostsDirtyFlag() {
			if herr := d.refreshHosts(); herr != nil {
				err = herr
			}
		}
	}

	if err != nil {
		d.failures++
		slog.Error("Enforcement pass failed", "error", err, "consecutive_failures", d.failures)
		if d.failures == failureEscalation {
			d.notifier.Alert("Enforcement failing",
				fmt.Sprintf("%d consecutive enforcement passes failed. Last error: %v", d.failures, err))
		}
		return
	}
	d.failures = 0
}

// enforce computes the schedule verdict and converges the kill switch. The
// observed state is re-read from the firewall each pass rather than cached,
// so rules removed behind the daemon's back are reinstalled within one
// interval.
func (d *EnforcementDaemon) enforce() error {
	snap := d.store.Snapshot()
	decision := schedule.Evaluate(d.clock.Now(), snap.Schedules, snap.Usage)

	d.mu.Lock()
	prev := d.last
	d.last = decision
	d.mu.Unlock()

	if prev.Allowed != decision.Allowed || prev.Reason != decision.Reason {
		slog.Info("Schedule verdict changed",
			"allowed", decision.Allowed, "reason", decision.Reason)
	}

	observed, err := d.killSwitch.Active()
	if err != nil {
		return fmt.Errorf("reading kill switch state: %w", err)
	}

	desired := !decision.Allowed
	if desired == observed {
		return nil
	}

	if desired {
		return d.killSwitch.EnableBlock(decision.Reason)
	}
	return d.killSwitch.DisableBlock()
}

// refreshHosts rewrites the managed hosts block from the current block set.
func (d *EnforcementDaemon) refreshHosts() error {
	snap := d.store.Snapshot()
	domains := hosts.SanitizeDomains(snap.Domains())
	if err := d.hosts.Update(domains); err != nil {
		return fmt.Errorf("updating hosts block: %w", err)
	}

	d.mu.Lock()
	d.hostsDirty = false
	d.mu.Unlock()

	slog.Info("Hosts block refreshed", "domains", len(domains))
	return nil
}

func (d *EnforcementDaemon) hostsDirtyFlag() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hostsDirty
}

// RunOnce performs a single full reconcile, for the -once command.
func (d *EnforcementDaemon) RunOnce() error {
	return d.startupReconcile()
}
