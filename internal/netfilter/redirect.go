package netfilter

import (
	"log/slog"
	"strconv"

	"netfence/internal/config"
	"netfence/internal/utils"
)

// Redirector manages the nat chain that forwards loopback-destined traffic
// on ports 80 and 443 into the interception listeners. Blocked domains
// resolve to loopback via the managed hosts block, so only intercepted
// traffic ever reaches these rules.
type Redirector struct {
	chain Chain
	lock  *utils.MutationLock
}

// NewRedirector builds a Redirector on the shared nat chain.
func NewRedirector(run utils.CommandRunner, lock *utils.MutationLock) *Redirector {
	return &Redirector{
		chain: Chain{Table: "nat", Name: config.RedirectChain, Run: run},
		lock:  lock,
	}
}

// Enable idempotently installs the redirect rules: dport 80 to the plain
// HTTP listener and dport 443 to the TLS listener. The chain is flushed and
// repopulated, so repeated calls never duplicate rules.
func (r *Redirector) Enable(httpPort, tlsPort int) error {
	if r.lock != nil {
		if err := r.lock.Acquire(); err != nil {
			return err
		}
		defer r.lock.Release()
	}

	if err := r.chain.Ensure(); err != nil {
		return err
	}
	if err := r.chain.Flush(); err != nil {
		return err
	}

	if err := r.chain.Append(
		"-p", "tcp", "-d", "127.0.0.1", "--dport", "80",
		"-j", "REDIRECT", "--to-ports", strconv.Itoa(httpPort),
	); err != nil {
		return err
	}
	if err := r.chain.Append(
		"-p", "tcp", "-d", "127.0.0.1", "--dport", "443",
		"-j", "REDIRECT", "--to-ports", strconv.Itoa(tlsPort),
	); err != nil {
		return err
	}

	if err := r.chain.verifyHooked(); err != nil {
		return err
	}
	slog.Info("Port redirection enabled", "http_port", httpPort, "tls_port", tlsPort)
	return nil
}

// Disable flushes and unhooks the redirect chain. Safe to call when already
// disabled.
func (r *Redirector) Disable() error {
	if r.lock != nil {
		if err := r.lock.Acquire(); err != nil {
			return err
		}
		defer r.lock.Release()
	}

	if err := r.chain.Remove(); err != nil {
		return err
	}
	slog.Info("Port redirection disabled")
	return nil
}

// Status exposes hook reference count and rule count for self-verification.
func (r *Redirector) Status() (ChainStatus, error) {
	return r.chain.Status()
}
