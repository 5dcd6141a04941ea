package netfilter

import (
	"log/slog"

	"netfence/internal/config"
	"netfence/internal/utils"
)

// privateRanges are destinations that stay reachable while the kill switch
// is active, so local services and the LAN keep working.
var privateRanges = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// KillSwitch manages the filter chain that rejects all outbound traffic
// during restricted periods, excepting loopback, established flows, private
// networks and DNS.
type KillSwitch struct {
	chain Chain
	lock  *utils.MutationLock
}

// NewKillSwitch builds a KillSwitch on the shared filter chain.
func NewKillSwitch(run utils.CommandRunner, lock *utils.MutationLock) *KillSwitch {
	return &KillSwitch{
		chain: Chain{Table: "filter", Name: config.BlockChain, Run: run},
		lock:  lock,
	}
}

// EnableBlock idempotently flushes and repopulates the chain. Rule order is
// first match wins and must not change: loopback, established/related,
// private ranges, DNS, terminal reject.
func (k *KillSwitch) EnableBlock(reason string) error {
	if k.lock != nil {
		if err := k.lock.Acquire(); err != nil {
			return err
		}
		defer k.lock.Release()
	}

	slog.Info("Enabling network block", "reason", reason)

	if err := k.chain.Ensure(); err != nil {
		return err
	}
	if err := k.chain.Flush(); err != nil {
		return err
	}

	rules := [][]string{
		{"-o", "lo", "-j", "ACCEPT"},
		{"-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
	}
	for _, network := range privateRanges {
		rules = append(rules, []string{"-d", network, "-j", "ACCEPT"})
	}
	rules = append(rules,
		[]string{"-p", "udp", "--dport", "53", "-j", "ACCEPT"},
		[]string{"-p", "tcp", "--dport", "53", "-j", "ACCEPT"},
		[]string{"-j", "REJECT", "--reject-with", "icmp-net-prohibited"},
	)

	for _, rule := range rules {
		if err := k.chain.Append(rule...); err != nil {
			return err
		}
	}

	if err := k.chain.verifyHooked(); err != nil {
		return err
	}
	slog.Info("Network block enabled, outbound traffic rejected")
	return nil
}

// DisableBlock flushes the chain's rules, restoring unrestricted egress.
// Safe to call when already disabled. The empty hooked chain stays in place
// so enable/disable cycles don't churn the OUTPUT chain.
func (k *KillSwitch) DisableBlock() error {
	if k.lock != nil {
		if err := k.lock.Acquire(); err != nil {
			return err
		}
		defer k.lock.Release()
	}

	if err := k.chain.Flush(); err != nil {
		return err
	}
	slog.Info("Network block disabled, outbound traffic restored")
	return nil
}

// Active reports whether blocking rules are currently installed. This is the
// single source of truth for the restriction state; callers must not cache
// it.
func (k *KillSwitch) Active() (bool, error) {
	if !k.chain.Exists() {
		return false, nil
	}
	rules, err := k.chain.RuleCount()
	if err != nil {
		return false, err
	}
	return rules > 0, nil
}

// Cleanup removes the chain entirely, for uninstall.
func (k *KillSwitch) Cleanup() error {
	if k.lock != nil {
		if err := k.lock.Acquire(); err != nil {
			return err
		}
		defer k.lock.Release()
	}
	return k.chain.Remove()
}

// Status exposes hook reference count and rule count for self-verification.
func (k *KillSwitch) Status() (ChainStatus, error) {
	return k.chain.Status()
}
