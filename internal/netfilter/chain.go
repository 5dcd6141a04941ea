// Package netfilter manages the dedicated iptables chains netfence hooks
// into the OUTPUT path: a nat chain redirecting intercepted ports to the
// local listeners and a filter chain acting as the time-restriction kill
// switch. Chains are created idempotently and hooked exactly once.
package netfilter

import (
	"log/slog"
	"strings"

	"netfence/internal/utils"
)

// ChainStatus exposes a managed chain's hook reference count and rule count
// for self-verification.
type ChainStatus struct {
	Exists   bool
	HookRefs int
	Rules    int
}

// Chain is a named chain in a specific table, driven through a command
// runner so tests can substitute a fake iptables.
type Chain struct {
	Table string
	Name  string
	Run   utils.CommandRunner
}

func (c Chain) exec(args ...string) error {
	full := append([]string{"-t", c.Table}, args...)
	out, err := c.Run.CombinedOutput("iptables", full...)
	if err != nil {
		return &ConfigError{
			Cmd:    "iptables " + strings.Join(full, " "),
			Output: string(out),
			Err:    err,
		}
	}
	return nil
}

func (c Chain) output(args ...string) (string, error) {
	full := append([]string{"-t", c.Table}, args...)
	out, err := c.Run.Output("iptables", full...)
	if err != nil {
		return "", &ConfigError{
			Cmd: "iptables " + strings.Join(full, " "),
			Err: err,
		}
	}
	return string(out), nil
}

// Exists reports whether the chain is present in its table.
func (c Chain) Exists() bool {
	_, err := c.output("-S", c.Name)
	return err == nil
}

// HookCount returns how many times OUTPUT jumps into this chain.
func (c Chain) HookCount() (int, error) {
	out, err := c.output("-S", "OUTPUT")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "-j" && fields[i+1] == c.Name {
				count++
			}
		}
	}
	return count, nil
}

// RuleCount returns the number of rules currently in the chain.
func (c Chain) RuleCount() (int, error) {
	out, err := c.output("-S", c.Name)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "-A "+c.Name) {
			count++
		}
	}
	return count, nil
}

// Ensure creates the chain if missing and guarantees exactly one OUTPUT hook
// into it. Surplus hooks (which would double-process traffic) are removed.
func (c Chain) Ensure() error {
	if !c.Exists() {
		if err := c.exec("-N", c.Name); err != nil {
			return err
		}
		slog.Debug("Created chain", "table", c.Table, "chain", c.Name)
	}

	refs, err := c.HookCount()
	if err != nil {
		return err
	}
	if refs == 0 {
		if err := c.exec("-I", "OUTPUT", "1", "-j", c.Name); err != nil {
			return err
		}
		slog.Info("Hooked chain into OUTPUT", "table", c.Table, "chain", c.Name)
		return nil
	}
	for refs > 1 {
		slog.Warn("Self-healing duplicate chain hook", "chain", c.Name, "refs", refs)
		if err := c.exec("-D", "OUTPUT", "-j", c.Name); err != nil {
			return err
		}
		refs--
	}
	return nil
}

// Flush removes every rule from the chain. Missing chains count as already
// flushed.
func (c Chain) Flush() error {
	if !c.Exists() {
		return nil
	}
	return c.exec("-F", c.Name)
}

// Remove flushes the chain, drops all OUTPUT hooks into it and deletes it.
// Safe to call when the chain is already gone.
func (c Chain) Remove() error {
	if !c.Exists() {
		return nil
	}
	if err := c.exec("-F", c.Name); err != nil {
		return err
	}
	refs, err := c.HookCount()
	if err != nil {
		return err
	}
	for ; refs > 0; refs-- {
		if err := c.exec("-D", "OUTPUT", "-j", c.Name); err != nil {
			return err
		}
	}
	return c.exec("-X", c.Name)
}

// Append adds a rule to the end of the chain.
func (c Chain) Append(ruleArgs ...string) error {
	return c.exec(append([]string{"-A", c.Name}, ruleArgs...)...)
}

// Status reports existence, hook reference count and rule count. A hook
// count other than one for an existing chain is surfaced as a StateError
// alongside the status so callers can trigger self-healing.
func (c Chain) Status() (ChainStatus, error) {
	st := ChainStatus{Exists: c.Exists()}
	if !st.Exists {
		return st, nil
	}
	var err error
	if st.HookRefs, err = c.HookCount(); err != nil {
		return st, err
	}
	if st.Rules, err = c.RuleCount(); err != nil {
		return st, err
	}
	if st.HookRefs != 1 {
		return st, &StateError{Chain: c.Name, HookRefs: st.HookRefs}
	}
	return st, nil
}

// verifyHooked confirms the chain ended up with exactly one hook after a
// mutation.
func (c Chain) verifyHooked() error {
	refs, err := c.HookCount()
	if err != nil {
		return err
	}
	if refs != 1 {
		return &StateError{Chain: c.Name, HookRefs: refs}
	}
	return nil
}
