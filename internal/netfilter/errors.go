package netfilter

import (
	"fmt"
	"strings"
)

// ConfigError reports a failed privileged netfilter command. It aborts only
// the specific operation that issued the command.
type ConfigError struct {
	Cmd    string
	Output string
	Err    error
}

func (e *ConfigError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("netfilter command failed: %s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("netfilter command failed: %s: %v (%s)", e.Cmd, e.Err, out)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StateError reports a managed chain whose OUTPUT hook reference count is not
// exactly one. It is self-healed on the next reconciliation pass.
type StateError struct {
	Chain    string
	HookRefs int
}

func (e *StateError) Error() string {
	return fmt.Sprintf("chain %s has %d OUTPUT hooks, expected exactly 1", e.Chain, e.HookRefs)
}
