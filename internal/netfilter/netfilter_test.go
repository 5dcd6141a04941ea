package netfilter

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"netfence/internal/config"
)

// fakeIptables simulates just enough iptables state for the chain logic:
// per-table chains with ordered rules, and OUTPUT hook jumps.
type fakeIptables struct {
	// chains["nat/NETFENCE_REDIRECT"] = list of rule strings
	chains map[string][]string
	// hooks["nat"] = jump targets in OUTPUT order
	hooks map[string][]string

	commands []string
	failOn   string
}

func newFakeIptables() *fakeIptables {
	return &fakeIptables{
		chains: make(map[string][]string),
		hooks:  make(map[string][]string),
	}
}

func (f *fakeIptables) key(table, chain string) string { return table + "/" + chain }

func (f *fakeIptables) Run(name string, args ...string) error {
	_, err := f.exec(name, args...)
	return err
}

func (f *fakeIptables) Output(name string, args ...string) ([]byte, error) {
	return f.exec(name, args...)
}

func (f *fakeIptables) CombinedOutput(name string, args ...string) ([]byte, error) {
	return f.exec(name, args...)
}

func (f *fakeIptables) exec(name string, args ...string) ([]byte, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.commands = append(f.commands, cmd)
	if f.failOn != "" && strings.Contains(cmd, f.failOn) {
		return nil, errors.New("injected failure")
	}

	if len(args) < 3 || args[0] != "-t" {
		return nil, fmt.Errorf("unexpected invocation %q", cmd)
	}
	table := args[1]
	op := args[2]
	rest := args[3:]

	switch op {
	case "-N":
		f.chains[f.key(table, rest[0])] = []string{}
		return nil, nil
	case "-X":
		delete(f.chains, f.key(table, rest[0]))
		return nil, nil
	case "-F":
		key := f.key(table, rest[0])
		if _, ok := f.chains[key]; !ok {
			return nil, errors.New("no such chain")
		}
		f.chains[key] = []string{}
		return nil, nil
	case "-A":
		key := f.key(table, rest[0])
		if _, ok := f.chains[key]; !ok {
			return nil, errors.New("no such chain")
		}
		f.chains[key] = append(f.chains[key], strings.Join(rest[1:], " "))
		return nil, nil
	case "-I":
		// Only OUTPUT hook insertion is modeled.
		if rest[0] != "OUTPUT" {
			return nil, fmt.Errorf("unexpected insert target %q", rest[0])
		}
		target := rest[len(rest)-1]
		f.hooks[table] = append([]string{target}, f.hooks[table]...)
		return nil, nil
	case "-D":
		if rest[0] != "OUTPUT" {
			return nil, fmt.Errorf("unexpected delete target %q", rest[0])
		}
		target := rest[len(rest)-1]
		for i, t := range f.hooks[table] {
			if t == target {
				f.hooks[table] = append(f.hooks[table][:i], f.hooks[table][i+1:]...)
				return nil, nil
			}
		}
		return nil, errors.New("no matching rule")
	case "-S":
		chain := rest[0]
		if chain == "OUTPUT" {
			var b strings.Builder
			b.WriteString("-P OUTPUT ACCEPT\n")
			for _, target := range f.hooks[table] {
				fmt.Fprintf(&b, "-A OUTPUT -j %s\n", target)
			}
			return []byte(b.String()), nil
		}
		rules, ok := f.chains[f.key(table, chain)]
		if !ok {
			return nil, errors.New("no such chain")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "-N %s\n", chain)
		for _, r := range rules {
			fmt.Fprintf(&b, "-A %s %s\n", chain, r)
		}
		return []byte(b.String()), nil
	}
	return nil, fmt.Errorf("unhandled op %q", op)
}

func (f *fakeIptables) rules(table, chain string) []string {
	return f.chains[f.key(table, chain)]
}

func (f *fakeIptables) hookCount(table, chain string) int {
	n := 0
	for _, t := range f.hooks[table] {
		if t == chain {
			n++
		}
	}
	return n
}

func TestRedirectorEnable(t *testing.T) {
	fake := newFakeIptables()
	r := NewRedirector(fake, nil)

	if err := r.Enable(8080, 8443); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	rules := fake.rules("nat", config.RedirectChain)
	want := []string{
		"-p tcp -d 127.0.0.1 --dport 80 -j REDIRECT --to-ports 8080",
		"-p tcp -d 127.0.0.1 --dport 443 -j REDIRECT --to-ports 8443",
	}
	if len(rules) != len(want) {
		t.Fatalf("got %d rules, want %d: %v", len(rules), len(want), rules)
	}
	for i := range want {
		if rules[i] != want[i] {
			t.Errorf("rule %d = %q, want %q", i, rules[i], want[i])
		}
	}
	if n := fake.hookCount("nat", config.RedirectChain); n != 1 {
		t.Errorf("hook count = %d, want 1", n)
	}
}

func TestRedirectorEnableIdempotent(t *testing.T) {
	fake := newFakeIptables()
	r := NewRedirector(fake, nil)

	for i := 0; i < 3; i++ {
		if err := r.Enable(8080, 8443); err != nil {
			t.Fatalf("Enable #%d failed: %v", i+1, err)
		}
	}

	if n := len(fake.rules("nat", config.RedirectChain)); n != 2 {
		t.Errorf("rule count after repeated Enable = %d, want 2", n)
	}
	if n := fake.hookCount("nat", config.RedirectChain); n != 1 {
		t.Errorf("hook count after repeated Enable = %d, want 1", n)
	}
}

func TestRedirectorDisable(t *testing.T) {
	fake := newFakeIptables()
	r := NewRedirector(fake, nil)

	if err := r.Enable(8080, 8443); err != nil {
		t.Fatal(err)
	}
	if err := r.Disable(); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if _, ok := fake.chains[fake.key("nat", config.RedirectChain)]; ok {
		t.Error("chain still exists after Disable")
	}
	if n := fake.hookCount("nat", config.RedirectChain); n != 0 {
		t.Errorf("hook count after Disable = %d, want 0", n)
	}

	// Disabling again must be a no-op, not an error.
	if err := r.Disable(); err != nil {
		t.Errorf("second Disable failed: %v", err)
	}
}

func TestKillSwitchRuleOrder(t *testing.T) {
	fake := newFakeIptables()
	k := NewKillSwitch(fake, nil)

	if err := k.EnableBlock("outside allowed schedule"); err != nil {
		t.Fatalf("EnableBlock failed: %v", err)
	}

	want := []string{
		"-o lo -j ACCEPT",
		"-m state --state ESTABLISHED,RELATED -j ACCEPT",
		"-d 10.0.0.0/8 -j ACCEPT",
		"-d 172.16.0.0/12 -j ACCEPT",
		"-d 192.168.0.0/16 -j ACCEPT",
		"-p udp --dport 53 -j ACCEPT",
		"-p tcp --dport 53 -j ACCEPT",
		"-j REJECT --reject-with icmp-net-prohibited",
	}
	rules := fake.rules("filter", config.BlockChain)
	if len(rules) != len(want) {
		t.Fatalf("got %d rules, want %d: %v", len(rules), len(want), rules)
	}
	for i := range want {
		if rules[i] != want[i] {
			t.Errorf("rule %d = %q, want %q", i, rules[i], want[i])
		}
	}
}

func TestKillSwitchEnableIdempotent(t *testing.T) {
	fake := newFakeIptables()
	k := NewKillSwitch(fake, nil)

	if err := k.EnableBlock("test"); err != nil {
		t.Fatal(err)
	}
	if err := k.EnableBlock("test"); err != nil {
		t.Fatal(err)
	}

	if n := len(fake.rules("filter", config.BlockChain)); n != 8 {
		t.Errorf("rule count after double enable = %d, want 8", n)
	}
	if n := fake.hookCount("filter", config.BlockChain); n != 1 {
		t.Errorf("hook count after double enable = %d, want 1", n)
	}
}

func TestKillSwitchActiveTracksRules(t *testing.T) {
	fake := newFakeIptables()
	k := NewKillSwitch(fake, nil)

	if active, _ := k.Active(); active {
		t.Error("Active = true before any chain exists")
	}

	if err := k.EnableBlock("test"); err != nil {
		t.Fatal(err)
	}
	if active, _ := k.Active(); !active {
		t.Error("Active = false after EnableBlock")
	}

	if err := k.DisableBlock(); err != nil {
		t.Fatal(err)
	}
	if active, _ := k.Active(); active {
		t.Error("Active = true after DisableBlock")
	}

	// The empty hooked chain stays behind on disable.
	if _, ok := fake.chains[fake.key("filter", config.BlockChain)]; !ok {
		t.Error("chain removed by DisableBlock; it should only be flushed")
	}
}

func TestEnsureSelfHealsDuplicateHooks(t *testing.T) {
	fake := newFakeIptables()
	chain := Chain{Table: "filter", Name: config.BlockChain, Run: fake}

	if err := chain.Ensure(); err != nil {
		t.Fatal(err)
	}
	// A second hook snuck in behind our back.
	fake.hooks["filter"] = append(fake.hooks["filter"], config.BlockChain)

	if err := chain.Ensure(); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	if n := fake.hookCount("filter", config.BlockChain); n != 1 {
		t.Errorf("hook count after self-heal = %d, want 1", n)
	}
}

func TestStatusReportsStateError(t *testing.T) {
	fake := newFakeIptables()
	chain := Chain{Table: "filter", Name: config.BlockChain, Run: fake}

	if err := chain.Ensure(); err != nil {
		t.Fatal(err)
	}
	fake.hooks["filter"] = append(fake.hooks["filter"], config.BlockChain)

	_, err := chain.Status()
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError for duplicate hooks, got %v", err)
	}
	if stateErr.HookRefs != 2 {
		t.Errorf("HookRefs = %d, want 2", stateErr.HookRefs)
	}
}

func TestEnableBlockWrapsCommandFailure(t *testing.T) {
	fake := newFakeIptables()
	fake.failOn = "-j REJECT"
	k := NewKillSwitch(fake, nil)

	err := k.EnableBlock("test")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if !strings.Contains(cfgErr.Cmd, "iptables") {
		t.Errorf("ConfigError.Cmd = %q, want iptables command line", cfgErr.Cmd)
	}
}
