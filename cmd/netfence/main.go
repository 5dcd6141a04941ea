package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"netfence/internal/certs"
	"netfence/internal/config"
	"netfence/internal/daemon"
	"netfence/internal/hosts"
	"netfence/internal/intercept"
	"netfence/internal/ipc"
	"netfence/internal/netfilter"
	"netfence/internal/notify"
	"netfence/internal/store"
	"netfence/internal/utils"
	"netfence/internal/watchdog"
)

const version = "1.0.0"

var startedAt = time.Now()

func main() {
	configPath := flag.String("config", "", "Path to config file (default "+config.ConfigFile+")")
	daemonFlag := flag.Bool("daemon", false, "Run the enforcement daemon (for systemd service)")
	onceFlag := flag.Bool("once", false, "Apply enforcement state once and exit")
	cleanupFlag := flag.Bool("cleanup", false, "Remove all enforcement state (hosts block, firewall chains)")
	initCAFlag := flag.Bool("init-ca", false, "Generate a fresh root CA key pair")
	statusFlag := flag.Bool("status", false, "Show runtime status from the running daemon")
	reloadFlag := flag.Bool("reload", false, "Ask the running daemon to reload the control store")
	sweepFlag := flag.Bool("sweep-certs", false, "Ask the running daemon to prune stale domain certificates")
	versionFlag := flag.Bool("version", false, "Show version information")

	flag.Parse()

	if *versionFlag {
		fmt.Println("netfence v" + version)
		return
	}

	// Socket-based commands talk to the running daemon and need no config.
	if *statusFlag {
		sendCommand("status", "")
		return
	}
	if *reloadFlag {
		sendCommand("reload", "")
		return
	}
	if *sweepFlag {
		sendCommand("sweep-certs", "")
		return
	}

	if flag.NFlag() == 0 || (!*daemonFlag && !*onceFlag && !*cleanupFlag && !*initCAFlag) {
		fmt.Println("NetFence - Network Access Enforcement")
		fmt.Println()
		fmt.Println("Usage:")
		flag.PrintDefaults()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config.SetupLogging(cfg)

	if !utils.RunningAsRoot() && !cfg.Dev {
		log.Fatal("Enforcement commands must run as root (use sudo)")
	}

	if *initCAFlag {
		authority := certs.NewAuthority(cfg.Certs.CACertPath, cfg.Certs.CAKeyPath)
		if err := authority.Generate(); err != nil {
			log.Fatalf("CA generation failed: %v", err)
		}
		fmt.Printf("Root CA written to %s\n", cfg.Certs.CACertPath)
		fmt.Println("Install the certificate into the system trust store to avoid browser warnings.")
		return
	}

	lock := utils.NewMutationLock(config.LockFile)
	runner := utils.DefaultCommandRunner{}
	hostsMgr := hosts.NewManager(cfg, lock)
	killSwitch := netfilter.NewKillSwitch(runner, lock)
	redirector := netfilter.NewRedirector(runner, lock)

	if *cleanupFlag {
		runCleanup(hostsMgr, killSwitch, redirector)
		return
	}

	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		log.Fatalf("Failed to open control store: %v", err)
	}

	notifier := notify.New(cfg.Notify, cfg.Dev)
	enforcer := daemon.New(cfg, st, hostsMgr, killSwitch, redirector, notifier, nil)

	if *onceFlag {
		if err := enforcer.RunOnce(); err != nil {
			log.Fatalf("Enforcement failed: %v", err)
		}
		fmt.Println("Enforcement state applied.")
		return
	}

	runDaemon(cfg, st, hostsMgr, killSwitch, redirector, notifier, enforcer)
}

// runDaemon wires up and runs every long-lived component until SIGINT or
// SIGTERM. The enforcement daemon's shutdown path releases the kill switch,
// so a stopped service never strands the machine offline.
func runDaemon(cfg *config.Config, st *store.Store, hostsMgr *hosts.Manager,
	killSwitch *netfilter.KillSwitch, redirector *netfilter.Redirector,
	notifier *notify.Notifier, enforcer *daemon.EnforcementDaemon) {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("Starting netfence daemon...")

	authority := certs.NewAuthority(cfg.Certs.CACertPath, cfg.Certs.CAKeyPath)
	if err := authority.Ensure(); err != nil {
		log.Fatalf("Failed to prepare root CA: %v", err)
	}
	cache := certs.NewCache(authority, cfg.Certs)

	sup := &interceptSupervisor{
		cfg:       cfg.Intercept,
		store:     st,
		cache:     cache,
		decisions: enforcer,
	}
	if err := sup.start(ctx); err != nil {
		log.Fatalf("Failed to start interception listeners: %v", err)
	}

	if err := ipc.SetupCommunication(ipc.Handlers{
		Status:     func() string { return statusReport(enforcer, killSwitch, redirector, st) },
		Reload:     st.Reload,
		SweepCerts: func() int { return cache.Sweep(time.Duration(cfg.Certs.SweepAgeDays) * 24 * time.Hour) },
	}); err != nil {
		log.Fatalf("Failed to set up control socket: %v", err)
	}

	go func() {
		if err := st.Watch(ctx, enforcer.MarkStoreChanged); err != nil && ctx.Err() == nil {
			log.Printf("Store watcher stopped: %v", err)
		}
	}()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Intercept.HTTPPort)
	dog := watchdog.New(cfg.Watchdog, healthURL, func() error { return sup.restart(ctx) }, notifier)
	dog.OnEscalate = func() {
		go func() {
			if err := watchdog.ServeFallback(ctx, cfg.Intercept.HTTPPort); err != nil && ctx.Err() == nil {
				log.Printf("Fallback responder: %v", err)
			}
		}()
	}
	go dog.Run(ctx)

	log.Println("Netfence daemon started successfully")

	if err := enforcer.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Enforcement daemon exited: %v", err)
	}
	log.Println("Netfence daemon stopped")
}

// interceptSupervisor owns the interception server's lifecycle so the
// watchdog can bounce it without touching anything else.
type interceptSupervisor struct {
	cfg       config.InterceptConfig
	store     *store.Store
	cache     *certs.Cache
	decisions intercept.DecisionSource

	mu     sync.Mutex
	cancel context.CancelFunc
}

// start binds the listeners synchronously and serves in the background, so
// callers see a rebind failure immediately.
func (s *interceptSupervisor) start(parent context.Context) error {
	srv := intercept.New(s.cfg, s.store, s.cache, s.decisions)
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Interception server exited: %v", err)
		}
	}()
	return nil
}

func (s *interceptSupervisor) restart(parent context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	// Give the old listeners a moment to release their ports.
	time.Sleep(500 * time.Millisecond)
	return s.start(parent)
}

// statusReport builds the multi-line status answer for the control socket.
func statusReport(enforcer *daemon.EnforcementDaemon, killSwitch *netfilter.KillSwitch,
	redirector *netfilter.Redirector, st *store.Store) string {

	var b strings.Builder
	b.WriteString("=== NETFENCE STATUS ===\n")

	decision := enforcer.Last()
	fmt.Fprintf(&b, "Access allowed: %v (%s)\n", decision.Allowed, decision.Reason)
	if !decision.NextStart.IsZero() {
		fmt.Fprintf(&b, "Next allowed window: %s\n", decision.NextStart.Format("Mon 15:04"))
	}

	if active, err := killSwitch.Active(); err != nil {
		fmt.Fprintf(&b, "Kill switch: error (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "Kill switch: active=%v\n", active)
	}

	if status, err := redirector.Status(); err != nil {
		fmt.Fprintf(&b, "Redirect chain: error (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "Redirect chain: exists=%v hooks=%d rules=%d\n",
			status.Exists, status.HookRefs, status.Rules)
	}

	snap := st.Snapshot()
	fmt.Fprintf(&b, "Blocked domains: %d\n", len(snap.Blocklist))
	fmt.Fprintf(&b, "Schedules: %d\n", len(snap.Schedules))
	fmt.Fprintf(&b, "Store loaded: %s\n", snap.LoadedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(startedAt).Round(time.Second))
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			fmt.Fprintf(&b, "Memory: %d MiB RSS\n", mem.RSS/(1024*1024))
		}
	}
	return b.String()
}

func runCleanup(hostsMgr *hosts.Manager, killSwitch *netfilter.KillSwitch, redirector *netfilter.Redirector) {
	log.Println("Removing enforcement state...")

	if err := hostsMgr.Clear(); err != nil {
		log.Printf("Warning: clearing hosts block failed: %v", err)
	} else {
		log.Println("Hosts block removed")
	}
	if err := killSwitch.Cleanup(); err != nil {
		log.Printf("Warning: removing block chain failed: %v", err)
	} else {
		log.Println("Block chain removed")
	}
	if err := redirector.Disable(); err != nil {
		log.Printf("Warning: removing redirect chain failed: %v", err)
	} else {
		log.Println("Redirect chain removed")
	}
	log.Println("Cleanup complete")
}

func sendCommand(action, payload string) {
	if _, err := os.Stat(config.SocketPath); err != nil {
		log.Fatal("Daemon is not running (control socket missing)")
	}
	response, err := ipc.SendSocketMessage(action, payload)
	if err != nil {
		log.Fatalf("Failed to talk to daemon: %v", err)
	}
	fmt.Print(response)
}
