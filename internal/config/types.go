package config

// Constants used throughout the netfence enforcement core.
const (
	InstallPath      = "/usr/local/bin/netfence"
	ConfigFile       = "/etc/netfence/config.yaml"
	HostsMarkerStart = "# NetFence - START"
	HostsMarkerEnd   = "# NetFence - END"

	// Dedicated kernel chains. Each is hooked exactly once into OUTPUT.
	RedirectChain = "NETFENCE_REDIRECT" // nat table
	BlockChain    = "NETFENCE_BLOCK"    // filter table

	SocketPath = "/run/netfence.sock"
	LockFile   = "/run/netfence-mutate.lock"

	EmailCooldownMinutes = 15 // minimum gap between alerts with the same subject
)

// InterceptConfig controls the local listeners that blocked traffic is
// redirected into.
type InterceptConfig struct {
	HTTPPort       int `yaml:"http_port"`       // NAT target for dport 80
	TLSPort        int `yaml:"tls_port"`        // NAT target for dport 443
	MaxConnections int `yaml:"max_connections"` // simultaneous client cap
	TimeoutSeconds int `yaml:"timeout_seconds"` // per-connection read/write bound
}

// CertConfig controls the private CA and the per-domain certificate cache.
type CertConfig struct {
	CACertPath      string `yaml:"ca_cert_path"`
	CAKeyPath       string `yaml:"ca_key_path"`
	DomainCertDir   string `yaml:"domain_cert_dir"`
	LeafValidDays   int    `yaml:"leaf_valid_days"`
	RenewMarginDays int    `yaml:"renew_margin_days"`
	SweepAgeDays    int    `yaml:"sweep_age_days"`
}

// WatchdogConfig controls interception server supervision.
type WatchdogConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	FailureThreshold  int `yaml:"failure_threshold"`   // consecutive failed probes before restart
	MaxRestarts       int `yaml:"max_restarts"`        // within the rolling window
	WindowMinutes     int `yaml:"window_minutes"`      // rolling window for restart counting
	ProbeTimeoutMilli int `yaml:"probe_timeout_milli"` // bound on a single liveness probe
}

// NotifyConfig configures escalation email via Mailgun.
type NotifyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Domain    string `yaml:"domain"`
	ApiKey    string `yaml:"api_key"`
	FromEmail string `yaml:"from_email"`
	ToEmail   string `yaml:"to_email"`
}

// Config is the main configuration structure for netfence.
type Config struct {
	HostsPath       string `yaml:"hosts_path"`
	BackupDir       string `yaml:"backup_dir"`
	BackupKeep      int    `yaml:"backup_keep"`
	StoreDir        string `yaml:"store_dir"` // exported by the administrative system, read-only here
	EnforceInterval int    `yaml:"enforce_interval_seconds"`

	Intercept InterceptConfig `yaml:"intercept"`
	Certs     CertConfig      `yaml:"certs"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Notify    NotifyConfig    `yaml:"notify"`

	LogLevel string `yaml:"log_level"`
	Dev      bool   `yaml:"dev"`
}
