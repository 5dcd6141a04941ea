package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the netfence configuration from the given path.
// An empty path falls back to the installed config file location.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s (is netfence installed?): %w", path, err)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HostsPath == "" {
		c.HostsPath = "/etc/hosts"
	}
	if c.BackupDir == "" {
		c.BackupDir = "/var/lib/netfence/backups"
	}
	if c.BackupKeep == 0 {
		c.BackupKeep = 10
	}
	if c.StoreDir == "" {
		c.StoreDir = "/var/lib/netfence/control"
	}
	if c.EnforceInterval == 0 {
		c.EnforceInterval = 60
	}

	if c.Intercept.HTTPPort == 0 {
		c.Intercept.HTTPPort = 8080
	}
	if c.Intercept.TLSPort == 0 {
		c.Intercept.TLSPort = 8443
	}
	if c.Intercept.MaxConnections == 0 {
		c.Intercept.MaxConnections = 256
	}
	if c.Intercept.TimeoutSeconds == 0 {
		c.Intercept.TimeoutSeconds = 15
	}

	if c.Certs.CACertPath == "" {
		c.Certs.CACertPath = "/var/lib/netfence/certs/ca.crt"
	}
	if c.Certs.CAKeyPath == "" {
		c.Certs.CAKeyPath = "/var/lib/netfence/certs/ca.key"
	}
	if c.Certs.DomainCertDir == "" {
		c.Certs.DomainCertDir = "/var/lib/netfence/certs/domains"
	}
	if c.Certs.LeafValidDays == 0 {
		c.Certs.LeafValidDays = 365
	}
	if c.Certs.RenewMarginDays == 0 {
		c.Certs.RenewMarginDays = 14
	}
	if c.Certs.SweepAgeDays == 0 {
		c.Certs.SweepAgeDays = 30
	}

	if c.Watchdog.IntervalSeconds == 0 {
		c.Watchdog.IntervalSeconds = 10
	}
	if c.Watchdog.FailureThreshold == 0 {
		c.Watchdog.FailureThreshold = 3
	}
	if c.Watchdog.MaxRestarts == 0 {
		c.Watchdog.MaxRestarts = 5
	}
	if c.Watchdog.WindowMinutes == 0 {
		c.Watchdog.WindowMinutes = 15
	}
	if c.Watchdog.ProbeTimeoutMilli == 0 {
		c.Watchdog.ProbeTimeoutMilli = 2000
	}
}

// Validate rejects configurations that would make enforcement misbehave.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"intercept.http_port": c.Intercept.HTTPPort,
		"intercept.tls_port":  c.Intercept.TLSPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s: invalid port %d", name, port)
		}
	}
	if c.Intercept.HTTPPort == c.Intercept.TLSPort {
		return fmt.Errorf("intercept http_port and tls_port must differ (both %d)", c.Intercept.HTTPPort)
	}
	if c.EnforceInterval < 1 {
		return fmt.Errorf("enforce_interval_seconds must be positive, got %d", c.EnforceInterval)
	}
	if c.BackupKeep < 1 {
		return fmt.Errorf("backup_keep must be positive, got %d", c.BackupKeep)
	}
	if c.Notify.Enabled {
		if c.Notify.ApiKey == "" || c.Notify.Domain == "" {
			return fmt.Errorf("notify.api_key and notify.domain are required when notify is enabled")
		}
		if c.Notify.FromEmail == "" || c.Notify.ToEmail == "" {
			return fmt.Errorf("notify.from_email and notify.to_email are required when notify is enabled")
		}
	}
	return nil
}

// SetupLogging initializes the structured logging system based on the config.
// Sets the log level from config and configures the default slog logger.
func SetupLogging(cfg *Config) {
	var level slog.Level

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	slog.Debug("Logging initialized", "level", level.String())
}
