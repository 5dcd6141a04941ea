package hosts

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"netfence/internal/config"
	"netfence/internal/utils"
)

var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?)*$`)

// systemEntries are critical hosts entries that must never go missing from a
// file we write. Missing ones are appended during a rebuild.
var systemEntries = []struct {
	ip    string
	hosts []string
}{
	{"127.0.0.1", []string{"localhost"}},
	{"::1", []string{"localhost", "ip6-localhost", "ip6-loopback"}},
	{"ff02::1", []string{"ip6-allnodes"}},
	{"ff02::2", []string{"ip6-allrouters"}},
}

// Manager maintains the machine-managed redirect section of the hosts file.
// All content outside the marker lines is preserved untouched.
type Manager struct {
	Path      string
	BackupDir string
	Keep      int

	FS    utils.FileSystem
	Clock utils.TimeProvider
	Lock  *utils.MutationLock
}

// NewManager builds a Manager with real OS adapters.
func NewManager(cfg *config.Config, lock *utils.MutationLock) *Manager {
	return &Manager{
		Path:      cfg.HostsPath,
		BackupDir: cfg.BackupDir,
		Keep:      cfg.BackupKeep,
		FS:        utils.DefaultFileSystem{},
		Clock:     utils.DefaultTimeProvider{},
		Lock:      lock,
	}
}

// Update rewrites the managed block so it contains exactly the given domains
// (plus their www. variants, v4 and v6 loopback). The previous file is backed
// up first and the new content is written via temp-file-then-rename, so a
// failure at any point leaves the live file intact.
func (m *Manager) Update(domains []string) error {
	if m.Lock != nil {
		if err := m.Lock.Acquire(); err != nil {
			return err
		}
		defer m.Lock.Release()
	}

	if _, err := m.Backup(); err != nil {
		return fmt.Errorf("backing up hosts file: %w", err)
	}

	content, err := m.FS.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("reading hosts file: %w", err)
	}

	preserved := stripManagedBlock(string(content))
	preserved = ensureSystemEntries(preserved)
	block := buildManagedBlock(domains)

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(preserved, "\n"))
	sb.WriteString("\n")
	if block != "" {
		sb.WriteString("\n")
		sb.WriteString(block)
	}
	newContent := sb.String()

	if err := validateContent(newContent); err != nil {
		return fmt.Errorf("refusing to write hosts file: %w", err)
	}

	if err := m.writeAtomic(newContent); err != nil {
		return err
	}

	slog.Debug("Hosts file updated", "path", m.Path, "domains", len(domains))
	return nil
}

// Clear removes the managed block entirely, leaving the rest of the file as
// is. Equivalent to Update with an empty domain set.
func (m *Manager) Clear() error {
	return m.Update(nil)
}

// CurrentBlocked reads back the domains listed in the managed block,
// excluding the generated www. variants.
func (m *Manager) CurrentBlocked() ([]string, error) {
	content, err := m.FS.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("reading hosts file: %w", err)
	}

	seen := make(map[string]bool)
	var domains []string
	inBlock := false
	for _, line := range strings.Split(string(content), "\n") {
		switch {
		case strings.Contains(line, config.HostsMarkerStart):
			inBlock = true
		case strings.Contains(line, config.HostsMarkerEnd):
			inBlock = false
		case inBlock:
			fields := strings.Fields(line)
			if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
				continue
			}
			d := strings.TrimPrefix(fields[1], "www.")
			if !seen[d] {
				seen[d] = true
				domains = append(domains, d)
			}
		}
	}
	return domains, nil
}

// stripManagedBlock returns the file content with the managed section (and
// its markers) removed. Everything else is kept byte for byte.
func stripManagedBlock(content string) string {
	lines := strings.Split(content, "\n")
	var kept []string
	inBlock := false
	for _, line := range lines {
		if strings.Contains(line, config.HostsMarkerStart) {
			inBlock = true
			continue
		}
		if strings.Contains(line, config.HostsMarkerEnd) {
			inBlock = false
			continue
		}
		if !inBlock {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// buildManagedBlock produces the marker-delimited section for the given
// domains. The same domain set always yields byte-identical output.
func buildManagedBlock(domains []string) string {
	clean := SanitizeDomains(domains)
	if len(clean) == 0 {
		return ""
	}
	sort.Strings(clean)

	lines := []string{config.HostsMarkerStart, "# Blocked domains redirect to the local interception server"}
	for _, d := range clean {
		lines = append(lines, "127.0.0.1\t"+d)
		if !strings.HasPrefix(d, "www.") {
			lines = append(lines, "127.0.0.1\twww."+d)
		}
		lines = append(lines, "::1\t"+d)
		if !strings.HasPrefix(d, "www.") {
			lines = append(lines, "::1\twww."+d)
		}
	}
	lines = append(lines, config.HostsMarkerEnd, "")
	return strings.Join(lines, "\n")
}

// SanitizeDomains lowercases, trims and validates domain names, dropping
// anything that could corrupt the hosts file. Invalid entries are skipped
// with a warning rather than failing the whole update.
func SanitizeDomains(domains []string) []string {
	var clean []string
	seen := make(map[string]bool)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" || len(d) > 253 {
			continue
		}
		if d == "localhost" || d == "localhost.localdomain" {
			continue
		}
		if !domainPattern.MatchString(d) {
			slog.Warn("Skipping invalid domain", "domain", d)
			continue
		}
		if !seen[d] {
			seen[d] = true
			clean = append(clean, d)
		}
	}
	return clean
}

// validateContent rejects hosts content that lost the localhost entry.
func validateContent(content string) error {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "127.0.0.1" {
			for _, h := range fields[1:] {
				if h == "localhost" {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("missing 127.0.0.1 localhost entry")
}

// ensureSystemEntries appends any missing critical entries to the preserved
// content.
func ensureSystemEntries(content string) string {
	lines := strings.Split(content, "\n")

	has := func(ip, host string) bool {
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 && fields[0] == ip {
				for _, h := range fields[1:] {
					if h == host {
						return true
					}
				}
			}
		}
		return false
	}

	for _, entry := range systemEntries {
		found := false
		for _, h := range entry.hosts {
			if has(entry.ip, h) {
				found = true
				break
			}
		}
		if !found {
			line := entry.ip + "\t" + strings.Join(entry.hosts, "\t")
			lines = append(lines, line)
			slog.Info("Added missing system hosts entry", "entry", line)
		}
	}
	return strings.Join(lines, "\n")
}

// writeAtomic writes content to a temp file in the hosts file's directory and
// renames it into place.
func (m *Manager) writeAtomic(content string) error {
	tmp := filepath.Join(filepath.Dir(m.Path), "."+filepath.Base(m.Path)+".netfence.tmp")
	if err := m.FS.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing temp hosts file: %w", err)
	}
	if err := m.FS.Rename(tmp, m.Path); err != nil {
		m.FS.Remove(tmp)
		return fmt.Errorf("replacing hosts file: %w", err)
	}
	return nil
}
