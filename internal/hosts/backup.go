package hosts

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
)

const backupPrefix = "hosts_backup_"

// Backup copies the live hosts file into the backup directory under a
// timestamped name and prunes old backups down to the retention count.
func (m *Manager) Backup() (string, error) {
	if err := m.FS.MkdirAll(m.BackupDir, 0755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}

	content, err := m.FS.ReadFile(m.Path)
	if err != nil {
		return "", fmt.Errorf("reading hosts file for backup: %w", err)
	}

	name := backupPrefix + m.Clock.Now().Format("20060102_150405")
	path := filepath.Join(m.BackupDir, name)
	if err := m.FS.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}

	m.pruneBackups()
	slog.Debug("Hosts file backed up", "path", path)
	return path, nil
}

// Restore validates a backup's structural sanity and writes it over the live
// file atomically. An empty path restores the most recent backup.
func (m *Manager) Restore(backupPath string) error {
	if m.Lock != nil {
		if err := m.Lock.Acquire(); err != nil {
			return err
		}
		defer m.Lock.Release()
	}

	if backupPath == "" {
		backups, err := m.listBackups()
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			return fmt.Errorf("no hosts backups found in %s", m.BackupDir)
		}
		backupPath = filepath.Join(m.BackupDir, backups[len(backups)-1])
	}

	content, err := m.FS.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("reading backup %s: %w", backupPath, err)
	}
	if err := validateContent(string(content)); err != nil {
		return fmt.Errorf("backup %s failed validation: %w", backupPath, err)
	}

	if err := m.writeAtomic(string(content)); err != nil {
		return err
	}
	slog.Info("Hosts file restored from backup", "backup", backupPath)
	return nil
}

// listBackups returns backup file names sorted oldest first. The timestamped
// naming makes lexical order chronological.
func (m *Manager) listBackups() ([]string, error) {
	entries, err := m.FS.ReadDir(m.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("listing backup dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) pruneBackups() {
	names, err := m.listBackups()
	if err != nil {
		slog.Warn("Couldn't list backups for pruning", "error", err)
		return
	}
	for len(names) > m.Keep {
		oldest := names[0]
		if err := m.FS.Remove(filepath.Join(m.BackupDir, oldest)); err != nil {
			slog.Warn("Couldn't remove old backup", "backup", oldest, "error", err)
			return
		}
		slog.Debug("Removed old backup", "backup", oldest)
		names = names[1:]
	}
}
