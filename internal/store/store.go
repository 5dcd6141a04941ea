// Package store reads the control data exported by the external
// administrative system: the domain block set, the schedule list and the
// daily usage counters. The files are owned by that system; this core only
// ever reads them.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"netfence/internal/schedule"
)

// File names inside the store directory.
const (
	BlocklistFile = "blocklist.json"
	SchedulesFile = "schedules.json"
	UsageFile     = "usage.json"
)

// Block reasons as exported by the administrative system.
const (
	ReasonManual        = "manual"
	ReasonCategory      = "category"
	ReasonAgeRestricted = "age_restricted"
)

// BlockEntry is one blocked domain with its classification.
type BlockEntry struct {
	Domain   string `json:"domain"`
	Reason   string `json:"reason"`
	Category string `json:"category,omitempty"`
}

// Snapshot is an immutable view of the store contents. Consumers receive
// value copies and never see partial reloads.
type Snapshot struct {
	Blocklist []BlockEntry
	Schedules []schedule.Schedule
	Usage     schedule.Usage
	LoadedAt  time.Time
}

// Domains returns the blocked domain names.
func (s Snapshot) Domains() []string {
	domains := make([]string, 0, len(s.Blocklist))
	for _, e := range s.Blocklist {
		domains = append(domains, e.Domain)
	}
	return domains
}

// Lookup finds the block entry for a requested host, tolerating a port
// suffix and a www. prefix.
func (s Snapshot) Lookup(host string) (BlockEntry, bool) {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	bare := strings.TrimPrefix(host, "www.")
	for _, e := range s.Blocklist {
		if e.Domain == host || e.Domain == bare {
			return e, true
		}
	}
	return BlockEntry{}, false
}

// Store loads and watches the administrative store directory.
type Store struct {
	dir string

	mu   sync.RWMutex
	snap Snapshot
}

// Open loads the store directory. Individually missing files yield empty
// defaults; the administrative system may not have exported everything yet.
func Open(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Reload reads all store files and swaps in a fresh snapshot.
func (s *Store) Reload() error {
	snap := Snapshot{LoadedAt: time.Now()}

	if err := readJSON(filepath.Join(s.dir, BlocklistFile), &snap.Blocklist); err != nil {
		return fmt.Errorf("loading blocklist: %w", err)
	}
	if err := readJSON(filepath.Join(s.dir, SchedulesFile), &snap.Schedules); err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}
	if err := readJSON(filepath.Join(s.dir, UsageFile), &snap.Usage); err != nil {
		return fmt.Errorf("loading usage: %w", err)
	}

	for i := range snap.Blocklist {
		snap.Blocklist[i].Domain = strings.ToLower(strings.TrimSpace(snap.Blocklist[i].Domain))
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	slog.Debug("Store reloaded",
		"blocked_domains", len(snap.Blocklist),
		"schedules", len(snap.Schedules),
		"used_seconds", snap.Usage.UsedSeconds)
	return nil
}

// Watch reloads the snapshot whenever the administrative system rewrites a
// store file. Events are debounced because exporters typically write all
// three files in one burst. Blocks until the context is cancelled.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating store watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching store dir %s: %w", s.dir, err)
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isStoreFile(filepath.Base(event.Name)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Store watcher error", "error", err)

		case <-reload:
			if err := s.Reload(); err != nil {
				slog.Error("Store reload failed, keeping previous snapshot", "error", err)
				continue
			}
			if onChange != nil {
				onChange()
			}
		}
	}
}

func isStoreFile(name string) bool {
	return name == BlocklistFile || name == SchedulesFile || name == UsageFile
}

// readJSON decodes a file into out, treating a missing file as empty.
func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}
