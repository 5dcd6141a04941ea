package utils

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MutationLock serializes all OS-state mutations (hosts file rewrites,
// kernel chain commands) across goroutines and across processes. In-process
// callers share a mutex; a flock on the lock file covers concurrent
// invocations of the binary (daemon plus a one-shot -cleanup run).
type MutationLock struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewMutationLock returns a lock backed by the given lock file path.
// The file is created on first acquisition.
func NewMutationLock(path string) *MutationLock {
	return &MutationLock{path: path}
}

// Acquire takes the process-wide mutation lock, blocking until available.
func (l *MutationLock) Acquire() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return fmt.Errorf("locking %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Release drops the mutation lock. Safe to call only after a successful
// Acquire.
func (l *MutationLock) Release() {
	if l.file != nil {
		unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		l.file.Close()
		l.file = nil
	}
	l.mu.Unlock()
}
