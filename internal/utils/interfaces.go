package utils

import (
	"os"
	"os/exec"
	"time"
)

// FileSystem abstracts file operations for testing.
// This allows us to mock filesystem operations in unit tests.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Remove(path string) error
	Rename(oldpath, newpath string) error
	Chmod(path string, mode os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(path string) ([]os.DirEntry, error)
}

// CommandRunner abstracts command execution for testing.
// This allows us to mock privileged tool invocations (iptables) in unit tests.
type CommandRunner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
	CombinedOutput(name string, args ...string) ([]byte, error)
}

// TimeProvider abstracts time operations for testing.
// This allows us to mock time.Now() in unit tests of time-dependent logic.
type TimeProvider interface {
	Now() time.Time
}

// DefaultFileSystem implements FileSystem using actual os package calls.
type DefaultFileSystem struct{}

func (DefaultFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (DefaultFileSystem) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (DefaultFileSystem) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (DefaultFileSystem) Remove(path string) error {
	return os.Remove(path)
}

func (DefaultFileSystem) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (DefaultFileSystem) Chmod(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

func (DefaultFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (DefaultFileSystem) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

// DefaultCommandRunner implements CommandRunner using os/exec.
type DefaultCommandRunner struct{}

func (DefaultCommandRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

func (DefaultCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

func (DefaultCommandRunner) CombinedOutput(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// DefaultTimeProvider implements TimeProvider using actual time package calls.
type DefaultTimeProvider struct{}

func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}

// RunningAsRoot checks if the program is running with root privileges.
func RunningAsRoot() bool {
	return os.Geteuid() == 0
}
