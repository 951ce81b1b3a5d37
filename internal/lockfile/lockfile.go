// Package lockfile guards a state directory so only one CallIntake process writes to the
// SQLite database in it.
//
// The lock is an flock on a file in the directory; the kernel drops it when the process
// exits, so a crash never leaves the directory locked.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "callintake.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on dir, creating the directory if needed. When another
// process holds it, the returned error is a *LockError describing the holder.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	// O_TRUNC is deferred until the lock is held so a loser never clobbers the holder's pid.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{Path: path, HolderPID: readHolderPID(path), Cause: err}
		if lockErr.HolderPID > 0 {
			lockErr.HolderRunning = isProcessRunning(lockErr.HolderPID)
		}
		slog.Error("lockfile.Acquire: state directory is locked", "lock_path", path, "holder_pid", lockErr.HolderPID)
		return nil, lockErr
	}

	if err := writePID(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

func writePID(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. Calling it twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never sees our stale pid.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("Lock.Release: state directory unlocked", "lock_path", l.path)
	return err
}

// LockError reports a state directory already locked by another process.
type LockError struct {
	Path          string
	HolderPID     int
	HolderRunning bool
	Cause         error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state directory is locked by another CallIntake instance (lock file %s", e.Path)
	switch {
	case e.HolderPID == 0:
		b.WriteString(")")
	case e.HolderRunning:
		fmt.Fprintf(&b, ", pid %d running)", e.HolderPID)
	default:
		fmt.Fprintf(&b, ", pid %d not running; remove the file if no other instance uses it)", e.HolderPID)
	}
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readHolderPID returns the pid recorded in the lock file, or 0.
func readHolderPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return parsePID(string(data))
}

// parsePID extracts NNN from a "pid=NNN" line.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil && pid > 0 {
				return pid
			}
		}
	}
	return 0
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
