package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %q", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Errorf("Lock file content mismatch. Expected: %q, Got: %q", want, string(content))
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if lockErr.HolderPID != os.Getpid() || !lockErr.HolderRunning {
		t.Errorf("expected running holder %d, got %+v", os.Getpid(), lockErr)
	}
	if !strings.Contains(err.Error(), lock1.Path()) {
		t.Errorf("Error message should contain the lock path: %s", err)
	}

	// The losing attempt must not clobber the holder's pid.
	if pid := readHolderPID(lock1.Path()); pid != os.Getpid() {
		t.Errorf("holder pid overwritten, got %d", pid)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock: %v", err)
	}
	again.Release()
}

func TestParsePID(t *testing.T) {
	cases := map[string]int{
		"pid=1234\n":        1234,
		"host=a\npid=42\n":  42,
		"pid=abc\n":         0,
		"":                  0,
		"pid=-5":            0,
		"  pid=7  \nextra ": 7,
	}
	for in, want := range cases {
		if got := parsePID(in); got != want {
			t.Errorf("parsePID(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLockErrorMessage(t *testing.T) {
	stale := &LockError{Path: "/tmp/x.lock", HolderPID: 99}
	if !strings.Contains(stale.Error(), "not running") {
		t.Errorf("stale holder should be reported: %s", stale)
	}
	unknown := &LockError{Path: "/tmp/x.lock", Cause: errors.New("EWOULDBLOCK")}
	if strings.Contains(unknown.Error(), "pid") {
		t.Errorf("unknown holder should not mention a pid: %s", unknown)
	}
	if !errors.Is(unknown, unknown.Cause) {
		t.Error("LockError should unwrap to its cause")
	}
}
