package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if parsePID(string(data)) != os.Getpid() {
		t.Errorf("lock file = %q, want our pid", data)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock file should be removed on release")
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir)
	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", lockErr.PID, os.Getpid())
	}
}

func TestOwner(t *testing.T) {
	dir := t.TempDir()
	if got := Owner(dir); got != 0 {
		t.Errorf("Owner() without lock = %d, want 0", got)
	}

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := Owner(dir); got != os.Getpid() {
		t.Errorf("Owner() = %d, want %d", got, os.Getpid())
	}
	_ = l.Release()

	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("pid=42\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := Owner(dir); got != 0 {
		t.Errorf("Owner() with a stale file = %d, want 0", got)
	}
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"pid=123\ntime=x\n", 123},
		{"time=x\npid=7", 7},
		{"", 0},
		{"pid=abc", 0},
	}
	for _, tt := range tests {
		if got := parsePID(tt.in); got != tt.want {
			t.Errorf("parsePID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
