// Package lock keeps one daemon per profile with an flock on <profile>/LOCK.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file inside a profile directory.
const FileName = "LOCK"

// LockHeldError is returned when another process holds the profile lock.
type LockHeldError struct {
	PID  int
	Path string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("profile lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock is an acquired profile lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock of a profile directory, creating the
// directory if needed. Returns *LockHeldError if another process holds it.
func Acquire(profileDir string) (*Lock, error) {
	lockPath := filepath.Join(profileDir, FileName)

	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{PID: parsePID(string(data)), Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Owner reports the PID of the process holding a profile's lock, or 0 when
// the profile is not locked.
func Owner(profileDir string) int {
	lockPath := filepath.Join(profileDir, FileName)
	f, err := os.Open(lockPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err == nil {
		// Nobody holds it; the file is stale.
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return 0
	}
	data, _ := os.ReadFile(lockPath)
	return parsePID(string(data))
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before closing so no stale file outlives the holder.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
