// Package session locates a profile's files under ~/.chatsync.
package session

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory when set.
const HomeEnv = "CHATSYNC_HOME"

// BaseDir returns $CHATSYNC_HOME, or ~/.chatsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// ProfilePath returns the profile's settings file.
func ProfilePath(name string) string {
	return filepath.Join(Dir(name), "profile.toml")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// DevServerDBPath returns the default database of the development server.
func DevServerDBPath() string {
	return filepath.Join(BaseDir(), "devserver", "chatsync.db")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
