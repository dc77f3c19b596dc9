// Package config reads and writes the TOML configuration: the global
// ~/.chatsync/config.toml and each profile's profile.toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Duration is a time.Duration written as a string such as "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Profile is one account's settings, stored in <profile>/profile.toml.
type Profile struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
	Token       string `toml:"token"`
	ServerURL   string `toml:"server_url"`
	WSURL       string `toml:"ws_url"`
	MetricsAddr string `toml:"metrics_addr"`

	Transport Transport `toml:"transport"`
	Typing    Typing    `toml:"typing"`
	Presence  Presence  `toml:"presence"`
	Sync      Sync      `toml:"sync"`
}

type Transport struct {
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

type Typing struct {
	Debounce      Duration `toml:"debounce"`
	TTL           Duration `toml:"ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type Presence struct {
	StaleAfter Duration `toml:"stale_after"`
}

type Sync struct {
	PageSize int `toml:"page_size"`
}

// Default returns a profile pointing at a local development server.
func Default() *Profile {
	return &Profile{
		ServerURL:   "http://127.0.0.1:8080/api",
		WSURL:       "ws://127.0.0.1:8080/ws",
		MetricsAddr: "127.0.0.1:9464",
		Transport: Transport{
			ReconnectBaseDelay:   Duration{time.Second},
			MaxReconnectAttempts: 5,
		},
		Typing: Typing{
			Debounce:      Duration{2 * time.Second},
			TTL:           Duration{8 * time.Second},
			SweepInterval: Duration{time.Second},
		},
		Presence: Presence{StaleAfter: Duration{2 * time.Minute}},
		Sync:     Sync{PageSize: 20},
	}
}

// Validate checks the fields the daemon cannot run without.
func (p *Profile) Validate() error {
	if p.UserID == "" {
		return errors.New("user_id is required")
	}
	if p.ServerURL != "" {
		if err := checkScheme(p.ServerURL, "http", "https"); err != nil {
			return fmt.Errorf("server_url: %w", err)
		}
	}
	if p.WSURL != "" {
		if err := checkScheme(p.WSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("ws_url: %w", err)
		}
	}
	if p.Sync.PageSize < 0 {
		return fmt.Errorf("sync.page_size must not be negative, got %d", p.Sync.PageSize)
	}
	return nil
}

func checkScheme(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("unsupported url %q, want %v", raw, schemes)
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads a profile, filling unset fields from Default. A missing
// file yields the defaults.
func LoadProfile(path string) (*Profile, error) {
	p := Default()
	if _, err := toml.DecodeFile(path, p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}
	return p, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return write(path, cfg)
}

// SaveProfile writes a profile to the given path.
func SaveProfile(path string, p *Profile) error {
	return write(path, p)
}

func write(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
