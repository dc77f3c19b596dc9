package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{DefaultProfile: "work"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadProfileMissingUsesDefaults(t *testing.T) {
	p, err := LoadProfile(filepath.Join(t.TempDir(), "profile.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Typing.Debounce.Duration != 2*time.Second || p.Sync.PageSize != 20 {
		t.Errorf("profile = %+v, want defaults", p)
	}
}

func TestLoadProfileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	content := `
user_id = "alice"
ws_url = "wss://chat.example.com/ws"

[typing]
debounce = "500ms"

[sync]
page_size = 50
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID != "alice" || p.WSURL != "wss://chat.example.com/ws" {
		t.Errorf("profile = %+v", p)
	}
	if p.Typing.Debounce.Duration != 500*time.Millisecond {
		t.Errorf("Debounce = %v, want 500ms", p.Typing.Debounce)
	}
	if p.Typing.TTL.Duration != 8*time.Second {
		t.Errorf("TTL = %v, want the 8s default", p.Typing.TTL)
	}
	if p.Sync.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", p.Sync.PageSize)
	}
}

func TestLoadProfileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte("[typing]\nttl = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Error("LoadProfile should reject an invalid duration")
	}
}

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	p := Default()
	p.UserID = "bob"
	p.Presence.StaleAfter = Duration{5 * time.Minute}
	if err := SaveProfile(path, p); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.UserID != "bob" || loaded.Presence.StaleAfter.Duration != 5*time.Minute {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Profile)
		wantErr bool
	}{
		{"valid", func(p *Profile) { p.UserID = "me" }, false},
		{"missing user", func(p *Profile) {}, true},
		{"bad server scheme", func(p *Profile) { p.UserID = "me"; p.ServerURL = "ftp://host" }, true},
		{"bad ws scheme", func(p *Profile) { p.UserID = "me"; p.WSURL = "http://host/ws" }, true},
		{"no ws url", func(p *Profile) { p.UserID = "me"; p.WSURL = "" }, false},
		{"negative page size", func(p *Profile) { p.UserID = "me"; p.Sync.PageSize = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
