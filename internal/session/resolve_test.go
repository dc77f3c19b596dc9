package session

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if got := Resolve(""); got != DefaultProfileName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultProfileName)
	}
	if err := config.Save(ConfigPath(), &config.Config{DefaultProfile: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q, want other", got)
	}
}
