package daemon

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/messaging"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/state"
	"github.com/matheus3301/chatsync/internal/status"
)

// tempHome points CHATSYNC_HOME at a short /tmp directory so socket paths
// stay under the 104-char Unix socket limit.
func tempHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "chatsync-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

// writeOfflineProfile stores a profile with no server so the daemon runs
// without network access.
func writeOfflineProfile(t *testing.T, name string) {
	t.Helper()
	prof := config.Default()
	prof.UserID = "me"
	prof.ServerURL = ""
	prof.WSURL = ""
	prof.MetricsAddr = "127.0.0.1:0"
	if err := config.SaveProfile(session.ProfilePath(name), prof); err != nil {
		t.Fatal(err)
	}
}

// TestFxModuleWiring verifies NewServer takes Params rather than a bare
// string, which fx cannot resolve.
func TestFxModuleWiring(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "chatsync-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	logger := zap.NewNop()
	b := bus.New()
	svc := messaging.New(messaging.Config{}, nil, nil, b, logger)
	defer func() { _ = svc.Close(context.Background()) }()

	p := Params{ProfileName: "fxtest", SocketPath: socketPath}
	srv, err := NewServer(p, logger, api.NewStateServer(svc, b, "fxtest", logger))
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}
	srv.Stop(context.Background())
	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Errorf("socket left behind after Stop: %v", statErr)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	tempHome(t)
	const name = "test"
	writeOfflineProfile(t, name)

	var ms *MetricsServer
	app := fxtest.New(t,
		Module(Params{ProfileName: name}),
		fx.Populate(&ms),
	)
	app.RequireStart()

	if pid := lock.Owner(session.Dir(name)); pid != os.Getpid() {
		t.Errorf("lock owner = %d, want %d", pid, os.Getpid())
	}

	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Initialize runs in the background after start.
	var snap state.State
	for {
		snap, err = c.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot error = %v", err)
		}
		if snap.Self == "me" {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("daemon never bound the profile identity")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if snap.Connection.State != status.Disconnected {
		t.Errorf("offline connection = %s, want DISCONNECTED", snap.Connection.State)
	}

	m, err := c.SendMessage(ctx, "C1", "hello", true)
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	if m.Status != state.StatusSent {
		t.Errorf("status = %s, want sent", m.Status)
	}

	resp, err := http.Get("http://" + ms.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}

	app.RequireStop()

	if _, err := os.Stat(session.SocketPath(name)); !os.IsNotExist(err) {
		t.Errorf("socket left behind after stop: %v", err)
	}
	if pid := lock.Owner(session.Dir(name)); pid != 0 {
		t.Errorf("lock still held by %d after stop", pid)
	}
}

func TestInvalidProfileFailsStart(t *testing.T) {
	tempHome(t)
	const name = "bad"
	prof := config.Default()
	if err := config.SaveProfile(session.ProfilePath(name), prof); err != nil {
		t.Fatal(err)
	}

	app := fx.New(Module(Params{ProfileName: name}), fx.NopLogger)
	err := app.Err()
	if err == nil {
		t.Fatal("expected an error for a profile without user_id")
	}
	if !strings.Contains(err.Error(), "user_id") {
		t.Errorf("error = %v, want it to mention user_id", err)
	}
}
