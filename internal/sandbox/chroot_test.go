//go:build unix

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newChrootManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(NewChrootBackend(t.TempDir()))
	t.Cleanup(m.Shutdown)
	return m
}

func TestChrootExecute(t *testing.T) {
	m := newChrootManager(t)

	info, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	res, err := m.Execute(context.Background(), info.ID, "echo hello from jail", 0)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitStatus != 0 {
		t.Errorf("exit status = %d, output: %s", res.ExitStatus, res.Output)
	}
	if !strings.Contains(res.Output, "hello from jail") {
		t.Errorf("output = %q", res.Output)
	}
	if res.TimedOut {
		t.Error("TimedOut = true for a fast command")
	}
}

func TestChrootNonZeroExit(t *testing.T) {
	m := newChrootManager(t)

	info, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.Execute(context.Background(), info.ID, "exit 7", 0)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitStatus != 7 {
		t.Errorf("exit status = %d, want 7", res.ExitStatus)
	}
}

func TestChrootTimeoutKillsProcessTree(t *testing.T) {
	m := newChrootManager(t)

	cfg := DefaultConfig("alice")
	cfg.CommandTimeout = 200 * time.Millisecond
	info, err := m.Create(context.Background(), "alice", cfg)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	res, err := m.Execute(context.Background(), info.ID, "sleep 30", 0)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("timeout must be a normal result, got error %v", err)
	}
	if !res.TimedOut {
		t.Fatal("TimedOut = false for a command past its timeout")
	}
	if res.ExitStatus != -1 {
		t.Errorf("exit status = %d, want -1", res.ExitStatus)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timeout enforcement took %v, want bounded grace after 200ms", elapsed)
	}
}

func TestChrootDestroyRemovesJail(t *testing.T) {
	base := t.TempDir()
	m := NewManager(NewChrootBackend(base))
	t.Cleanup(m.Shutdown)

	info, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
	if err != nil {
		t.Fatal(err)
	}
	jail := filepath.Join(base, info.ID)
	if _, err := os.Stat(jail); err != nil {
		t.Fatalf("jail directory missing after create: %v", err)
	}

	if !m.Destroy(info.ID) {
		t.Fatal("Destroy() = false")
	}
	if _, err := os.Stat(jail); !os.IsNotExist(err) {
		t.Errorf("jail directory still present after destroy: %v", err)
	}
}

func TestChrootDestroyTwiceOnBackend(t *testing.T) {
	b := NewChrootBackend(t.TempDir())
	sb := &Sandbox{ID: "sbx-alice-0a1b2c3d", UserID: "alice", Config: DefaultConfig("alice")}
	if err := b.Create(context.Background(), sb); err != nil {
		t.Fatal(err)
	}

	if err := b.Destroy(sb); err != nil {
		t.Fatalf("first Destroy() error = %v", err)
	}
	if err := b.Destroy(sb); err != nil {
		t.Fatalf("second Destroy() error = %v, want nil no-op", err)
	}
}

func TestChrootDestroyDuringExecution(t *testing.T) {
	// Destroy concurrent with a running command must not race on the
	// sandbox's backend handles. Run under -race.
	base := t.TempDir()
	m := NewManager(NewChrootBackend(base))
	t.Cleanup(m.Shutdown)

	info, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The jail may vanish mid-run; any outcome is fine.
		m.Execute(context.Background(), info.ID, "sleep 0.3", 0)
	}()

	time.Sleep(50 * time.Millisecond)
	if !m.Destroy(info.ID) {
		t.Fatal("Destroy() = false for a live sandbox")
	}
	<-done

	if _, err := os.Stat(filepath.Join(base, info.ID)); !os.IsNotExist(err) {
		t.Errorf("jail directory still present after destroy: %v", err)
	}
}

func TestChrootWritesConfinedToWorkspace(t *testing.T) {
	base := t.TempDir()
	m := NewManager(NewChrootBackend(base))
	t.Cleanup(m.Shutdown)

	info, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.Execute(context.Background(), info.ID, "echo data > out.txt && cat out.txt", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "data") {
		t.Errorf("output = %q", res.Output)
	}
	if _, err := os.Stat(filepath.Join(base, info.ID, "workspace", "out.txt")); err != nil {
		t.Errorf("out.txt not written inside the jail workspace: %v", err)
	}
}
