package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeBackend records lifecycle calls without touching the OS.
type fakeBackend struct {
	mu        sync.Mutex
	created   []string
	destroyed []string

	createErr error
	execDelay time.Duration
	execOut   string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Create(ctx context.Context, sb *Sandbox) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	f.created = append(f.created, sb.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Exec(ctx context.Context, sb *Sandbox, command string, timeout time.Duration) (ExecResult, error) {
	if f.execDelay > 0 {
		select {
		case <-time.After(f.execDelay):
		case <-ctx.Done():
		}
	}
	out := f.execOut
	if out == "" {
		out = "ran: " + command
	}
	return ExecResult{Output: out, ExitStatus: 0, Duration: f.execDelay}, nil
}

func (f *fakeBackend) Destroy(sb *Sandbox) error {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, sb.ID)
	f.mu.Unlock()
	return nil
}

func newTestManager(t *testing.T, backend Backend) *Manager {
	t.Helper()
	m := NewManager(backend)
	t.Cleanup(m.Shutdown)
	return m
}

func TestCreateAndExecute(t *testing.T) {
	m := newTestManager(t, &fakeBackend{})

	info, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if info.State != StateCreated {
		t.Errorf("new sandbox state = %q, want created", info.State)
	}

	res, err := m.Execute(context.Background(), info.ID, "echo hi", 0)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Output != "ran: echo hi" || res.ExitStatus != 0 {
		t.Errorf("unexpected result %+v", res)
	}

	got, ok := m.Get(info.ID)
	if !ok {
		t.Fatal("Get() after execute not found")
	}
	if got.State != StateIdle {
		t.Errorf("state after execute = %q, want idle", got.State)
	}
	if got.CommandCount != 1 {
		t.Errorf("command count = %d, want 1", got.CommandCount)
	}
}

func TestCreateInvalidConfig(t *testing.T) {
	m := newTestManager(t, &fakeBackend{})

	cfg := DefaultConfig("alice")
	cfg.CPULimit = "none"
	_, err := m.Create(context.Background(), "alice", cfg)
	var cerr *CreationError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *CreationError", err)
	}
	if len(m.List()) != 0 {
		t.Error("failed creation must not register a sandbox")
	}
}

func TestCreateRollbackOnBackendFailure(t *testing.T) {
	fb := &fakeBackend{createErr: errors.New("backend down")}
	m := newTestManager(t, fb)

	_, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
	var cerr *CreationError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *CreationError", err)
	}
	if len(m.List()) != 0 {
		t.Error("failed creation must not register a sandbox")
	}
	if len(fb.destroyed) != 1 {
		t.Errorf("expected rollback Destroy call, got %d", len(fb.destroyed))
	}
}

func TestDestroyIdempotent(t *testing.T) {
	m := newTestManager(t, &fakeBackend{})

	info, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
	if err != nil {
		t.Fatal(err)
	}

	if !m.Destroy(info.ID) {
		t.Error("first Destroy() = false, want true")
	}
	if m.Destroy(info.ID) {
		t.Error("second Destroy() = true, want false")
	}
	if m.Destroy("sbx-alice-deadbeef") {
		t.Error("Destroy(unknown id) = true, want false")
	}

	if _, err := m.Execute(context.Background(), info.ID, "echo hi", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Execute after destroy error = %v, want ErrNotFound", err)
	}
}

func TestIDsUniqueAcrossDestroy(t *testing.T) {
	m := newTestManager(t, &fakeBackend{})

	const n = 20
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		info, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
		if err != nil {
			t.Fatal(err)
		}
		if seen[info.ID] {
			t.Fatalf("id %s reused", info.ID)
		}
		seen[info.ID] = true
		if i%2 == 0 {
			m.Destroy(info.ID)
		}
	}
	if len(seen) != n {
		t.Errorf("got %d distinct ids, want %d", len(seen), n)
	}
}

func TestListOrderingAndFiltering(t *testing.T) {
	m := newTestManager(t, &fakeBackend{})

	var ids []string
	for i := 0; i < 3; i++ {
		info, err := m.Create(context.Background(), fmt.Sprintf("user%d", i), DefaultConfig("alice"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, info.ID)
	}
	m.Destroy(ids[1])

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(list))
	}
	for _, info := range list {
		if info.ID == ids[1] {
			t.Error("destroyed sandbox still listed")
		}
	}

	// Destroyed sandboxes remain fetchable for audit.
	got, ok := m.Get(ids[1])
	if !ok || got.State != StateDestroyed {
		t.Errorf("Get(destroyed) = %+v, %v", got, ok)
	}
}

func TestExpiryCheckOnAccess(t *testing.T) {
	m := newTestManager(t, &fakeBackend{})

	cfg := DefaultConfig("alice")
	cfg.MaxSessionDuration = time.Millisecond
	info, err := m.Create(context.Background(), "alice", cfg)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := m.Execute(context.Background(), info.ID, "echo hi", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Execute on expired sandbox error = %v, want ErrNotFound", err)
	}
	got, _ := m.Get(info.ID)
	if got.State != StateDestroyed {
		t.Errorf("expired sandbox state = %q, want destroyed", got.State)
	}
}

func TestCleanupExpired(t *testing.T) {
	m := newTestManager(t, &fakeBackend{})

	short := DefaultConfig("alice")
	short.MaxSessionDuration = time.Millisecond
	if _, err := m.Create(context.Background(), "alice", short); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(context.Background(), "bob", DefaultConfig("bob")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	if n := m.CleanupExpired(); n != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", n)
	}
	if len(m.List()) != 1 {
		t.Errorf("List() = %d entries after cleanup, want 1", len(m.List()))
	}
}

func TestConcurrentExecutionIndependent(t *testing.T) {
	// Two sandboxes executing slow commands concurrently must overlap:
	// the registry lock is not held across execution.
	fb := &fakeBackend{execDelay: 100 * time.Millisecond}
	m := newTestManager(t, fb)

	a, err := m.Create(context.Background(), "alice", DefaultConfig("alice"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Create(context.Background(), "bob", DefaultConfig("bob"))
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.Execute(context.Background(), id, "sleep", 0); err != nil {
				t.Errorf("Execute(%s) error = %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 180*time.Millisecond {
		t.Errorf("two 100ms executions took %v; they should overlap", elapsed)
	}
}

func TestShutdownDestroysAll(t *testing.T) {
	fb := &fakeBackend{}
	m := NewManager(fb)

	for i := 0; i < 3; i++ {
		if _, err := m.Create(context.Background(), "alice", DefaultConfig("alice")); err != nil {
			t.Fatal(err)
		}
	}
	m.Shutdown()

	if len(m.List()) != 0 {
		t.Errorf("List() = %d entries after shutdown, want 0", len(m.List()))
	}
	if len(fb.destroyed) != 3 {
		t.Errorf("backend Destroy called %d times, want 3", len(fb.destroyed))
	}
}
