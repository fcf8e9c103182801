package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsgate/opsgate/internal/types"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "audit.db"), "")
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndQueryEntries(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	entries := []Entry{
		{
			Record:    types.CommandRecord{Command: "docker ps", Timestamp: ts, User: "alice", Output: "CONTAINER ID", Success: true},
			SandboxID: "sbx-alice-11112222",
			Action:    types.ActionAllow,
		},
		{
			Record:    types.CommandRecord{Command: "rm -rf /", Timestamp: ts.Add(time.Minute), User: "alice", Success: false},
			Action:    types.ActionBlock,
			RiskScore: 100,
		},
		{
			Record: types.CommandRecord{Command: "ls", Timestamp: ts, User: "bob", Success: true},
			Action: types.ActionAllow,
		},
	}
	for _, e := range entries {
		if err := s.AppendEntry(ctx, e); err != nil {
			t.Fatalf("AppendEntry() error = %v", err)
		}
	}

	got, err := s.EntriesForUser(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("EntriesForUser() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries for alice, want 2", len(got))
	}
	if got[0].Record.Command != "docker ps" || got[1].Record.Command != "rm -rf /" {
		t.Errorf("entries out of order: %q, %q", got[0].Record.Command, got[1].Record.Command)
	}
	if !got[0].Record.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got[0].Record.Timestamp, ts)
	}
	if got[1].Record.Success || got[1].Action != types.ActionBlock || got[1].RiskScore != 100 {
		t.Errorf("blocked entry round trip = %+v", got[1])
	}

	limited, err := s.EntriesForUser(ctx, "alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d entries", len(limited))
	}
}

func TestCostTotals(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rows := []CostEntry{
		{Timestamp: time.Now(), User: "alice", Model: "gpt-4", TotalTokens: 100, CostUSD: 0.03, Command: "a"},
		{Timestamp: time.Now(), User: "alice", Model: "gpt-4", TotalTokens: 200, CostUSD: 0.06, Command: "b"},
		{Timestamp: time.Now(), User: "bob", Model: "local", TotalTokens: 500, CostUSD: 0, Command: "c"},
	}
	for _, c := range rows {
		if err := s.AppendCost(ctx, c); err != nil {
			t.Fatalf("AppendCost() error = %v", err)
		}
	}

	tokens, usd, err := s.CostTotals(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if tokens != 300 {
		t.Errorf("alice tokens = %d, want 300", tokens)
	}
	if usd < 0.089 || usd > 0.091 {
		t.Errorf("alice usd = %v, want ~0.09", usd)
	}

	tokens, _, err = s.CostTotals(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if tokens != 800 {
		t.Errorf("global tokens = %d, want 800", tokens)
	}
}

func TestShortEncryptionKeyRejected(t *testing.T) {
	_, err := NewStorage(filepath.Join(t.TempDir(), "audit.db"), "short")
	if err == nil {
		t.Fatal("expected error for short encryption key")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	key := "0123456789abcdef0123456789abcdef"

	s, err := NewStorage(path, key)
	if err != nil {
		t.Fatalf("NewStorage(encrypted) error = %v", err)
	}
	if !s.IsEncrypted() {
		t.Error("IsEncrypted() = false with a key")
	}
	err = s.AppendEntry(context.Background(), Entry{
		Record: types.CommandRecord{Command: "ls", Timestamp: time.Now(), User: "alice", Success: true},
		Action: types.ActionAllow,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := NewStorage(path, key)
	if err != nil {
		t.Fatalf("reopen with same key error = %v", err)
	}
	defer reopened.Close()
	got, err := reopened.EntriesForUser(context.Background(), "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("got %d entries after reopen, want 1", len(got))
	}
}
