package memstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pbjustin/arcanos/internal/adapters"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndRecentTurnsPreservesOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendTurn(ctx, adapters.Turn{Role: "user", Content: string(rune('a' + i))}); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}

	turns, err := s.RecentTurns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTurns failed: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Content != "a" || turns[2].Content != "c" {
		t.Errorf("expected chronological order, got %+v", turns)
	}
}

func TestRecentTurnsRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = s.AppendTurn(ctx, adapters.Turn{Role: "user", Content: "x"})
	}
	turns, err := s.RecentTurns(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 2 {
		t.Errorf("expected 2 turns under limit, got %d", len(turns))
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, found, err := s.GetSetting(ctx, "missing"); err != nil || found {
		t.Fatalf("expected missing setting not found, err=%v found=%v", err, found)
	}

	if err := s.SetSetting(ctx, "routing_mode", "hybrid"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	value, found, err := s.GetSetting(ctx, "routing_mode")
	if err != nil || !found || value != "hybrid" {
		t.Fatalf("expected hybrid found=true, got value=%q found=%v err=%v", value, found, err)
	}
}

func TestEnsureInstanceIDGeneratesOnceAndPersists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	calls := 0
	gen := func() string { calls++; return "generated-id" }

	first, err := s.EnsureInstanceID(ctx, gen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.EnsureInstanceID(ctx, gen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "generated-id" || second != "generated-id" {
		t.Errorf("expected stable id, got %q then %q", first, second)
	}
	if calls != 1 {
		t.Errorf("expected generator called once, got %d calls", calls)
	}

	stored, err := s.InstanceID(ctx)
	if err != nil || stored != "generated-id" {
		t.Errorf("expected InstanceID to read back persisted id, got %q err=%v", stored, err)
	}
}

func TestIncrementCounter(t *testing.T) {
	s := openTestStore(t)
	v1, err := s.IncrementCounter("commands_executed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, _ := s.IncrementCounter("commands_executed")
	if v1 != 1 || v2 != 2 {
		t.Errorf("expected sequential counter 1,2; got %d,%d", v1, v2)
	}
}

func TestTrimConversationKeepsMostRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = s.AppendTurn(ctx, adapters.Turn{Role: "user", Content: "x"})
	}

	deleted, err := s.TrimConversation(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 6 {
		t.Errorf("expected 6 deleted, got %d", deleted)
	}

	turns, _ := s.RecentTurns(ctx, 100)
	if len(turns) != 4 {
		t.Errorf("expected 4 remaining turns, got %d", len(turns))
	}
}
