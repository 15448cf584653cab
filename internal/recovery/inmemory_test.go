package recovery

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreFreshnessWindow(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	now := base
	s := NewInMemoryStore(5 * time.Minute)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	if err := s.Save(ctx, "t1", "partial content"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	now = base.Add(4*time.Minute + 59*time.Second)
	got, ok, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok || got != "partial content" {
		t.Fatalf("Load() = (%q, %v), want fresh snapshot", got, ok)
	}

	now = base.Add(5*time.Minute + 1*time.Second)
	got, ok, err = s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok || got != "" {
		t.Fatalf("Load() = (%q, %v), want absent after expiry", got, ok)
	}
}

func TestInMemoryStoreStaleIsDeleted(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	now := base
	s := NewInMemoryStore(time.Minute)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	_ = s.Save(ctx, "t1", "old")
	now = base.Add(2 * time.Minute)
	if _, ok, _ := s.Load(ctx, "t1"); ok {
		t.Fatalf("stale snapshot still loadable")
	}

	// Back in time: the stale load already removed the row.
	now = base
	if _, ok, _ := s.Load(ctx, "t1"); ok {
		t.Fatalf("stale snapshot was not deleted on load")
	}
}

func TestInMemoryStoreClearAndOverwrite(t *testing.T) {
	s := NewInMemoryStore(5 * time.Minute)
	ctx := context.Background()

	_ = s.Save(ctx, "t1", "v1")
	_ = s.Save(ctx, "t1", "v1v2")
	got, ok, _ := s.Load(ctx, "t1")
	if !ok || got != "v1v2" {
		t.Fatalf("Load() = (%q, %v), want overwritten content", got, ok)
	}

	if err := s.Clear(ctx, "t1"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok, _ := s.Load(ctx, "t1"); ok {
		t.Fatalf("snapshot present after Clear")
	}
}
