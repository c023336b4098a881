package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBadgerCache_SetGetDelete(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBadgerCache[int64](dir, nil)
	if err != nil {
		t.Skipf("failed to open badger db, skipping: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}

	if err := c.Set(ctx, "v1", int64(7), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 7 {
		t.Errorf("got %d, want 7", got)
	}

	if err := c.Delete(ctx, "v1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "v1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
}

func TestBadgerCache_TTLExpires(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBadgerCache[string](dir, nil)
	if err != nil {
		t.Skipf("failed to open badger db, skipping: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}
