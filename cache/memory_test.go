package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCache_SetGetDelete(t *testing.T) {
	c := NewMemoryCache[int64](nil)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}

	if err := c.Set(ctx, "v1", 42, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	if err := c.Delete(ctx, "v1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "v1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
}

func TestMemoryCache_TTLExpires(t *testing.T) {
	c := NewMemoryCache[string](nil)
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}

func TestMemoryCache_DefaultTTLAppliesWhenZero(t *testing.T) {
	c := NewMemoryCache[int64](&Options{DefaultTTL: 0})
	ctx := context.Background()

	// DefaultTTL of 0 means entries never expire.
	if err := c.Set(ctx, "k", 1, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestMemoryCache_OperationsFailAfterClose(t *testing.T) {
	c := NewMemoryCache[int64](nil)
	ctx := context.Background()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Set(ctx, "k", 1, time.Minute); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
