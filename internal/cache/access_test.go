package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, *AccessCache) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	return mr, NewAccessCache(client)
}

func TestAccessCache_MissThenHit(t *testing.T) {
	_, c := newTestCache(t)
	ctx := context.Background()

	granted, err := c.IsGranted(ctx, "u1", "course-42")
	if err != nil {
		t.Fatalf("IsGranted error: %v", err)
	}
	if granted {
		t.Fatalf("unexpected cache hit before SetGranted")
	}

	if err := c.SetGranted(ctx, "u1", "course-42"); err != nil {
		t.Fatalf("SetGranted error: %v", err)
	}

	granted, err = c.IsGranted(ctx, "u1", "course-42")
	if err != nil {
		t.Fatalf("IsGranted error: %v", err)
	}
	if !granted {
		t.Fatalf("expected cache hit after SetGranted")
	}
}

func TestAccessCache_KeysAreScoped(t *testing.T) {
	_, c := newTestCache(t)
	ctx := context.Background()

	if err := c.SetGranted(ctx, "u1", "course-42"); err != nil {
		t.Fatalf("SetGranted error: %v", err)
	}

	granted, err := c.IsGranted(ctx, "u2", "course-42")
	if err != nil {
		t.Fatalf("IsGranted error: %v", err)
	}
	if granted {
		t.Fatalf("grant for u1 leaked to u2")
	}

	granted, err = c.IsGranted(ctx, "u1", "course-43")
	if err != nil {
		t.Fatalf("IsGranted error: %v", err)
	}
	if granted {
		t.Fatalf("grant for course-42 leaked to course-43")
	}
}

func TestAccessCache_NilClient(t *testing.T) {
	var c *AccessCache
	ctx := context.Background()

	granted, err := c.IsGranted(ctx, "u1", "course-42")
	if err != nil || granted {
		t.Fatalf("nil cache must behave as a miss, got granted=%v err=%v", granted, err)
	}
	if err := c.SetGranted(ctx, "u1", "course-42"); err != nil {
		t.Fatalf("nil cache SetGranted error: %v", err)
	}
}
