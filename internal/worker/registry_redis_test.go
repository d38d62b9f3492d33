package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisRegistry(t *testing.T) (*RedisRegistry, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := NewRedisRegistry(client, time.Minute)
	return reg, func() {
		_ = client.Close()
		mr.Close()
	}
}

func TestRedisRegistry_RegisterAndNext(t *testing.T) {
	reg, cleanup := newTestRedisRegistry(t)
	defer cleanup()
	ctx := context.Background()

	if err := reg.Register(ctx, "worker-a", "llama-7b"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := reg.Register(ctx, "worker-b", "llama-7b"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	first, ok, err := reg.Next(ctx, "llama-7b")
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", first, ok, err)
	}
	if first.ID != "worker-a" {
		t.Errorf("first worker = %q, want worker-a (registered first, idle longest)", first.ID)
	}

	second, ok, err := reg.Next(ctx, "llama-7b")
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", second, ok, err)
	}
	if second.ID != "worker-b" {
		t.Errorf("second worker = %q, want worker-b", second.ID)
	}
}

func TestRedisRegistry_NextNoWorkers(t *testing.T) {
	reg, cleanup := newTestRedisRegistry(t)
	defer cleanup()

	_, ok, err := reg.Next(context.Background(), "nonexistent-model")
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if ok {
		t.Fatal("Next() ok = true for empty registry, want false")
	}
}

func TestRedisRegistry_Deregister(t *testing.T) {
	reg, cleanup := newTestRedisRegistry(t)
	defer cleanup()
	ctx := context.Background()

	if err := reg.Register(ctx, "worker-a", "llama-7b"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := reg.Deregister(ctx, "worker-a", "llama-7b"); err != nil {
		t.Fatalf("Deregister() error: %v", err)
	}

	_, ok, err := reg.Next(ctx, "llama-7b")
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if ok {
		t.Fatal("Next() ok = true after deregister, want false")
	}
}

func TestRedisRegistry_List(t *testing.T) {
	reg, cleanup := newTestRedisRegistry(t)
	defer cleanup()
	ctx := context.Background()

	if err := reg.Register(ctx, "worker-a", "llama-7b"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if err := reg.Register(ctx, "worker-b", "llama-7b"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	workers, err := reg.List(ctx, "llama-7b")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("List() len = %d, want 2", len(workers))
	}
}
