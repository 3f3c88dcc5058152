package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newDeduperHarness(t *testing.T) (*miniredis.Miniredis, *RedisDeduper) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return m, NewRedisDeduper(client, time.Minute)
}

func TestRedisDeduperAddThenDuplicate(t *testing.T) {
	_, deduper := newDeduperHarness(t)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added {
		t.Fatalf("expected key to be added")
	}

	again, err := deduper.Add(ctx, "user", "k1")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if again {
		t.Fatalf("expected duplicate to be rejected")
	}
}

func TestRedisDeduperRemoveAllowsRetry(t *testing.T) {
	_, deduper := newDeduperHarness(t)
	ctx := context.Background()

	if _, err := deduper.Add(ctx, "user", "k1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := deduper.Remove(ctx, "user", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if !added {
		t.Fatalf("expected key to be addable after removal")
	}
}

func TestRedisDeduperKeyNamespacing(t *testing.T) {
	m, deduper := newDeduperHarness(t)
	ctx := context.Background()

	if _, err := deduper.Add(ctx, "user-a", "k1"); err != nil {
		t.Fatalf("add: %v", err)
	}

	// The same key under a different user must still be fresh.
	added, err := deduper.Add(ctx, "user-b", "k1")
	if err != nil {
		t.Fatalf("add other user: %v", err)
	}
	if !added {
		t.Fatalf("expected per-user namespacing")
	}

	if !m.Exists("idem:user-a:k1") || !m.Exists("idem:user-b:k1") {
		t.Fatalf("expected namespaced redis keys, have: %v", m.Keys())
	}
}

func TestRedisDeduperTTL(t *testing.T) {
	m, deduper := newDeduperHarness(t)
	ctx := context.Background()

	if _, err := deduper.Add(ctx, "user", "k1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ttl := m.TTL("idem:user:k1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	m.FastForward(2 * time.Minute)
	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil {
		t.Fatalf("add after expiry: %v", err)
	}
	if !added {
		t.Fatalf("expected key to be fresh after TTL expiry")
	}
}
