package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tasksync/domain"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
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
	return client, m
}

func keyed(in domain.Intent, key string) domain.Intent {
	in.Key = key
	return in
}

func TestRedisDeduperClaimIntents(t *testing.T) {
	client, _ := setupRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()
	intents := []domain.Intent{
		keyed(domain.NewAddTask("a", "alice"), "k1"),
		keyed(domain.NewAddTask("a", "alice"), "k1"),
		keyed(domain.NewToggleTask(1), "k1"),
		domain.NewDeleteTask(2),
	}

	first, err := deduper.ClaimIntents(ctx, intents)
	if err != nil {
		t.Fatalf("claim intents: %v", err)
	}
	if !first[0] || first[1] || !first[2] || !first[3] {
		t.Fatalf("first = %v, want [true false true true]", first)
	}

	second, err := deduper.ClaimIntents(ctx, intents)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second[0] || second[1] || second[2] || !second[3] {
		t.Fatalf("second = %v, want only the unkeyed intent fresh", second)
	}
}

func TestRedisDeduperKeyScheme(t *testing.T) {
	client, m := setupRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	if added, err := deduper.ClaimIntent(ctx, keyed(domain.NewAddTask("x", "alice"), "k")); err != nil || !added {
		t.Fatalf("alice add = %v, %v", added, err)
	}
	if added, err := deduper.ClaimIntent(ctx, keyed(domain.NewAddTask("x", "bob"), "k")); err != nil || !added {
		t.Fatalf("bob add = %v, %v", added, err)
	}
	if added, err := deduper.ClaimIntent(ctx, keyed(domain.NewDeleteTask(4), "k")); err != nil || !added {
		t.Fatalf("delete = %v, %v", added, err)
	}
	for _, key := range []string{"tasksync:intent:alice:addTask:k", "tasksync:intent:bob:addTask:k", "tasksync:intent::deleteTask:k"} {
		if !m.Exists(key) {
			t.Fatalf("expected redis key %s", key)
		}
	}
	if ttl := m.TTL("tasksync:intent:alice:addTask:k"); ttl != time.Minute {
		t.Fatalf("ttl = %s", ttl)
	}
	if added, err := deduper.ClaimIntent(ctx, domain.NewToggleTask(1)); err != nil || !added {
		t.Fatalf("unkeyed claim = %v, %v", added, err)
	}
	if n := len(m.Keys()); n != 3 {
		t.Fatalf("unkeyed intent stored a key: %v", m.Keys())
	}
}

func TestRedisDeduperRelease(t *testing.T) {
	client, _ := setupRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()
	in := keyed(domain.NewToggleTask(1), "k")

	_, _ = deduper.ClaimIntent(ctx, in)
	if err := deduper.ReleaseIntent(ctx, in); err != nil {
		t.Fatalf("release: %v", err)
	}
	if added, err := deduper.ClaimIntent(ctx, in); err != nil || !added {
		t.Fatalf("re-claim = %v, %v", added, err)
	}
}
