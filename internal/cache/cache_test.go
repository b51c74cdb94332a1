package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryProviderSetNXAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryProvider()
	c.now = func() time.Time { return now }

	ok, err := c.SetNX(ctx, "claim:inc-1", []byte("w1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: %v %v", ok, err)
	}
	if ok, _ := c.SetNX(ctx, "claim:inc-1", []byte("w2"), time.Minute); ok {
		t.Fatalf("second claim should fail")
	}
	got, err := c.Get(ctx, "claim:inc-1")
	if err != nil || string(got) != "w1" {
		t.Fatalf("get: %q %v", got, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "claim:inc-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if ok, _ := c.SetNX(ctx, "claim:inc-1", []byte("w3"), 0); !ok {
		t.Fatalf("claim after expiry should succeed")
	}
	if err := c.Del(ctx, "claim:inc-1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "claim:inc-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestMemoryProviderSingleClaimUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryProvider()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.SetNX(ctx, "claim", []byte("x"), time.Minute); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim, got %d", wins)
	}
}

func TestNoopProvider(t *testing.T) {
	var p Provider = NoopProvider{}
	if _, err := p.Get(context.Background(), "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if ok, err := p.SetNX(context.Background(), "k", nil, 0); !ok || err != nil {
		t.Fatalf("noop SetNX: %v %v", ok, err)
	}
}

func TestNewRedisClientRequiresAddr(t *testing.T) {
	if _, err := NewRedisClient(RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	client, err := NewRedisClient(RedisConfig{Addr: "127.0.0.1:6379"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()
	if client.Options().DialTimeout != 5*time.Second {
		t.Fatalf("expected default dial timeout, got %s", client.Options().DialTimeout)
	}
}

func TestClaimKeys(t *testing.T) {
	if got := IncidentClaimKey("inc-7"); got != "triage:publish:inc-7" {
		t.Fatalf("incident claim key %q", got)
	}
	end := time.Date(2024, 6, 30, 23, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	if got := ForecastClaimKey(end); got != "triage:forecast:2024-06-30T21:00:00Z" {
		t.Fatalf("forecast claim key %q", got)
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryProvider()
	type point struct{ N int }
	if err := SetJSON(ctx, c, Key("search", "x"), []point{{1}, {2}}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got []point
	if err := GetJSON(ctx, c, Key("search", "x"), &got); err != nil || len(got) != 2 || got[1].N != 2 {
		t.Fatalf("get: %+v %v", got, err)
	}
	_ = c.Set(ctx, Key("search", "bad"), []byte("{"), time.Minute)
	if err := GetJSON(ctx, c, Key("search", "bad"), &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss for undecodable value, got %v", err)
	}
	if err := GetJSON(ctx, NoopProvider{}, "k", &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("noop get: %v", err)
	}
}
