package rate

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, "test:"), s
}

func TestRedisStoreBoundaryAndTTL(t *testing.T) {
	store, srv := newRedisStore(t)
	lim := newTestLimiter(store)
	ctx := context.Background()
	now := time.Now()

	for i, want := range []int{2, 1, 0} {
		d, err := lim.Check(ctx, "user-1", OpMFA, now)
		if err != nil || !d.Allowed || d.Remaining != want {
			t.Fatalf("check %d: got %+v, %v", i+1, d, err)
		}
	}

	d, err := lim.Check(ctx, "user-1", OpMFA, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected rate limited")
	}
	if d.RetryAfter != 30*time.Minute {
		t.Fatalf("retry after %v, want 30m", d.RetryAfter)
	}

	key := "test:mfa:user-1"
	if !srv.Exists(key) {
		t.Fatalf("expected key %q", key)
	}
	if ttl := srv.TTL(key); ttl <= 29*time.Minute || ttl > 30*time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	raw, err := srv.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if !rec.IsBlocked || rec.Count != 4 || rec.OperationType != OpMFA {
		t.Fatalf("unexpected record %+v", rec)
	}

	srv.FastForward(31 * time.Minute)
	if srv.Exists(key) {
		t.Fatalf("expected key to expire")
	}
}

func TestRedisStoreTTLFollowsDecisionClock(t *testing.T) {
	store, srv := newRedisStore(t)
	lim := newTestLimiter(store)
	ctx := context.Background()

	for _, now := range []time.Time{
		time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Now().Add(48 * time.Hour),
	} {
		id := "clock-" + now.Format("2006")
		if _, err := lim.RecordFailure(ctx, id, OpMFA, now); err != nil {
			t.Fatalf("record failure: %v", err)
		}
		p, _ := lim.Policy(OpMFA)
		ttl := srv.TTL("test:mfa:" + id)
		if ttl != p.Window {
			t.Fatalf("clock %v: ttl %v, want %v", now, ttl, p.Window)
		}
	}
}

func TestRedisStoreReset(t *testing.T) {
	store, srv := newRedisStore(t)
	lim := newTestLimiter(store)
	ctx := context.Background()

	if _, err := lim.Check(ctx, "ip", OpAuth, time.Now()); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := lim.Reset(ctx, "ip", OpAuth); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if srv.Exists("test:auth:ip") {
		t.Fatalf("expected key deleted")
	}
}

func TestRedisStoreOverwritesCorruptValue(t *testing.T) {
	store, srv := newRedisStore(t)
	lim := newTestLimiter(store)

	if err := srv.Set("test:auth:ip", "not-json"); err != nil {
		t.Fatalf("set: %v", err)
	}
	d, err := lim.Check(context.Background(), "ip", OpAuth, time.Now())
	if err != nil || !d.Allowed || d.Remaining != 4 {
		t.Fatalf("expected fresh record, got %+v, %v", d, err)
	}
}

func TestRedisStoreConcurrentChecks(t *testing.T) {
	store, _ := newRedisStore(t)
	lim := newTestLimiter(store, WithMaxRetries(10))
	ctx := context.Background()
	now := time.Now()

	const limit = 3
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := lim.Check(ctx, "burst", OpSetup, now)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got > limit {
		t.Fatalf("admitted %d, want at most %d", got, limit)
	}
}

func TestRedisSweepIsNoop(t *testing.T) {
	store, _ := newRedisStore(t)
	n, err := store.Sweep(context.Background(), time.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected no-op sweep, got %d, %v", n, err)
	}
}
