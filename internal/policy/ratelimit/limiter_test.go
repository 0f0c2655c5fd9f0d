package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	l := New(Config{
		DefaultRPS:   10, // 10 requests per second = 100ms interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	// Consume initial token
	if err := l.Wait(ctx, "rawg"); err != nil {
		t.Fatal(err)
	}

	// Next one should wait ~100ms
	start := time.Now()
	if err := l.Wait(ctx, "rawg"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(Config{
		DefaultRPS:   1, // 1 RPS = 1s interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "igdb"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "rawg"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("expected no wait for a different key, got %v", dur)
	}
	if l.Allow("igdb") {
		t.Error("expected igdb to be throttled after consuming its only token")
	}
}

func TestLimiter_PerKeyOverride(t *testing.T) {
	l := New(Config{
		DefaultRPS:   1,
		DefaultBurst: 1,
		PerKeyRPS:    map[string]float64{"fast": 0},
	})

	for i := 0; i < 5; i++ {
		if !l.Allow("fast") {
			t.Fatalf("unlimited key throttled on call %d", i)
		}
	}
	if !l.Allow("slow") {
		t.Fatal("first call should be allowed")
	}
	if l.Allow("slow") {
		t.Fatal("second call should be throttled at 1 rps")
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "igdb"); err != nil {
		t.Fatal(err)
	}
	err := l.Wait(ctx, "igdb")
	if err == nil {
		t.Fatal("expected wait to fail once the context expires")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancellation error: %v", err)
	}
}
