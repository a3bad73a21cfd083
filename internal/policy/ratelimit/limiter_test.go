package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 requests per second with burst 1 means one token every 100ms.
	l := New(Config{
		DefaultRPS:   10,
		DefaultBurst: 1,
	})
	ctx := context.Background()

	// Consume initial token
	if err := l.Wait(ctx, "https://test.com/a"); err != nil {
		t.Fatal(err)
	}

	// Next one should wait ~100ms
	start := time.Now()
	if err := l.Wait(ctx, "https://test.com/b"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_DifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{
		DefaultRPS:   1, // 1 RPS = 1s interval
		DefaultBurst: 1,
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.com/1"); err != nil {
		t.Fatal(err)
	}

	// Domain B should not be blocked by A
	start := time.Now()
	if err := l.Wait(ctx, "https://b.com/1"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("domain B blocked unexpectedly")
	}
}

func TestLimiter_ContextCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	if err := l.Wait(context.Background(), "https://slow.example"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "https://slow.example"); err == nil {
		t.Fatal("expected context error while waiting for a token")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background(), "https://fast.example"); err != nil {
			t.Fatal(err)
		}
	}
}
