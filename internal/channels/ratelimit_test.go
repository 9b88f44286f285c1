package channels

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_AllowsUpToCapacity(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("expected token %d to be available", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected capacity to be exhausted")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(1000, 1)
	if !rl.Allow() {
		t.Fatalf("expected initial token")
	}
	time.Sleep(5 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("expected token to refill after waiting")
	}
}

func TestRateLimiter_WaitRespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	rl.Allow() // drain the only token
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatalf("expected Wait to respect context cancellation")
	}
}
