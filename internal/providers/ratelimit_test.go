package providers

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterConsumesTokens(t *testing.T) {
	rl := NewRateLimiter(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	status := rl.Status()
	if status.TotalConsumed != 2 {
		t.Errorf("TotalConsumed = %d, want 2", status.TotalConsumed)
	}
	if status.TokensAvailable != 0 {
		t.Errorf("TokensAvailable = %d, want 0", status.TokensAvailable)
	}

	// The bucket is empty and refills at one token per 30s.
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("expected Wait to block until context deadline")
	}
}

func TestRateLimiterRecord429Pauses(t *testing.T) {
	rl := NewRateLimiter(6000)
	rl.Record429(50 * time.Millisecond)

	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait returned after %v, expected to honor retry-after", elapsed)
	}
	if rl.Status().Last429Time.IsZero() {
		t.Error("expected Last429Time to be recorded")
	}
}
