package security

import (
	"fmt"
	"testing"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("203.0.113.1") {
		t.Error("second request should be within burst")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("third request should exceed burst")
	}

	// A different identifier has its own bucket.
	if !rl.Allow("203.0.113.2") {
		t.Error("unrelated identifier should be allowed")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := NewRateLimiterWithCap(10, 10, 3, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("ip-%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries != 3 {
		t.Errorf("CurrentEntries = %d, want 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("TotalEvictions = %d, want 2", stats.TotalEvictions)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Cleanup(0)

	if got := rl.GetStats().CurrentEntries; got != 0 {
		t.Errorf("entries after cleanup = %d, want 0", got)
	}
}
