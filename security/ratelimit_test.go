package security

import (
	"fmt"
	"testing"
)

func newTestRateLimiter(t *testing.T, rps, burst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(rps, burst, testLogger())
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiterAllowWithinBurst(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst should be denied")
	}
}

func TestRateLimiterIndependentIdentifiers(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first identifier should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("first identifier should be exhausted")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("second identifier should have its own budget")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)
	rl.maxEntries = 3

	for i := 0; i < 3; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if got := rl.Size(); got != 3 {
		t.Fatalf("Size() = %d, want 3", got)
	}

	// Touch the oldest so it becomes most recently used.
	rl.Allow("10.0.0.0")

	rl.Allow("10.0.0.99")
	if got := rl.Size(); got != 3 {
		t.Fatalf("Size() after eviction = %d, want 3", got)
	}

	rl.mu.Lock()
	_, oldestKept := rl.limiters["10.0.0.0"]
	_, evicted := rl.limiters["10.0.0.1"]
	rl.mu.Unlock()

	if !oldestKept {
		t.Error("recently touched entry should survive eviction")
	}
	if evicted {
		t.Error("least recently used entry should have been evicted")
	}
}
