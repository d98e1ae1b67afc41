package gateway

import "testing"

func TestRateLimiterAllowsUpToBurst(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < webhookRateBurst; i++ {
		if !rl.Allow("endpoint-a") {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	if rl.Allow("endpoint-a") {
		t.Fatal("request beyond burst should be rejected")
	}
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < webhookRateBurst; i++ {
		rl.Allow("endpoint-a")
	}
	if !rl.Allow("endpoint-b") {
		t.Fatal("a different key should have its own independent budget")
	}
}
