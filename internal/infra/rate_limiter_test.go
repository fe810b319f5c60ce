package infra

import (
	"testing"
	"time"
)

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(3, 1)

	for i := 0; i < 3; i++ {
		if !rl.TryAcquire() {
			t.Fatalf("burst token %d denied", i)
		}
	}
	if rl.TryAcquire() {
		t.Error("token granted beyond burst")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(1, 20) // refills in 50ms

	if !rl.TryAcquire() {
		t.Fatal("initial token denied")
	}
	if rl.TryAcquire() {
		t.Fatal("empty bucket granted token")
	}

	time.Sleep(80 * time.Millisecond)
	if !rl.TryAcquire() {
		t.Error("token not refilled after interval")
	}
}

func TestSubscribeLimiter_Spacing(t *testing.T) {
	rl := NewSubscribeLimiter()
	rl.Wait() // burst token

	start := time.Now()
	rl.Wait()
	if gap := time.Since(start); gap < 150*time.Millisecond {
		t.Errorf("subscribe gap %s below required spacing", gap)
	}
}
