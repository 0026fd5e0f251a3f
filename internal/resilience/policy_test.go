package resilience

import (
	"testing"
	"time"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i, 0); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestDelayJitterStaysInRange(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	low := p.Delay(0, 0)
	high := p.Delay(0, 0.999)
	if low != 100*time.Millisecond {
		t.Fatalf("low = %v", low)
	}
	if high < low || high >= 150*time.Millisecond {
		t.Fatalf("high = %v, want in [100ms, 150ms)", high)
	}
}

func TestBackoffStopsAfterBudget(t *testing.T) {
	b := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1}.backoff(func() float64 { return 0 })
	for i := 0; i < 2; i++ {
		if _, stop := b.Next(); stop {
			t.Fatalf("retry %d stopped early", i)
		}
	}
	if _, stop := b.Next(); !stop {
		t.Fatal("expected stop after two retries")
	}
}

func TestBackoffSingleAttempt(t *testing.T) {
	b := RetryPolicy{}.backoff(func() float64 { return 0 })
	if _, stop := b.Next(); !stop {
		t.Fatal("zero policy must not retry")
	}
}
