package resilience

import (
	"math"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds the attempts made for one operation kind.
type RetryPolicy struct {
	// MaxAttempts counts the first try; 1 disables retries.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter stretches each delay by a random factor in [1, 1+Jitter).
	Jitter float64
}

// DefaultReadPolicy allows three attempts in total.
func DefaultReadPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Second, Jitter: 0.2}
}

// DefaultWritePolicy allows two attempts in total.
func DefaultWritePolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseDelay: 50 * time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before retry number retry (0-based), given a
// uniform random sample in [0, 1).
func (p RetryPolicy) Delay(retry int, sample float64) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(retry))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*sample
	}
	return time.Duration(delay)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backoff adapts the policy to go-retry. It stops once the attempt
// budget is spent.
func (p RetryPolicy) backoff(random func() float64) retry.Backoff {
	var (
		mu      sync.Mutex
		retries int
	)
	limit := p.attempts() - 1
	return retry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		if retries >= limit {
			return 0, true
		}
		d := p.Delay(retries, random())
		retries++
		return d, false
	})
}
