package livesync

import (
	"math"
	mathrand "math/rand"
	"time"
)

// one backoff policy value shared by the connection, session refresh, and
// recovery layers so retry semantics stay consistent everywhere
type BackoffPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	// fraction of the delay added as random jitter. 0 disables jitter.
	Jitter float64
}

func DefaultReconnectBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:   5 * time.Second,
		Multiplier:  1.5,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

func DefaultRefreshBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:   5 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
	}
}

// delay before attempt `attempt`, zero-indexed.
// non-decreasing in `attempt` and never exceeds `MaxDelay`.
func (self BackoffPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(self.BaseDelay) * math.Pow(self.Multiplier, float64(attempt))
	delay = math.Min(delay, float64(self.MaxDelay))
	if 0 < self.Jitter {
		delay += mathrand.Float64() * self.Jitter * delay
		delay = math.Min(delay, float64(self.MaxDelay))
	}
	return time.Duration(delay)
}

func (self BackoffPolicy) Exhausted(attempt int) bool {
	return self.MaxAttempts <= attempt
}

// a minimum wait between attempts of a retried operation.
// create at the start of the attempt. `After` accounts for the time
// the attempt itself took.
type Reconnect struct {
	timeout   time.Duration
	startTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout:   timeout,
		startTime: time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.startTime)
	return time.After(remaining)
}
