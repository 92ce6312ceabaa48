package livesync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBackoffDelays(t *testing.T) {
	policy := DefaultReconnectBackoff()

	assert.Equal(t, policy.DelayForAttempt(0), 5*time.Second)
	assert.Equal(t, policy.DelayForAttempt(1), 7500*time.Millisecond)

	// without jitter the sequence never decreases and never exceeds the cap
	previous := time.Duration(0)
	for attempt := 0; attempt < 20; attempt += 1 {
		delay := policy.DelayForAttempt(attempt)
		assert.Equal(t, previous <= delay, true)
		assert.Equal(t, delay <= policy.MaxDelay, true)
		previous = delay
	}
	assert.Equal(t, policy.DelayForAttempt(19), 30*time.Second)

	// negative attempts clamp to the base
	assert.Equal(t, policy.DelayForAttempt(-1), 5*time.Second)
}

func TestBackoffJitterCap(t *testing.T) {
	policy := BackoffPolicy{
		BaseDelay:   1 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    8 * time.Second,
		MaxAttempts: 10,
		Jitter:      0.5,
	}
	for attempt := 0; attempt < 20; attempt += 1 {
		delay := policy.DelayForAttempt(attempt)
		assert.Equal(t, delay <= policy.MaxDelay, true)
		assert.Equal(t, 1*time.Second <= delay, true)
	}
}

func TestBackoffExhausted(t *testing.T) {
	policy := DefaultRefreshBackoff()

	assert.Equal(t, policy.Exhausted(0), false)
	assert.Equal(t, policy.Exhausted(2), false)
	assert.Equal(t, policy.Exhausted(3), true)
	assert.Equal(t, policy.Exhausted(4), true)
}

func TestReconnectAfter(t *testing.T) {
	reconnect := NewReconnect(50 * time.Millisecond)

	start := time.Now()
	select {
	case <-reconnect.After():
	case <-time.After(1 * time.Second):
		t.Fatal("reconnect never fired")
	}
	elapsed := time.Since(start)
	assert.Equal(t, elapsed < 1*time.Second, true)

	// the attempt duration counts against the wait
	reconnect = NewReconnect(10 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-reconnect.After():
	case <-time.After(1 * time.Second):
		t.Fatal("elapsed reconnect never fired")
	}
}
