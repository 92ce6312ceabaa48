package livesync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// fast-fail distinct from a timeout: "don't bother retrying yet"
var ErrCircuitOpen = errors.New("circuit open")

type BreakerStatus int

const (
	BreakerClosed BreakerStatus = iota
	BreakerOpen
	BreakerHalfOpen
)

func (self BreakerStatus) String() string {
	switch self {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type BreakerPreset struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// short threshold/cooldown for chatty probes like heartbeats
func FastBreakerPreset() BreakerPreset {
	return BreakerPreset{
		FailureThreshold: 3,
		Cooldown:         5 * time.Second,
	}
}

// for expensive operations like full reconnects
func PatientBreakerPreset() BreakerPreset {
	return BreakerPreset{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

type BreakerMetrics struct {
	Opens      int
	Closes     int
	Rejections int
	Trials     int
}

type breakerState struct {
	preset BreakerPreset

	status              BreakerStatus
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	metrics BreakerMetrics
}

// tracks consecutive failures per named operation and short-circuits calls
// once the threshold is crossed, recovering after a cooldown with a single
// half-open trial.
type CircuitBreaker struct {
	stateLock  sync.Mutex
	operations map[string]*breakerState

	// test hook
	now func() time.Time
}

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		operations: map[string]*breakerState{},
		now:        time.Now,
	}
}

// must be called inside the state lock
func (self *CircuitBreaker) operation(name string, preset BreakerPreset) *breakerState {
	state, ok := self.operations[name]
	if !ok {
		state = &breakerState{
			preset: preset,
			status: BreakerClosed,
		}
		self.operations[name] = state
	}
	return state
}

// decides whether a call may proceed, and whether it is a half-open trial
func (self *CircuitBreaker) admit(name string, preset BreakerPreset) (allowed bool, trial bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state := self.operation(name, preset)
	switch state.status {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if self.now().Sub(state.openedAt) < state.preset.Cooldown {
			state.metrics.Rejections += 1
			return false, false
		}
		state.status = BreakerHalfOpen
		state.trialInFlight = true
		state.metrics.Trials += 1
		glog.V(1).Infof("[cb]%s half-open\n", name)
		return true, true
	case BreakerHalfOpen:
		if state.trialInFlight {
			state.metrics.Rejections += 1
			return false, false
		}
		state.trialInFlight = true
		state.metrics.Trials += 1
		return true, true
	default:
		return false, false
	}
}

func (self *CircuitBreaker) recordSuccess(name string, trial bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.operations[name]
	if !ok {
		return
	}
	if trial {
		state.trialInFlight = false
	}
	if state.status != BreakerClosed {
		state.metrics.Closes += 1
		glog.V(1).Infof("[cb]%s closed\n", name)
	}
	state.status = BreakerClosed
	state.consecutiveFailures = 0
}

func (self *CircuitBreaker) recordFailure(name string, trial bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, ok := self.operations[name]
	if !ok {
		return
	}
	if trial {
		// the trial failed. cooldown restarts.
		state.trialInFlight = false
		state.status = BreakerOpen
		state.openedAt = self.now()
		state.metrics.Opens += 1
		glog.Infof("[cb]%s reopened\n", name)
		return
	}
	state.consecutiveFailures += 1
	if state.preset.FailureThreshold <= state.consecutiveFailures && state.status == BreakerClosed {
		state.status = BreakerOpen
		state.openedAt = self.now()
		state.metrics.Opens += 1
		glog.Infof("[cb]%s opened after %d consecutive failures\n", name, state.consecutiveFailures)
	}
}

// wraps `op` with the breaker for `name`. when open, returns `ErrCircuitOpen`
// without invoking `op`.
func (self *CircuitBreaker) Execute(name string, preset BreakerPreset, op func() error) error {
	return self.ExecuteWithFallback(name, preset, op, nil)
}

// like `Execute` but invokes `fallback` instead of failing fast when open
func (self *CircuitBreaker) ExecuteWithFallback(name string, preset BreakerPreset, op func() error, fallback func() error) error {
	allowed, trial := self.admit(name, preset)
	if !allowed {
		if fallback != nil {
			return fallback()
		}
		return fmt.Errorf("%s: %w", name, ErrCircuitOpen)
	}

	err := op()
	if err != nil {
		self.recordFailure(name, trial)
		return err
	}
	self.recordSuccess(name, trial)
	return nil
}

func (self *CircuitBreaker) Status(name string) BreakerStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	state, ok := self.operations[name]
	if !ok {
		return BreakerClosed
	}
	return state.status
}

func (self *CircuitBreaker) Metrics(name string) BreakerMetrics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	state, ok := self.operations[name]
	if !ok {
		return BreakerMetrics{}
	}
	return state.metrics
}

func (self *CircuitBreaker) Reset(name string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.operations, name)
}
