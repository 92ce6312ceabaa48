package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestRecovery(connection *ConnectionManager, settings *RecoverySettings) *RecoveryCoordinator {
	ctx := context.Background()
	return NewRecoveryCoordinator(
		ctx,
		connection,
		NewCircuitBreaker(),
		NewTaskManagerWithDefaults(ctx),
		settings,
	)
}

func TestRecoveryPriorityOrder(t *testing.T) {
	settings := DefaultRecoverySettings()
	// serial batches make the order observable
	settings.BatchSize = 1
	settings.MaxConcurrentBatches = 1
	recovery := newTestRecovery(nil, settings)
	defer recovery.Close()

	var orderLock sync.Mutex
	order := []string{}
	record := func(name string) RecoveryFunction {
		return func(ctx context.Context) error {
			orderLock.Lock()
			order = append(order, name)
			orderLock.Unlock()
			return nil
		}
	}

	recovery.Register("feed", RecoveryLow, record("feed"))
	recovery.Register("session", RecoveryCritical, record("session"))
	recovery.Register("notifications", RecoveryNormal, record("notifications"))
	recovery.Register("profile", RecoveryHigh, record("profile"))
	assert.Equal(t, recovery.EntryCount(), 4)

	recovery.RunRecovery(context.Background())

	orderLock.Lock()
	assert.Equal(t, order, []string{"session", "profile", "notifications", "feed"})
	orderLock.Unlock()

	metrics := recovery.Metrics()
	assert.Equal(t, metrics.Runs, 1)
	assert.Equal(t, metrics.Succeeded, 4)
	assert.Equal(t, metrics.Failed, 0)
}

func TestRecoveryPartialFailure(t *testing.T) {
	recovery := newTestRecovery(nil, DefaultRecoverySettings())
	defer recovery.Close()

	ran := 0
	var ranLock sync.Mutex
	recovery.Register("bad", RecoveryCritical, func(ctx context.Context) error {
		return errors.New("query failed")
	})
	recovery.Register("good", RecoveryNormal, func(ctx context.Context) error {
		ranLock.Lock()
		ran += 1
		ranLock.Unlock()
		return nil
	})

	recovery.RunRecovery(context.Background())

	// one failed query never blocks the rest
	ranLock.Lock()
	assert.Equal(t, ran, 1)
	ranLock.Unlock()
	metrics := recovery.Metrics()
	assert.Equal(t, metrics.Succeeded, 1)
	assert.Equal(t, metrics.Failed, 1)
}

func TestRecoveryDeregister(t *testing.T) {
	recovery := newTestRecovery(nil, DefaultRecoverySettings())
	defer recovery.Close()

	ran := false
	deregister := recovery.Register("feed", RecoveryNormal, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.Equal(t, recovery.EntryCount(), 1)

	deregister()
	assert.Equal(t, recovery.EntryCount(), 0)
	// deregister twice is safe
	deregister()

	recovery.RunRecovery(context.Background())
	assert.Equal(t, ran, false)
}

func TestRecoveryBoundedConcurrency(t *testing.T) {
	settings := DefaultRecoverySettings()
	settings.BatchSize = 1
	settings.MaxConcurrentBatches = 2
	recovery := newTestRecovery(nil, settings)
	defer recovery.Close()

	var stateLock sync.Mutex
	inFlight := 0
	maxInFlight := 0
	for i := 0; i < 8; i += 1 {
		recovery.Register("query", RecoveryNormal, func(ctx context.Context) error {
			stateLock.Lock()
			inFlight += 1
			if maxInFlight < inFlight {
				maxInFlight = inFlight
			}
			stateLock.Unlock()

			time.Sleep(20 * time.Millisecond)

			stateLock.Lock()
			inFlight -= 1
			stateLock.Unlock()
			return nil
		})
	}

	recovery.RunRecovery(context.Background())

	stateLock.Lock()
	assert.Equal(t, maxInFlight <= 2, true)
	assert.Equal(t, 1 <= maxInFlight, true)
	stateLock.Unlock()
}

func TestRecoveryQueryTimeout(t *testing.T) {
	settings := DefaultRecoverySettings()
	settings.QueryTimeout = 20 * time.Millisecond
	recovery := newTestRecovery(nil, settings)
	defer recovery.Close()

	recovery.Register("slow", RecoveryNormal, func(ctx context.Context) error {
		select {
		case <-time.After(time.Minute):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	start := time.Now()
	recovery.RunRecovery(context.Background())
	assert.Equal(t, time.Since(start) < 10*time.Second, true)
	assert.Equal(t, recovery.Metrics().Failed, 1)
}

func TestRecoveryRunsOnReconnect(t *testing.T) {
	dialer := newTestDialer()
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	recovery := newTestRecovery(connection, DefaultRecoverySettings())
	defer recovery.Close()

	runs := make(chan struct{}, 16)
	recovery.Register("feed", RecoveryNormal, func(ctx context.Context) error {
		runs <- struct{}{}
		return nil
	})

	err := connection.Connect(context.Background())
	assert.Equal(t, err, nil)

	select {
	case <-runs:
	case <-time.After(10 * time.Second):
		t.Fatal("recovery never ran after connect")
	}

	// a dropped transport triggers another run once the reconnect lands
	dialer.lastConn().lose()
	select {
	case <-runs:
	case <-time.After(10 * time.Second):
		t.Fatal("recovery never ran after reconnect")
	}
	assert.Equal(t, 2 <= recovery.Metrics().Runs, true)
}
