package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// in-memory transport. acks heartbeats and subscribes when configured, and
// can simulate transport loss by closing the receive channel.
type testConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock     sync.Mutex
	sent          []*Envelope
	ackHeartbeats bool
	ackSubscribes bool

	receive     chan *Envelope
	receiveOnce sync.Once
}

func newTestConn(ackHeartbeats bool, ackSubscribes bool) *testConn {
	cancelCtx, cancel := context.WithCancel(context.Background())
	return &testConn{
		ctx:           cancelCtx,
		cancel:        cancel,
		ackHeartbeats: ackHeartbeats,
		ackSubscribes: ackSubscribes,
		receive:       make(chan *Envelope, 64),
	}
}

func (self *testConn) Send(env *Envelope, timeout time.Duration) error {
	select {
	case <-self.ctx.Done():
		return context.Canceled
	default:
	}

	self.stateLock.Lock()
	self.sent = append(self.sent, env)
	ackHeartbeats := self.ackHeartbeats
	ackSubscribes := self.ackSubscribes
	self.stateLock.Unlock()

	switch env.Type {
	case envHeartbeat:
		if ackHeartbeats {
			self.push(&Envelope{
				Type: envHeartbeatAck,
				Ref:  env.Ref,
			})
		}
	case envSubscribe:
		if ackSubscribes {
			self.push(&Envelope{
				Type:  envSubscribed,
				Ref:   env.Ref,
				Topic: env.Topic,
			})
		}
	}
	return nil
}

func (self *testConn) push(env *Envelope) {
	select {
	case self.receive <- env:
	case <-self.ctx.Done():
	}
}

func (self *testConn) sentByType(envType string) []*Envelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := []*Envelope{}
	for _, env := range self.sent {
		if env.Type == envType {
			out = append(out, env)
		}
	}
	return out
}

func (self *testConn) setAckHeartbeats(ack bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.ackHeartbeats = ack
}

func (self *testConn) Receive() <-chan *Envelope {
	return self.receive
}

func (self *testConn) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *testConn) Close() {
	self.cancel()
}

// ends the transport the way a dropped socket does
func (self *testConn) lose() {
	self.receiveOnce.Do(func() {
		close(self.receive)
	})
}

type testDialer struct {
	stateLock     sync.Mutex
	dials         int
	failNext      int
	ackHeartbeats bool
	ackSubscribes bool
	conns         []*testConn

	// when set, dials block here until it is closed
	gate chan struct{}
}

func newTestDialer() *testDialer {
	return &testDialer{
		ackHeartbeats: true,
		ackSubscribes: true,
	}
}

func (self *testDialer) dial(ctx context.Context, platformUrl string, auth *ClientAuth, settings *TransportSettings) (Conn, error) {
	self.stateLock.Lock()
	self.dials += 1
	fail := 0 < self.failNext
	if fail {
		self.failNext -= 1
	}
	gate := self.gate
	self.stateLock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("dial refused")
	}

	self.stateLock.Lock()
	conn := newTestConn(self.ackHeartbeats, self.ackSubscribes)
	self.conns = append(self.conns, conn)
	self.stateLock.Unlock()
	return conn, nil
}

func (self *testDialer) dialCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dials
}

func (self *testDialer) lastConn() *testConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.conns) == 0 {
		return nil
	}
	return self.conns[len(self.conns)-1]
}

func testConnectionSettings(dialer *testDialer) *ConnectionSettings {
	settings := DefaultConnectionSettings("ws://test")
	settings.Dial = dialer.dial
	settings.HandshakeTimeout = 2 * time.Second
	settings.HeartbeatInterval = time.Hour
	settings.ReconnectBackoff = BackoffPolicy{
		BaseDelay:   20 * time.Millisecond,
		Multiplier:  1.5,
		MaxDelay:    100 * time.Millisecond,
		MaxAttempts: 10,
	}
	// keep breaker interference out of tests that are not about the breaker
	settings.HandshakeBreaker = BreakerPreset{
		FailureThreshold: 1000,
		Cooldown:         time.Hour,
	}
	settings.HeartbeatBreaker = BreakerPreset{
		FailureThreshold: 1000,
		Cooldown:         time.Hour,
	}
	return settings
}

func newTestConnection(dialer *testDialer, settings *ConnectionSettings) *ConnectionManager {
	ctx := context.Background()
	connection := NewConnectionManager(
		ctx,
		NewCircuitBreaker(),
		NewTaskManagerWithDefaults(ctx),
		settings,
	)
	connection.SetAuth(&ClientAuth{
		Token:      "test-token",
		InstanceId: NewId(),
	})
	return connection
}

func waitForState(t *testing.T, connection *ConnectionManager, state ConnectionState) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := connection.WaitForState(ctx, state); err != nil {
		t.Fatalf("never reached %s, at %s", state, connection.GetStatus().State)
	}
}

func TestConnectNoAuth(t *testing.T) {
	dialer := newTestDialer()
	connection := NewConnectionManager(
		context.Background(),
		NewCircuitBreaker(),
		NewTaskManagerWithDefaults(context.Background()),
		testConnectionSettings(dialer),
	)
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.Equal(t, err, ErrNoAuth)
	assert.Equal(t, dialer.dialCount(), 0)
}

func TestConnectSuccess(t *testing.T) {
	dialer := newTestDialer()
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.Equal(t, err, nil)

	status := connection.GetStatus()
	assert.Equal(t, status.State, ConnectionStateConnected)
	assert.Equal(t, status.ReconnectAttempts, 0)
	assert.Equal(t, status.LastError, nil)
	assert.Equal(t, status.ConnectionStartedAt.IsZero(), false)
	assert.Equal(t, dialer.dialCount(), 1)

	// idempotent while connected
	err = connection.Connect(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, dialer.dialCount(), 1)
}

func TestConnectSharedAttempt(t *testing.T) {
	dialer := newTestDialer()
	dialer.gate = make(chan struct{})
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	n := 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i += 1 {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = connection.Connect(context.Background())
		}()
	}

	// let the callers pile onto the in-flight handshake
	time.Sleep(100 * time.Millisecond)
	close(dialer.gate)
	wg.Wait()

	for i := 0; i < n; i += 1 {
		assert.Equal(t, errs[i], nil)
	}
	// one handshake served every caller
	assert.Equal(t, dialer.dialCount(), 1)
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	dialer := newTestDialer()
	dialer.failNext = 2
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.NotEqual(t, err, nil)

	status := connection.GetStatus()
	assert.Equal(t, status.State, ConnectionStateError)
	assert.Equal(t, status.ReconnectAttempts, 1)

	// the scheduled retries run without another explicit call
	waitForState(t, connection, ConnectionStateConnected)
	assert.Equal(t, connection.GetStatus().ReconnectAttempts, 0)
	assert.Equal(t, 3 <= dialer.dialCount(), true)
}

func TestFirstRetryWaitsBaseDelay(t *testing.T) {
	dialer := newTestDialer()
	dialer.failNext = 1
	settings := testConnectionSettings(dialer)
	settings.ReconnectBackoff = BackoffPolicy{
		BaseDelay:   300 * time.Millisecond,
		Multiplier:  4.0,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 10,
	}
	connection := newTestConnection(dialer, settings)
	defer connection.Close()

	start := time.Now()
	err := connection.Connect(context.Background())
	assert.NotEqual(t, err, nil)

	waitForState(t, connection, ConnectionStateConnected)
	elapsed := time.Since(start)

	// the retry after the first failed handshake waits the base delay,
	// not base times multiplier
	assert.Equal(t, 250*time.Millisecond <= elapsed, true)
	assert.Equal(t, elapsed < 1100*time.Millisecond, true)
	assert.Equal(t, dialer.dialCount(), 2)
}

func TestConnectAttemptsExhausted(t *testing.T) {
	dialer := newTestDialer()
	dialer.failNext = 1000
	settings := testConnectionSettings(dialer)
	settings.ReconnectBackoff.MaxAttempts = 2
	connection := newTestConnection(dialer, settings)
	defer connection.Close()

	connection.Connect(context.Background())

	// wait for the attempt budget to run out
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status := connection.GetStatus()
		if status.State == ConnectionStateError && status.ReconnectAttempts == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, connection.GetStatus().ReconnectAttempts, 2)

	err := connection.Connect(context.Background())
	assert.Equal(t, err, ErrMaxReconnectAttempts)
	dials := dialer.dialCount()
	assert.Equal(t, dials, 2)

	// the manual escape hatch resets the budget
	dialer.stateLock.Lock()
	dialer.failNext = 0
	dialer.stateLock.Unlock()
	err = connection.ForceReconnect(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, connection.GetStatus().State, ConnectionStateConnected)
	assert.Equal(t, connection.GetStatus().ReconnectAttempts, 0)
}

func TestHeartbeatAck(t *testing.T) {
	dialer := newTestDialer()
	settings := testConnectionSettings(dialer)
	settings.HeartbeatInterval = 20 * time.Millisecond
	settings.HeartbeatTimeout = time.Second
	connection := newTestConnection(dialer, settings)
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.Equal(t, err, nil)

	// several heartbeat rounds pass without a state change
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if 3 <= len(dialer.lastConn().sentByType(envHeartbeat)) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 3 <= len(dialer.lastConn().sentByType(envHeartbeat)), true)
	assert.Equal(t, connection.GetStatus().State, ConnectionStateConnected)
	assert.Equal(t, dialer.dialCount(), 1)
}

func TestHeartbeatLossReconnects(t *testing.T) {
	dialer := newTestDialer()
	settings := testConnectionSettings(dialer)
	settings.HeartbeatInterval = 20 * time.Millisecond
	settings.HeartbeatTimeout = 20 * time.Millisecond
	settings.HeartbeatFailureThreshold = 3
	connection := newTestConnection(dialer, settings)
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.Equal(t, err, nil)
	first := dialer.lastConn()

	// acks stop; after the miss threshold the manager reconnects on its own
	first.setAckHeartbeats(false)
	waitForState(t, connection, ConnectionStateDisconnected)
	waitForState(t, connection, ConnectionStateConnected)
	assert.Equal(t, 2 <= dialer.dialCount(), true)
}

func TestTransportLossReconnects(t *testing.T) {
	dialer := newTestDialer()
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.Equal(t, err, nil)

	dialer.lastConn().lose()
	waitForState(t, connection, ConnectionStateConnected)
	assert.Equal(t, 2 <= dialer.dialCount(), true)
}

func TestSendNotConnected(t *testing.T) {
	dialer := newTestDialer()
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	env := &Envelope{Type: envHeartbeat}
	err := connection.Send(env)
	assert.Equal(t, err, ErrNotConnected)
}

func TestSuspendResume(t *testing.T) {
	dialer := newTestDialer()
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.Equal(t, err, nil)

	connection.Suspend()
	assert.Equal(t, connection.GetStatus().State, ConnectionStateSuspended)

	// the transport survived, so resume skips the handshake
	err = connection.Resume(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, connection.GetStatus().State, ConnectionStateConnected)
	assert.Equal(t, dialer.dialCount(), 1)
}

func TestVisibilityDrivesSuspend(t *testing.T) {
	dialer := newTestDialer()
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.Equal(t, err, nil)

	connection.SetVisible(false)
	assert.Equal(t, connection.GetStatus().State, ConnectionStateSuspended)
	assert.Equal(t, connection.GetStatus().IsVisible, false)

	connection.SetVisible(true)
	waitForState(t, connection, ConnectionStateConnected)
	assert.Equal(t, connection.GetStatus().IsVisible, true)
}

func TestDisconnectStaysDown(t *testing.T) {
	dialer := newTestDialer()
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.Equal(t, err, nil)

	connection.Disconnect()
	assert.Equal(t, connection.GetStatus().State, ConnectionStateDisconnected)

	// no automatic reconnect after an explicit disconnect
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, dialer.dialCount(), 1)
	assert.Equal(t, connection.GetStatus().State, ConnectionStateDisconnected)
}

func TestResetClearsAuth(t *testing.T) {
	dialer := newTestDialer()
	connection := newTestConnection(dialer, testConnectionSettings(dialer))
	defer connection.Close()

	err := connection.Connect(context.Background())
	assert.Equal(t, err, nil)

	connection.Reset()
	assert.Equal(t, connection.GetStatus().State, ConnectionStateDisconnected)
	assert.Equal(t, connection.GetStatus().ReconnectAttempts, 0)

	err = connection.Connect(context.Background())
	assert.Equal(t, err, ErrNoAuth)
}
