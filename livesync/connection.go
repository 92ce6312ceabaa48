package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrNotConnected = errors.New("not connected")
var ErrNoAuth = errors.New("no client auth set")
var ErrMaxReconnectAttempts = errors.New("max reconnect attempts exhausted")

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateSuspended    ConnectionState = "suspended"
	ConnectionStateError        ConnectionState = "error"
)

type ConnectionStatus struct {
	State             ConnectionState
	ReconnectAttempts int
	LastError         error
	IsVisible         bool
	// zero unless state is connected or suspended
	ConnectionStartedAt time.Time
}

type ConnectionStateFunction func(status ConnectionStatus)
type EnvelopeFunction func(env *Envelope)

type ConnectionSettings struct {
	PlatformUrl string
	AppVersion  string

	HandshakeTimeout          time.Duration
	HeartbeatInterval         time.Duration
	HeartbeatTimeout          time.Duration
	HeartbeatFailureThreshold int
	SendTimeout               time.Duration

	ReconnectBackoff BackoffPolicy
	HandshakeBreaker BreakerPreset
	HeartbeatBreaker BreakerPreset

	Transport *TransportSettings
	Dial      DialFunc
}

func DefaultConnectionSettings(platformUrl string) *ConnectionSettings {
	return &ConnectionSettings{
		PlatformUrl:               platformUrl,
		HandshakeTimeout:          10 * time.Second,
		HeartbeatInterval:         10 * time.Second,
		HeartbeatTimeout:          3 * time.Second,
		HeartbeatFailureThreshold: 3,
		SendTimeout:               5 * time.Second,
		ReconnectBackoff:          DefaultReconnectBackoff(),
		HandshakeBreaker:          PatientBreakerPreset(),
		HeartbeatBreaker:          FastBreakerPreset(),
		Transport:                 DefaultTransportSettings(),
		Dial:                      DialPlatform,
	}
}

// single source of truth for whether the realtime transport is usable, and
// the only component permitted to open or close it. callers never see raw
// transport errors, only state transitions.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ConnectionSettings
	breaker  *CircuitBreaker
	tasks    *TaskManager

	stateLock           sync.Mutex
	auth                *ClientAuth
	state               ConnectionState
	reconnectAttempts   int
	lastError           error
	isVisible           bool
	connectionStartedAt time.Time
	conn                Conn
	connGeneration      int
	connectDone         chan struct{}
	connectErr          error
	reconnectTimer      *time.Timer

	ackLock     sync.Mutex
	pendingAcks map[string]chan struct{}

	stateCallbacks    *CallbackList[ConnectionStateFunction]
	envelopeCallbacks *CallbackList[EnvelopeFunction]
	stateMonitor      *Monitor
}

func NewConnectionManagerWithDefaults(ctx context.Context, platformUrl string) *ConnectionManager {
	return NewConnectionManager(
		ctx,
		NewCircuitBreaker(),
		NewTaskManagerWithDefaults(ctx),
		DefaultConnectionSettings(platformUrl),
	)
}

func NewConnectionManager(
	ctx context.Context,
	breaker *CircuitBreaker,
	tasks *TaskManager,
	settings *ConnectionSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:               cancelCtx,
		cancel:            cancel,
		settings:          settings,
		breaker:           breaker,
		tasks:             tasks,
		state:             ConnectionStateDisconnected,
		isVisible:         true,
		pendingAcks:       map[string]chan struct{}{},
		stateCallbacks:    NewCallbackList[ConnectionStateFunction](),
		envelopeCallbacks: NewCallbackList[EnvelopeFunction](),
		stateMonitor:      NewMonitor(),
	}
}

func (self *ConnectionManager) SetAuth(auth *ClientAuth) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.auth = auth
}

func (self *ConnectionManager) GetStatus() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.statusLocked()
}

// must be called inside the state lock
func (self *ConnectionManager) statusLocked() ConnectionStatus {
	return ConnectionStatus{
		State:               self.state,
		ReconnectAttempts:   self.reconnectAttempts,
		LastError:           self.lastError,
		IsVisible:           self.isVisible,
		ConnectionStartedAt: self.connectionStartedAt,
	}
}

func (self *ConnectionManager) Subscribe(callback ConnectionStateFunction) Unsubscribe {
	return self.stateCallbacks.Add(callback)
}

// fan-out of non-heartbeat envelopes from the transport.
// the realtime layer registers here.
func (self *ConnectionManager) AddEnvelopeCallback(callback EnvelopeFunction) Unsubscribe {
	return self.envelopeCallbacks.Add(callback)
}

// must be called inside the state lock
func (self *ConnectionManager) setStateLocked(state ConnectionState, reason string) {
	if self.state == state {
		return
	}
	glog.Infof("[conn]%s -> %s (%s)\n", self.state, state, reason)
	self.state = state
	if state != ConnectionStateConnected && state != ConnectionStateSuspended {
		self.connectionStartedAt = time.Time{}
	}
	status := self.statusLocked()
	self.stateMonitor.NotifyAll()
	callbacks := self.stateCallbacks.Get()
	go func() {
		for _, callback := range callbacks {
			callback := callback
			safeCallback("conn", func() {
				callback(status)
			})
		}
	}()
}

// blocks until the manager reaches `state` or the context ends
func (self *ConnectionManager) WaitForState(ctx context.Context, state ConnectionState) error {
	for {
		notify := self.stateMonitor.NotifyChannel()
		if self.GetStatus().State == state {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// idempotent. a call while already connecting joins the in-flight handshake
// attempt; all callers resolve against that same attempt.
func (self *ConnectionManager) Connect(ctx context.Context) error {
	self.stateLock.Lock()
	if self.auth == nil {
		self.stateLock.Unlock()
		return ErrNoAuth
	}
	switch self.state {
	case ConnectionStateConnected, ConnectionStateSuspended:
		self.stateLock.Unlock()
		return nil
	case ConnectionStateError:
		if self.settings.ReconnectBackoff.Exhausted(self.reconnectAttempts) {
			// stays in error until an explicit ForceReconnect
			self.stateLock.Unlock()
			return ErrMaxReconnectAttempts
		}
	}
	if self.connectDone != nil {
		done := self.connectDone
		self.stateLock.Unlock()
		select {
		case <-done:
			self.stateLock.Lock()
			err := self.connectErr
			self.stateLock.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	self.clearReconnectTimerLocked()
	self.setStateLocked(ConnectionStateConnecting, "connect")
	done := make(chan struct{})
	self.connectDone = done
	auth := self.auth
	self.stateLock.Unlock()

	var conn Conn
	err := self.breaker.Execute("connection-handshake", self.settings.HandshakeBreaker, func() error {
		c, err := RunWithTimeout(self.tasks, "connection-handshake", self.settings.HandshakeTimeout, func(ctx context.Context) (Conn, error) {
			return self.settings.Dial(ctx, self.settings.PlatformUrl, auth, self.settings.Transport)
		})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})

	self.stateLock.Lock()
	self.connectDone = nil
	self.connectErr = err
	if err != nil {
		self.lastError = err
		self.reconnectAttempts += 1
		if self.settings.ReconnectBackoff.Exhausted(self.reconnectAttempts) {
			self.lastError = ErrMaxReconnectAttempts
			self.setStateLocked(ConnectionStateError, "reconnect attempts exhausted")
		} else {
			self.setStateLocked(ConnectionStateError, fmt.Sprintf("handshake failed: %s", err))
			self.scheduleReconnectLocked()
		}
		self.stateLock.Unlock()
		close(done)
		return err
	}

	self.conn = conn
	self.connGeneration += 1
	generation := self.connGeneration
	self.reconnectAttempts = 0
	self.lastError = nil
	self.connectionStartedAt = time.Now()
	self.setStateLocked(ConnectionStateConnected, "handshake ok")
	self.stateLock.Unlock()
	close(done)

	go self.readLoop(conn, generation)
	go self.heartbeatLoop(conn, generation)
	return nil
}

// must be called inside the state lock.
// schedules the next automatic connect without consuming an attempt; failed
// handshakes are what count against the attempt budget. the delay index lags
// the attempt count by one so the first retry waits the base delay on both
// the failed-handshake path (attempts already incremented) and the
// connection-loss path (attempts still zero).
func (self *ConnectionManager) scheduleReconnectLocked() {
	delay := self.settings.ReconnectBackoff.DelayForAttempt(self.reconnectAttempts - 1)
	glog.Infof("[conn]reconnect in %s (attempt %d)\n", delay, self.reconnectAttempts)
	self.reconnectTimer = time.AfterFunc(delay, func() {
		self.Connect(self.ctx)
	})
}

// must be called inside the state lock
func (self *ConnectionManager) clearReconnectTimerLocked() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

func (self *ConnectionManager) readLoop(conn Conn, generation int) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case env, ok := <-conn.Receive():
			if !ok {
				self.handleConnectionLoss(generation, "transport closed")
				return
			}
			if env.Type == envHeartbeatAck {
				self.resolveAck(env.Ref)
				continue
			}
			for _, callback := range self.envelopeCallbacks.Get() {
				callback := callback
				safeCallback("conn", func() {
					callback(env)
				})
			}
		}
	}
}

func (self *ConnectionManager) heartbeatLoop(conn Conn, generation int) {
	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-conn.Done():
			self.handleConnectionLoss(generation, "transport closed")
			return
		case <-ticker.C:
			self.stateLock.Lock()
			state := self.state
			stale := self.connGeneration != generation
			self.stateLock.Unlock()
			if stale {
				return
			}
			if state == ConnectionStateSuspended {
				// backgrounded. probes resume with visibility.
				continue
			}
			if state != ConnectionStateConnected {
				return
			}

			err := self.breaker.Execute("connection-heartbeat", self.settings.HeartbeatBreaker, func() error {
				return self.heartbeat(conn)
			})
			if err == nil {
				misses = 0
				continue
			}
			misses += 1
			glog.Infof("[conn]heartbeat miss %d/%d = %s\n", misses, self.settings.HeartbeatFailureThreshold, err)
			if self.settings.HeartbeatFailureThreshold <= misses {
				self.handleConnectionLoss(generation, "heartbeat failures")
				return
			}
		}
	}
}

func (self *ConnectionManager) heartbeat(conn Conn) error {
	ref := NewId().String()
	ack := make(chan struct{}, 1)

	self.ackLock.Lock()
	self.pendingAcks[ref] = ack
	self.ackLock.Unlock()
	defer func() {
		self.ackLock.Lock()
		delete(self.pendingAcks, ref)
		self.ackLock.Unlock()
	}()

	env := &Envelope{
		Type: envHeartbeat,
		Ref:  ref,
	}
	if err := conn.Send(env, self.settings.HeartbeatTimeout); err != nil {
		return err
	}
	return self.tasks.Run("connection-heartbeat", self.settings.HeartbeatTimeout, func(ctx context.Context) error {
		select {
		case <-ack:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (self *ConnectionManager) resolveAck(ref string) {
	self.ackLock.Lock()
	ack, ok := self.pendingAcks[ref]
	if ok {
		delete(self.pendingAcks, ref)
	}
	self.ackLock.Unlock()
	if ok {
		select {
		case ack <- struct{}{}:
		default:
		}
	}
}

func (self *ConnectionManager) handleConnectionLoss(generation int, reason string) {
	self.stateLock.Lock()
	if self.connGeneration != generation {
		self.stateLock.Unlock()
		return
	}
	conn := self.conn
	self.conn = nil
	self.lastError = fmt.Errorf("connection lost: %s", reason)
	switch self.state {
	case ConnectionStateConnected:
		self.setStateLocked(ConnectionStateDisconnected, reason)
		self.scheduleReconnectLocked()
	case ConnectionStateSuspended:
		// keep suspended. resume reconnects.
	default:
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// tears down the transport and stops all timers. does not clear realtime
// subscriptions; those are owned by the realtime layer.
func (self *ConnectionManager) Disconnect() {
	self.stateLock.Lock()
	self.clearReconnectTimerLocked()
	self.connGeneration += 1
	conn := self.conn
	self.conn = nil
	self.setStateLocked(ConnectionStateDisconnected, "disconnect")
	self.stateLock.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// lightweight pause for backgrounding. the transport is kept open so a brief
// hide/show cycle avoids a full handshake.
func (self *ConnectionManager) Suspend() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != ConnectionStateConnected {
		return
	}
	self.setStateLocked(ConnectionStateSuspended, "suspend")
}

func (self *ConnectionManager) Resume(ctx context.Context) error {
	self.stateLock.Lock()
	if self.state != ConnectionStateSuspended {
		self.stateLock.Unlock()
		return nil
	}
	if self.conn != nil {
		// transport survived the background period
		self.setStateLocked(ConnectionStateConnected, "resume")
		self.stateLock.Unlock()
		return nil
	}
	self.setStateLocked(ConnectionStateDisconnected, "resume with dead transport")
	self.stateLock.Unlock()
	return self.Connect(ctx)
}

func (self *ConnectionManager) SetVisible(visible bool) {
	self.stateLock.Lock()
	if self.isVisible == visible {
		self.stateLock.Unlock()
		return
	}
	self.isVisible = visible
	self.stateLock.Unlock()

	if visible {
		go self.Resume(self.ctx)
	} else {
		self.Suspend()
	}
}

// manual escape hatch after the attempt budget is exhausted
func (self *ConnectionManager) ForceReconnect(ctx context.Context) error {
	self.stateLock.Lock()
	self.clearReconnectTimerLocked()
	self.connGeneration += 1
	conn := self.conn
	self.conn = nil
	self.reconnectAttempts = 0
	self.lastError = nil
	self.setStateLocked(ConnectionStateDisconnected, "force reconnect")
	self.stateLock.Unlock()

	if conn != nil {
		conn.Close()
	}
	return self.Connect(ctx)
}

func (self *ConnectionManager) Send(env *Envelope) error {
	self.stateLock.Lock()
	conn := self.conn
	state := self.state
	self.stateLock.Unlock()

	if conn == nil || (state != ConnectionStateConnected && state != ConnectionStateSuspended) {
		return ErrNotConnected
	}
	return conn.Send(env, self.settings.SendTimeout)
}

// logical reset on sign-out. the manager itself persists for the process
// lifetime.
func (self *ConnectionManager) Reset() {
	self.Disconnect()
	self.stateLock.Lock()
	self.auth = nil
	self.reconnectAttempts = 0
	self.lastError = nil
	self.stateLock.Unlock()
}

func (self *ConnectionManager) Close() {
	self.Disconnect()
	self.cancel()
}
