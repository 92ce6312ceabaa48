package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type ChangeCallback func(event *ChangeEvent)

type RealtimeSettings struct {
	SubscribeTimeout  time.Duration
	ReplayConcurrency int
	// optional no-op read issued after a channel joins, to force the
	// platform to materialize interest in the table
	ActivationQuery func(ctx context.Context, table string) error
}

func DefaultRealtimeSettings() *RealtimeSettings {
	return &RealtimeSettings{
		SubscribeTimeout:  10 * time.Second,
		ReplayConcurrency: 4,
	}
}

type subscriptionStatus int

const (
	subscriptionPending subscriptionStatus = iota
	subscriptionJoining
	subscriptionJoined
	subscriptionErrored
)

type subscription struct {
	key    string
	table  string
	event  EventType
	filter string

	callbacks *CallbackList[ChangeCallback]

	// guarded by the manager state lock
	status subscriptionStatus
}

type RealtimeStatus struct {
	IsReady           bool
	SubscriptionCount int
	JoinedCount       int
}

// presents a stable subscribe(table, event, filter) surface over the single
// connection regardless of transport churn. subscriptions survive transient
// disconnects in a durable registry and are replayed on every transition
// into connected.
type RealtimeManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *RealtimeSettings
	connection *ConnectionManager
	tasks      *TaskManager

	stateLock     sync.Mutex
	subscriptions map[string]*subscription
	lastConnState ConnectionState

	joinLock     sync.Mutex
	pendingJoins map[string]chan error

	removeStateCallback    Unsubscribe
	removeEnvelopeCallback Unsubscribe
}

func NewRealtimeManagerWithDefaults(ctx context.Context, connection *ConnectionManager, tasks *TaskManager) *RealtimeManager {
	return NewRealtimeManager(ctx, connection, tasks, DefaultRealtimeSettings())
}

func NewRealtimeManager(
	ctx context.Context,
	connection *ConnectionManager,
	tasks *TaskManager,
	settings *RealtimeSettings,
) *RealtimeManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	realtime := &RealtimeManager{
		ctx:           cancelCtx,
		cancel:        cancel,
		settings:      settings,
		connection:    connection,
		tasks:         tasks,
		subscriptions: map[string]*subscription{},
		lastConnState: connection.GetStatus().State,
		pendingJoins:  map[string]chan error{},
	}
	realtime.removeStateCallback = connection.Subscribe(realtime.handleConnectionState)
	realtime.removeEnvelopeCallback = connection.AddEnvelopeCallback(realtime.handleEnvelope)
	return realtime
}

// registers a callback for change events on (table, event, filter).
// at most one channel exists per triple; duplicate registrations attach to
// the existing channel. returns synchronously with an unsubscribe handle
// even while the channel is still negotiating.
func (self *RealtimeManager) Subscribe(
	table string,
	event EventType,
	filter string,
	callback ChangeCallback,
) (Unsubscribe, error) {
	switch event {
	case EventAll, EventInsert, EventUpdate, EventDelete:
	default:
		return nil, fmt.Errorf("bad event type: %s", event)
	}
	if table == "" {
		return nil, errors.New("table required")
	}

	key := subscriptionKey(table, event, filter)

	self.stateLock.Lock()
	sub, ok := self.subscriptions[key]
	if !ok {
		sub = &subscription{
			key:       key,
			table:     table,
			event:     event,
			filter:    filter,
			callbacks: NewCallbackList[ChangeCallback](),
			status:    subscriptionPending,
		}
		self.subscriptions[key] = sub
	}
	removeCallback := sub.callbacks.Add(callback)
	self.stateLock.Unlock()

	connected := self.connection.GetStatus().State == ConnectionStateConnected
	if connected {
		go self.joinSubscription(sub)
	} else {
		// pending. the registry is drained on the connected transition.
		go self.connection.Connect(self.ctx)
	}

	unsubscribe := func() {
		removeCallback()
		self.stateLock.Lock()
		current, ok := self.subscriptions[key]
		if !ok || current != sub || 0 < sub.callbacks.Len() {
			self.stateLock.Unlock()
			return
		}
		delete(self.subscriptions, key)
		self.stateLock.Unlock()
		self.leaveChannel(key)
	}
	return unsubscribe, nil
}

// explicit removal of a whole channel, all callbacks included
func (self *RealtimeManager) Unsubscribe(key string) {
	self.stateLock.Lock()
	_, ok := self.subscriptions[key]
	if ok {
		delete(self.subscriptions, key)
	}
	self.stateLock.Unlock()
	if ok {
		self.leaveChannel(key)
	}
}

func (self *RealtimeManager) leaveChannel(key string) {
	env := &Envelope{
		Type:  envUnsubscribe,
		Topic: key,
	}
	if err := self.connection.Send(env); err != nil && !errors.Is(err, ErrNotConnected) {
		glog.V(1).Infof("[rt]leave %s error = %s\n", key, err)
	}
}

func (self *RealtimeManager) joinSubscription(sub *subscription) error {
	self.stateLock.Lock()
	if sub.status == subscriptionJoining || sub.status == subscriptionJoined {
		self.stateLock.Unlock()
		return nil
	}
	sub.status = subscriptionJoining
	self.stateLock.Unlock()

	ref := NewId().String()
	ack := make(chan error, 1)
	self.joinLock.Lock()
	self.pendingJoins[ref] = ack
	self.joinLock.Unlock()
	defer func() {
		self.joinLock.Lock()
		delete(self.pendingJoins, ref)
		self.joinLock.Unlock()
	}()

	env, err := NewEnvelope(envSubscribe, ref, sub.key, &SubscribePayload{
		Table:  sub.table,
		Event:  sub.event,
		Filter: sub.filter,
	})
	if err == nil {
		err = self.connection.Send(env)
	}
	if err == nil {
		err = self.tasks.Run("realtime-subscribe", self.settings.SubscribeTimeout, func(ctx context.Context) error {
			select {
			case joinErr := <-ack:
				return joinErr
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	self.stateLock.Lock()
	if err != nil {
		// retained for the next reconnect cycle, not dropped
		sub.status = subscriptionErrored
		self.stateLock.Unlock()
		glog.Infof("[rt]join %s error = %s\n", sub.key, err)
		return err
	}
	sub.status = subscriptionJoined
	self.stateLock.Unlock()
	glog.V(1).Infof("[rt]joined %s\n", sub.key)

	if self.settings.ActivationQuery != nil {
		if err := self.settings.ActivationQuery(self.ctx, sub.table); err != nil {
			glog.V(1).Infof("[rt]activation %s error = %s\n", sub.table, err)
		}
	}
	return nil
}

func (self *RealtimeManager) handleEnvelope(env *Envelope) {
	switch env.Type {
	case envSubscribed:
		self.resolveJoin(env.Ref, nil)
	case envError:
		payload := &ErrorPayload{}
		message := "channel error"
		if env.Payload != nil {
			if err := decodePayload(env.Payload, payload); err == nil && payload.Message != "" {
				message = payload.Message
			}
		}
		if env.Ref != "" {
			self.resolveJoin(env.Ref, errors.New(message))
			return
		}
		if env.Topic != "" {
			self.stateLock.Lock()
			if sub, ok := self.subscriptions[env.Topic]; ok {
				sub.status = subscriptionErrored
			}
			self.stateLock.Unlock()
			glog.Infof("[rt]channel %s error = %s\n", env.Topic, message)
		}
	case envEvent:
		event, err := decodeChangeEvent(env.Payload)
		if err != nil {
			glog.V(1).Infof("[rt]bad event payload = %s\n", err)
			return
		}
		self.stateLock.Lock()
		sub, ok := self.subscriptions[env.Topic]
		self.stateLock.Unlock()
		if !ok {
			glog.V(2).Infof("[rt]event for unknown topic %s\n", env.Topic)
			return
		}
		for _, callback := range sub.callbacks.Get() {
			callback := callback
			safeCallback("rt", func() {
				callback(event)
			})
		}
	}
}

func (self *RealtimeManager) resolveJoin(ref string, err error) {
	self.joinLock.Lock()
	ack, ok := self.pendingJoins[ref]
	if ok {
		delete(self.pendingJoins, ref)
	}
	self.joinLock.Unlock()
	if ok {
		ack <- err
	}
}

func (self *RealtimeManager) handleConnectionState(status ConnectionStatus) {
	self.stateLock.Lock()
	previous := self.lastConnState
	self.lastConnState = status.State
	self.stateLock.Unlock()

	if status.State == ConnectionStateConnected && previous != ConnectionStateConnected {
		go self.replayAll()
	}
}

// re-issues every registered subscription in parallel with bounded
// concurrency. individual failures are tolerated so one broken channel does
// not block the rest. no cross-channel ordering is guaranteed.
func (self *RealtimeManager) replayAll() {
	self.stateLock.Lock()
	subs := maps.Values(self.subscriptions)
	for _, sub := range subs {
		sub.status = subscriptionPending
	}
	self.stateLock.Unlock()

	if len(subs) == 0 {
		return
	}

	sem := make(chan struct{}, self.settings.ReplayConcurrency)
	var wg sync.WaitGroup
	var joinedLock sync.Mutex
	joined := 0
	for _, sub := range subs {
		sub := sub
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := self.joinSubscription(sub); err == nil {
				joinedLock.Lock()
				joined += 1
				joinedLock.Unlock()
			}
		}()
	}
	wg.Wait()
	glog.Infof("[rt]replayed %d/%d subscriptions\n", joined, len(subs))
}

// compares channels reporting joined against the expected count. if any are
// missing, tears down and replays everything. per-channel repair is
// deliberately not attempted.
func (self *RealtimeManager) CheckAndResubscribe(ctx context.Context) error {
	if self.connection.GetStatus().State != ConnectionStateConnected {
		return self.connection.Connect(ctx)
	}

	self.stateLock.Lock()
	total := len(self.subscriptions)
	joined := 0
	for _, sub := range self.subscriptions {
		if sub.status == subscriptionJoined {
			joined += 1
		}
	}
	self.stateLock.Unlock()

	if joined < total {
		glog.Infof("[rt]health check %d/%d joined, replaying all\n", joined, total)
		self.replayAll()
	}
	return nil
}

func (self *RealtimeManager) GetStatus() RealtimeStatus {
	self.stateLock.Lock()
	total := len(self.subscriptions)
	joined := 0
	for _, sub := range self.subscriptions {
		if sub.status == subscriptionJoined {
			joined += 1
		}
	}
	self.stateLock.Unlock()

	return RealtimeStatus{
		IsReady:           self.connection.GetStatus().State == ConnectionStateConnected,
		SubscriptionCount: total,
		JoinedCount:       joined,
	}
}

// drops every registered subscription. used on sign-out.
func (self *RealtimeManager) Reset() {
	self.stateLock.Lock()
	keys := maps.Keys(self.subscriptions)
	self.subscriptions = map[string]*subscription{}
	self.stateLock.Unlock()

	for _, key := range keys {
		self.leaveChannel(key)
	}
}

func (self *RealtimeManager) Close() {
	if self.removeStateCallback != nil {
		self.removeStateCallback()
	}
	if self.removeEnvelopeCallback != nil {
		self.removeEnvelopeCallback()
	}
	self.cancel()
}
