package livesync

import (
	"sync"

	"github.com/golang/glog"
)

type VisibilityState struct {
	// the app is foregrounded
	Visible bool
	// the host reports a usable network path
	NetworkReachable bool
}

type VisibilityFunction func(state VisibilityState)

// the host application reports foreground/background and reachability
// transitions here; the connection and session layers observe them.
// this is an injected service, not ambient global event dispatch.
type VisibilityMonitor struct {
	stateLock sync.Mutex
	state     VisibilityState

	callbacks *CallbackList[VisibilityFunction]
}

func NewVisibilityMonitor() *VisibilityMonitor {
	return &VisibilityMonitor{
		state: VisibilityState{
			Visible:          true,
			NetworkReachable: true,
		},
		callbacks: NewCallbackList[VisibilityFunction](),
	}
}

func (self *VisibilityMonitor) State() VisibilityState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *VisibilityMonitor) Subscribe(callback VisibilityFunction) Unsubscribe {
	return self.callbacks.Add(callback)
}

func (self *VisibilityMonitor) SetVisible(visible bool) {
	self.update(func(state *VisibilityState) {
		state.Visible = visible
	})
}

func (self *VisibilityMonitor) SetNetworkReachable(reachable bool) {
	self.update(func(state *VisibilityState) {
		state.NetworkReachable = reachable
	})
}

func (self *VisibilityMonitor) update(mutate func(state *VisibilityState)) {
	self.stateLock.Lock()
	previous := self.state
	mutate(&self.state)
	state := self.state
	self.stateLock.Unlock()

	if previous == state {
		return
	}
	glog.V(1).Infof("[vis]visible=%t reachable=%t\n", state.Visible, state.NetworkReachable)
	for _, callback := range self.callbacks.Get() {
		callback := callback
		safeCallback("vis", func() {
			callback(state)
		})
	}
}
