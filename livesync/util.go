package livesync

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type Unsubscribe = func()

// makes a copy of the list on update so that `Get` never blocks callers
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	entries   []*callbackEntry[T]
	callbacks []T
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}

func (self *CallbackList[T]) Add(callback T) Unsubscribe {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.entries = append(self.entries, &callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.updateCallbacks()

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry *callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// already removed
		return
	}
	self.entries = slices.Delete(slices.Clone(self.entries), i, i+1)
	self.updateCallbacks()
}

// must be called inside the mutex
func (self *CallbackList[T]) updateCallbacks() {
	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	self.callbacks = callbacks
}

// a consumer callback must not take down the pump that invoked it
func safeCallback(tag string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[%s]callback panic = %v\n", tag, r)
		}
	}()
	callback()
}

// broadcasts edge events to any number of waiters.
// waiters grab `NotifyChannel` and select on it; `NotifyAll` closes the
// current channel and replaces it with a new one.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}
