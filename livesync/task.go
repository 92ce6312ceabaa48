package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a timed-out operation is retried by its owner. a canceled operation is
// discarded silently. the two must stay distinguishable so that reconnect
// logic never fires on user-initiated teardown.
var ErrTimeout = errors.New("operation timed out")

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

type TaskManagerSettings struct {
	DefaultTimeout time.Duration
}

func DefaultTaskManagerSettings() *TaskManagerSettings {
	return &TaskManagerSettings{
		DefaultTimeout: 10 * time.Second,
	}
}

// applies bounded timeouts and cancellation to operations issued by the
// higher layers. a task that ignores its context is still bounded: the
// caller resumes on timeout and the late result is discarded.
type TaskManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *TaskManagerSettings

	stateLock sync.Mutex
	nextId    int
	cancels   map[int]context.CancelFunc
}

func NewTaskManagerWithDefaults(ctx context.Context) *TaskManager {
	return NewTaskManager(ctx, DefaultTaskManagerSettings())
}

func NewTaskManager(ctx context.Context, settings *TaskManagerSettings) *TaskManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TaskManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		cancels:  map[int]context.CancelFunc{},
	}
}

func (self *TaskManager) register(cancel context.CancelFunc) (int, func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	taskId := self.nextId
	self.nextId += 1
	self.cancels[taskId] = cancel
	return taskId, func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.cancels, taskId)
	}
}

func (self *TaskManager) ActiveCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.cancels)
}

// cancels every in-flight task. used on sign-out.
func (self *TaskManager) CancelAll() {
	self.stateLock.Lock()
	cancels := make([]context.CancelFunc, 0, len(self.cancels))
	for _, cancel := range self.cancels {
		cancels = append(cancels, cancel)
	}
	self.stateLock.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// runs `task` bounded by `timeout`. returns `ErrTimeout` wrapped with `name`
// on deadline, `context.Canceled` on cancellation, otherwise the task error.
func (self *TaskManager) Run(name string, timeout time.Duration, task func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = self.settings.DefaultTimeout
	}
	taskCtx, taskCancel := context.WithTimeout(self.ctx, timeout)
	defer taskCancel()

	_, remove := self.register(taskCancel)
	defer remove()

	done := make(chan error, 1)
	go func() {
		done <- task(taskCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", name, ErrTimeout)
		}
		return err
	case <-taskCtx.Done():
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			glog.V(1).Infof("[task]timeout %s after %s\n", name, timeout)
			return fmt.Errorf("%s: %w", name, ErrTimeout)
		}
		// canceled. the late result on `done` is dropped.
		return context.Canceled
	}
}

func (self *TaskManager) Close() {
	self.cancel()
}

// generic variant for tasks that produce a value
func RunWithTimeout[R any](
	tasks *TaskManager,
	name string,
	timeout time.Duration,
	task func(ctx context.Context) (R, error),
) (R, error) {
	var out R
	var outLock sync.Mutex
	err := tasks.Run(name, timeout, func(ctx context.Context) error {
		result, err := task(ctx)
		if err != nil {
			return err
		}
		outLock.Lock()
		out = result
		outLock.Unlock()
		return nil
	})
	if err != nil {
		var empty R
		return empty, err
	}
	outLock.Lock()
	defer outLock.Unlock()
	return out, nil
}
