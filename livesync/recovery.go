package livesync

import (
	"context"
	"sort"
	"sync"
	"time"
)

var recLog = LogFn("rec")

type RecoveryPriority int

const (
	RecoveryCritical RecoveryPriority = 0
	RecoveryHigh     RecoveryPriority = 1
	RecoveryNormal   RecoveryPriority = 2
	RecoveryLow      RecoveryPriority = 3
)

func (self RecoveryPriority) String() string {
	switch self {
	case RecoveryCritical:
		return "critical"
	case RecoveryHigh:
		return "high"
	case RecoveryNormal:
		return "normal"
	case RecoveryLow:
		return "low"
	default:
		return "unknown"
	}
}

type RecoveryFunction func(ctx context.Context) error

type RecoverySettings struct {
	// queries per batch
	BatchSize int
	// batches in flight at once
	MaxConcurrentBatches int
	QueryTimeout         time.Duration
	Breaker              BreakerPreset
}

func DefaultRecoverySettings() *RecoverySettings {
	return &RecoverySettings{
		BatchSize:            5,
		MaxConcurrentBatches: 3,
		QueryTimeout:         15 * time.Second,
		Breaker:              PatientBreakerPreset(),
	}
}

type RecoveryMetrics struct {
	Runs      int
	Succeeded int
	Failed    int
	// wall time of the last full run
	LastRunDuration time.Duration
}

type recoveryEntry struct {
	entryId  int
	name     string
	priority RecoveryPriority
	fn       RecoveryFunction
}

// refetches registered data after the transport comes back. features register
// the queries that must rerun on reconnect; the coordinator batches them by
// priority so a burst of refetches does not stampede the platform.
type RecoveryCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *RecoverySettings
	breaker  *CircuitBreaker
	tasks    *TaskManager

	stateLock     sync.Mutex
	nextId        int
	entries       []*recoveryEntry
	running       bool
	lastConnState ConnectionState
	metrics       RecoveryMetrics

	removeStateCallback Unsubscribe
}

func NewRecoveryCoordinatorWithDefaults(
	ctx context.Context,
	connection *ConnectionManager,
	breaker *CircuitBreaker,
	tasks *TaskManager,
) *RecoveryCoordinator {
	return NewRecoveryCoordinator(ctx, connection, breaker, tasks, DefaultRecoverySettings())
}

func NewRecoveryCoordinator(
	ctx context.Context,
	connection *ConnectionManager,
	breaker *CircuitBreaker,
	tasks *TaskManager,
	settings *RecoverySettings,
) *RecoveryCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	recovery := &RecoveryCoordinator{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		breaker:  breaker,
		tasks:    tasks,
	}
	if connection != nil {
		recovery.lastConnState = connection.GetStatus().State
		recovery.removeStateCallback = connection.Subscribe(recovery.handleConnectionState)
	}
	return recovery
}

// registers a refetch to rerun after every reconnect. returns a deregister
// handle; features deregister on unmount.
func (self *RecoveryCoordinator) Register(name string, priority RecoveryPriority, fn RecoveryFunction) Unsubscribe {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entryId := self.nextId
	self.nextId += 1
	self.entries = append(self.entries, &recoveryEntry{
		entryId:  entryId,
		name:     name,
		priority: priority,
		fn:       fn,
	})

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for i, entry := range self.entries {
			if entry.entryId == entryId {
				self.entries = append(self.entries[:i:i], self.entries[i+1:]...)
				return
			}
		}
	}
}

func (self *RecoveryCoordinator) handleConnectionState(status ConnectionStatus) {
	self.stateLock.Lock()
	previous := self.lastConnState
	self.lastConnState = status.State
	self.stateLock.Unlock()

	if status.State == ConnectionStateConnected && previous != ConnectionStateConnected {
		go self.RunRecovery(self.ctx)
	}
}

// runs every registered refetch, critical first, in batches. one run at a
// time; a run requested while another is active is dropped since the active
// run already covers the registry. individual failures are logged and
// counted, never fatal to the run.
func (self *RecoveryCoordinator) RunRecovery(ctx context.Context) {
	self.stateLock.Lock()
	if self.running {
		self.stateLock.Unlock()
		return
	}
	self.running = true
	entries := make([]*recoveryEntry, len(self.entries))
	copy(entries, self.entries)
	self.metrics.Runs += 1
	self.stateLock.Unlock()

	start := time.Now()
	defer func() {
		self.stateLock.Lock()
		self.running = false
		self.metrics.LastRunDuration = time.Since(start)
		self.stateLock.Unlock()
	}()

	if len(entries) == 0 {
		return
	}

	sort.SliceStable(entries, func(i int, j int) bool {
		return entries[i].priority < entries[j].priority
	})

	batches := [][]*recoveryEntry{}
	for i := 0; i < len(entries); i += self.settings.BatchSize {
		end := min(i+self.settings.BatchSize, len(entries))
		batches = append(batches, entries[i:end])
	}

	recLog("recovery run: %d queries in %d batches", len(entries), len(batches))

	sem := make(chan struct{}, self.settings.MaxConcurrentBatches)
	var wg sync.WaitGroup
	for _, batch := range batches {
		batch := batch
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			self.runBatch(ctx, batch)
		}()
	}
	wg.Wait()

	self.stateLock.Lock()
	metrics := self.metrics
	self.stateLock.Unlock()
	recLog("recovery done: %d ok %d failed in %s", metrics.Succeeded, metrics.Failed, time.Since(start))
}

func (self *RecoveryCoordinator) runBatch(ctx context.Context, batch []*recoveryEntry) {
	for _, entry := range batch {
		entry := entry
		log := SubLogFn(recLog, entry.name)
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := self.breaker.Execute("recovery", self.settings.Breaker, func() error {
			return self.tasks.Run("recovery-"+entry.name, self.settings.QueryTimeout, entry.fn)
		})

		self.stateLock.Lock()
		if err == nil {
			self.metrics.Succeeded += 1
		} else {
			self.metrics.Failed += 1
		}
		self.stateLock.Unlock()
		if err != nil {
			log("(%s) error = %s", entry.priority, err)
		}
	}
}

func (self *RecoveryCoordinator) Metrics() RecoveryMetrics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.metrics
}

func (self *RecoveryCoordinator) EntryCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entries)
}

func (self *RecoveryCoordinator) Close() {
	if self.removeStateCallback != nil {
		self.removeStateCallback()
	}
	self.cancel()
}
