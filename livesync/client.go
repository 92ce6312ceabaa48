package livesync

import (
	"context"
)

type ClientSettings struct {
	PlatformUrl string
	ApiUrl      string
	AppVersion  string

	Connection *ConnectionSettings
	Realtime   *RealtimeSettings
	Cache      *CacheSettings
	Session    *SessionSettings
	Recovery   *RecoverySettings
	Tasks      *TaskManagerSettings
}

func DefaultClientSettings(apiUrl string, platformUrl string) *ClientSettings {
	return &ClientSettings{
		PlatformUrl: platformUrl,
		ApiUrl:      apiUrl,
		Connection:  DefaultConnectionSettings(platformUrl),
		Realtime:    DefaultRealtimeSettings(),
		Cache:       DefaultCacheSettings(),
		Session:     DefaultSessionSettings(),
		Recovery:    DefaultRecoverySettings(),
		Tasks:       DefaultTaskManagerSettings(),
	}
}

// composition root for the client-side coordination layer. one client per
// app instance; the host constructs it once and hands the managers to the
// feature layers.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	Api        *PlatformApi
	Tasks      *TaskManager
	Breaker    *CircuitBreaker
	Visibility *VisibilityMonitor
	Connection *ConnectionManager
	Realtime   *RealtimeManager
	Cache      *Cache
	Session    *SessionManager
	Recovery   *RecoveryCoordinator
}

func NewClientWithDefaults(ctx context.Context, apiUrl string, platformUrl string) *Client {
	return NewClient(ctx, DefaultClientSettings(apiUrl, platformUrl))
}

func NewClient(ctx context.Context, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewPlatformApiWithContext(cancelCtx, settings.ApiUrl)
	tasks := NewTaskManager(cancelCtx, settings.Tasks)
	breaker := NewCircuitBreaker()
	visibility := NewVisibilityMonitor()
	connection := NewConnectionManager(cancelCtx, breaker, tasks, settings.Connection)
	realtime := NewRealtimeManager(cancelCtx, connection, tasks, settings.Realtime)
	cache := NewCache(settings.Cache)
	session := NewSessionManager(cancelCtx, api, cache, connection, realtime, settings.Session)
	recovery := NewRecoveryCoordinator(cancelCtx, connection, breaker, tasks, settings.Recovery)

	// the host reports visibility once; both layers observe it
	visibility.Subscribe(func(state VisibilityState) {
		connection.SetVisible(state.Visible && state.NetworkReachable)
	})
	session.AttachVisibility(visibility)

	return &Client{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		Api:        api,
		Tasks:      tasks,
		Breaker:    breaker,
		Visibility: visibility,
		Connection: connection,
		Realtime:   realtime,
		Cache:      cache,
		Session:    session,
		Recovery:   recovery,
	}
}

func (self *Client) Close() {
	self.Session.Close()
	self.Recovery.Close()
	self.Realtime.Close()
	self.Connection.Close()
	self.Tasks.Close()
	self.Api.Close()
	self.cancel()
}
