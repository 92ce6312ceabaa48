package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSession = errors.New("no active session")

// decoded view of the platform access token. the client never verifies the
// signature; it only needs the subject and expiry to drive refresh timing.
type SessionToken struct {
	Token        string
	RefreshToken string
	UserId       Id
	ExpiresAt    time.Time
}

func ParseSessionToken(token string, refreshToken string) (*SessionToken, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return nil, err
	}
	if sub == "" {
		return nil, errors.New("token missing sub")
	}
	userId, err := ParseId(sub)
	if err != nil {
		return nil, fmt.Errorf("token sub is not an id: %s", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, errors.New("token missing exp")
	}

	return &SessionToken{
		Token:        token,
		RefreshToken: refreshToken,
		UserId:       userId,
		ExpiresAt:    exp.Time,
	}, nil
}

type SessionState struct {
	Session *SessionToken
	Profile *Profile
	Loading bool
	// zero until the first successful refresh
	LastRefresh time.Time
}

type SessionStateFunction func(state SessionState)

const (
	RoleMember = "member"
	RoleLeader = "leader"
	RoleAdmin  = "admin"
)

// ordered low to high. a higher role satisfies checks for every lower one.
var roleRank = map[string]int{
	RoleMember: 0,
	RoleLeader: 1,
	RoleAdmin:  2,
}

type SessionSettings struct {
	// refresh this long before expiry
	RefreshLead time.Duration
	// never schedule a refresh sooner than this
	RefreshFloor   time.Duration
	RefreshBackoff BackoffPolicy

	ProfileTtl time.Duration
	// on becoming visible, refresh eagerly if the token expires within this
	ExpirySoon time.Duration

	// test hook
	Now func() time.Time
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		RefreshLead:    10 * time.Minute,
		RefreshFloor:   60 * time.Second,
		RefreshBackoff: DefaultRefreshBackoff(),
		ProfileTtl:     30 * time.Minute,
		ExpirySoon:     5 * time.Minute,
		Now:            time.Now,
	}
}

// owns the auth lifecycle: token parse, scheduled refresh ahead of expiry,
// the profile read path, and sign-out teardown. role checks are pure reads
// of the loaded profile.
type SessionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *SessionSettings
	api        *PlatformApi
	cache      *Cache
	connection *ConnectionManager
	realtime   *RealtimeManager

	stateLock           sync.Mutex
	session             *SessionToken
	profile             *Profile
	loading             bool
	lastRefresh         time.Time
	sessionGeneration   int
	refreshTimer        *time.Timer
	removeProfileSub    Unsubscribe
	removeVisibilitySub Unsubscribe

	callbacks *CallbackList[SessionStateFunction]
}

func NewSessionManagerWithDefaults(
	ctx context.Context,
	api *PlatformApi,
	cache *Cache,
	connection *ConnectionManager,
	realtime *RealtimeManager,
) *SessionManager {
	return NewSessionManager(ctx, api, cache, connection, realtime, DefaultSessionSettings())
}

func NewSessionManager(
	ctx context.Context,
	api *PlatformApi,
	cache *Cache,
	connection *ConnectionManager,
	realtime *RealtimeManager,
	settings *SessionSettings,
) *SessionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &SessionManager{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		api:        api,
		cache:      cache,
		connection: connection,
		realtime:   realtime,
		callbacks:  NewCallbackList[SessionStateFunction](),
	}
}

func (self *SessionManager) GetState() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stateLocked()
}

// must be called inside the state lock
func (self *SessionManager) stateLocked() SessionState {
	return SessionState{
		Session:     self.session,
		Profile:     self.profile,
		Loading:     self.loading,
		LastRefresh: self.lastRefresh,
	}
}

// the callback fires immediately with the current state, then on every change
func (self *SessionManager) Subscribe(callback SessionStateFunction) Unsubscribe {
	unsubscribe := self.callbacks.Add(callback)
	state := self.GetState()
	safeCallback("sess", func() {
		callback(state)
	})
	return unsubscribe
}

// must be called inside the state lock
func (self *SessionManager) notifyLocked() {
	state := self.stateLocked()
	callbacks := self.callbacks.Get()
	go func() {
		for _, callback := range callbacks {
			callback := callback
			safeCallback("sess", func() {
				callback(state)
			})
		}
	}()
}

// installs a parsed token pair as the active session. wires the transport
// auth, schedules the pre-expiry refresh, and starts the profile load in the
// background. replaces any previous session.
func (self *SessionManager) SignIn(token string, refreshToken string) error {
	session, err := ParseSessionToken(token, refreshToken)
	if err != nil {
		return err
	}

	self.api.SetToken(token)
	self.connection.SetAuth(&ClientAuth{
		Token:      token,
		InstanceId: NewId(),
	})

	self.stateLock.Lock()
	self.session = session
	self.profile = nil
	self.loading = true
	self.sessionGeneration += 1
	generation := self.sessionGeneration
	self.scheduleRefreshLocked()
	self.notifyLocked()
	self.stateLock.Unlock()

	glog.Infof("[sess]sign in %s expires %s\n", session.UserId, session.ExpiresAt.Format(time.RFC3339))

	go self.connection.Connect(self.ctx)
	go self.loadProfile(generation)
	return nil
}

// must be called inside the state lock
func (self *SessionManager) scheduleRefreshLocked() {
	if self.refreshTimer != nil {
		self.refreshTimer.Stop()
		self.refreshTimer = nil
	}
	if self.session == nil {
		return
	}
	delay := self.session.ExpiresAt.Sub(self.settings.Now()) - self.settings.RefreshLead
	if delay < self.settings.RefreshFloor {
		delay = self.settings.RefreshFloor
	}
	generation := self.sessionGeneration
	glog.V(1).Infof("[sess]refresh in %s\n", delay)
	self.refreshTimer = time.AfterFunc(delay, func() {
		self.refreshWithRetry(generation)
	})
}

// one refresh round trip. on success the new token pair replaces the session
// and the next refresh is scheduled.
func (self *SessionManager) RefreshSession() error {
	self.stateLock.Lock()
	session := self.session
	generation := self.sessionGeneration
	self.stateLock.Unlock()
	if session == nil {
		return ErrNoSession
	}

	result, err := self.api.AuthRefreshSync(&AuthRefreshArgs{
		RefreshToken: session.RefreshToken,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}

	refreshed, err := ParseSessionToken(result.Token, result.RefreshToken)
	if err != nil {
		return err
	}

	self.api.SetToken(refreshed.Token)
	self.connection.SetAuth(&ClientAuth{
		Token:      refreshed.Token,
		InstanceId: NewId(),
	})

	self.stateLock.Lock()
	if self.sessionGeneration != generation || self.session == nil {
		// signed out or replaced while the refresh was in flight
		self.stateLock.Unlock()
		return nil
	}
	self.session = refreshed
	self.lastRefresh = self.settings.Now()
	self.scheduleRefreshLocked()
	self.notifyLocked()
	self.stateLock.Unlock()

	glog.Infof("[sess]refreshed, expires %s\n", refreshed.ExpiresAt.Format(time.RFC3339))
	return nil
}

// retries with backoff. after the attempt budget the session is treated as
// unrecoverable and torn down.
func (self *SessionManager) refreshWithRetry(generation int) {
	backoff := self.settings.RefreshBackoff
	for attempt := 0; ; attempt += 1 {
		self.stateLock.Lock()
		live := self.sessionGeneration == generation && self.session != nil
		self.stateLock.Unlock()
		if !live {
			return
		}

		// start the wait clock before the attempt so a slow failed round trip
		// counts against the retry delay
		reconnect := NewReconnect(backoff.DelayForAttempt(attempt))
		err := self.RefreshSession()
		if err == nil {
			return
		}
		if backoff.Exhausted(attempt + 1) {
			glog.Errorf("[sess]refresh failed after %d attempts = %s\n", attempt+1, err)
			self.SignOut()
			return
		}
		glog.Infof("[sess]refresh error = %s, retry\n", err)
		select {
		case <-reconnect.After():
		case <-self.ctx.Done():
			return
		}
	}
}

func profileCacheKey(userId Id) string {
	return fmt.Sprintf("profiles:%s", userId)
}

func (self *SessionManager) loadProfile(generation int) {
	self.stateLock.Lock()
	if self.sessionGeneration != generation || self.session == nil {
		self.stateLock.Unlock()
		return
	}
	userId := self.session.UserId
	self.stateLock.Unlock()

	profile, err := CacheGet(self.ctx, self.cache, profileCacheKey(userId), func(ctx context.Context) (*Profile, error) {
		result, err := self.api.GetProfileSync(userId)
		if err != nil {
			return nil, err
		}
		if result.Error != nil {
			return nil, errors.New(result.Error.Message)
		}
		return result.Profile, nil
	}, &CacheOptions{
		Ttl:                  self.settings.ProfileTtl,
		StaleWhileRevalidate: true,
	})

	self.stateLock.Lock()
	if self.sessionGeneration != generation {
		self.stateLock.Unlock()
		return
	}
	self.loading = false
	if err == nil {
		self.profile = profile
	} else {
		glog.Infof("[sess]profile load error = %s\n", err)
	}
	self.notifyLocked()

	needSub := err == nil && self.removeProfileSub == nil
	self.stateLock.Unlock()

	if needSub {
		self.watchProfile(generation, userId)
	}
}

// one realtime channel on the caller's own profile row. changes invalidate
// the cached copy and trigger a reload.
func (self *SessionManager) watchProfile(generation int, userId Id) {
	removeSub, err := self.realtime.Subscribe(
		"profiles",
		EventUpdate,
		fmt.Sprintf("user_id=eq.%s", userId),
		func(event *ChangeEvent) {
			self.cache.Invalidate(profileCacheKey(userId))
			go self.loadProfile(generation)
		},
	)
	if err != nil {
		glog.Infof("[sess]profile watch error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	if self.sessionGeneration != generation || self.removeProfileSub != nil {
		self.stateLock.Unlock()
		removeSub()
		return
	}
	self.removeProfileSub = removeSub
	self.stateLock.Unlock()
}

// observes foreground transitions from the host
func (self *SessionManager) AttachVisibility(visibility *VisibilityMonitor) {
	wasVisible := visibility.State().Visible
	var visibleLock sync.Mutex
	removeSub := visibility.Subscribe(func(state VisibilityState) {
		visibleLock.Lock()
		becameVisible := state.Visible && !wasVisible
		wasVisible = state.Visible
		visibleLock.Unlock()
		if becameVisible {
			self.HandleVisible()
		}
	})

	self.stateLock.Lock()
	previous := self.removeVisibilitySub
	self.removeVisibilitySub = removeSub
	self.stateLock.Unlock()
	if previous != nil {
		previous()
	}
}

// called on the visible transition. revalidates the session against the
// platform, refreshes eagerly if the token is close to expiry or the platform
// no longer accepts it, and revalidates the profile.
func (self *SessionManager) HandleVisible() {
	self.stateLock.Lock()
	session := self.session
	generation := self.sessionGeneration
	self.stateLock.Unlock()
	if session == nil {
		return
	}

	go func() {
		refresh := session.ExpiresAt.Sub(self.settings.Now()) < self.settings.ExpirySoon
		check, err := self.api.SessionCheckSync()
		if err != nil {
			glog.Infof("[sess]session check error = %s\n", err)
		} else if !check.Valid {
			// stale on the server, e.g. revoked while backgrounded.
			// a failed refresh run ends in sign-out.
			glog.Infof("[sess]session no longer valid on the platform\n")
			refresh = true
		}
		if refresh {
			self.refreshWithRetry(generation)
		}
	}()
	go self.loadProfile(generation)
	go self.realtime.CheckAndResubscribe(self.ctx)
}

// pushes profile edits to the platform and reflects the confirmed row
// locally without waiting for the change event round trip
func (self *SessionManager) UpdateProfile(update *UpdateProfileArgs) error {
	self.stateLock.Lock()
	session := self.session
	generation := self.sessionGeneration
	self.stateLock.Unlock()
	if session == nil {
		return ErrNoSession
	}

	result, err := self.api.UpdateProfileSync(update)
	if err != nil {
		return err
	}
	if result.Error != nil {
		return errors.New(result.Error.Message)
	}

	if result.Profile != nil {
		self.cache.SetWithTtl(profileCacheKey(session.UserId), result.Profile, self.settings.ProfileTtl)
		self.stateLock.Lock()
		if self.sessionGeneration == generation {
			self.profile = result.Profile
			self.notifyLocked()
		}
		self.stateLock.Unlock()
	}
	return nil
}

func (self *SessionManager) HasRole(role string) bool {
	want, ok := roleRank[role]
	if !ok {
		return false
	}
	self.stateLock.Lock()
	profile := self.profile
	self.stateLock.Unlock()
	if profile == nil {
		return false
	}
	have, ok := roleRank[profile.Role]
	if !ok {
		return false
	}
	return want <= have
}

func (self *SessionManager) IsMember() bool {
	return self.HasRole(RoleMember)
}

func (self *SessionManager) IsLeader() bool {
	return self.HasRole(RoleLeader)
}

func (self *SessionManager) IsAdmin() bool {
	return self.HasRole(RoleAdmin)
}

// full local teardown: refresh timer stopped, profile watch removed, cache
// cleared, transport reset. safe to call repeatedly; a second call is a
// no-op. the server-side revoke is fire and forget.
func (self *SessionManager) SignOut() {
	self.stateLock.Lock()
	if self.session == nil {
		self.stateLock.Unlock()
		return
	}
	self.session = nil
	self.profile = nil
	self.loading = false
	self.lastRefresh = time.Time{}
	self.sessionGeneration += 1
	if self.refreshTimer != nil {
		self.refreshTimer.Stop()
		self.refreshTimer = nil
	}
	removeProfileSub := self.removeProfileSub
	self.removeProfileSub = nil
	self.notifyLocked()
	self.stateLock.Unlock()

	glog.Infof("[sess]sign out\n")

	if removeProfileSub != nil {
		removeProfileSub()
	}
	self.api.SignOut(NewNoopApiCallback[*SignOutResult]())
	self.api.SetToken("")
	self.cache.Clear()
	self.realtime.Reset()
	self.connection.Reset()
}

func (self *SessionManager) Close() {
	self.stateLock.Lock()
	if self.refreshTimer != nil {
		self.refreshTimer.Stop()
		self.refreshTimer = nil
	}
	removeProfileSub := self.removeProfileSub
	self.removeProfileSub = nil
	removeVisibilitySub := self.removeVisibilitySub
	self.removeVisibilitySub = nil
	self.stateLock.Unlock()

	if removeProfileSub != nil {
		removeProfileSub()
	}
	if removeVisibilitySub != nil {
		removeVisibilitySub()
	}
	self.cancel()
}
