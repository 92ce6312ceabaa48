package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// client for the platform's row-level CRUD and session primitives.
// the wire protocol is treated as opaque: per-call success/failure/timeout
// is all the core requires.
type PlatformApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	stateLock sync.Mutex
	token     string
}

func NewPlatformApi(apiUrl string) *PlatformApi {
	return NewPlatformApiWithContext(context.Background(), apiUrl)
}

func NewPlatformApiWithContext(ctx context.Context, apiUrl string) *PlatformApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PlatformApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *PlatformApi) SetToken(token string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = token
}

func (self *PlatformApi) getToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.token
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Token        string                `json:"token,omitempty"`
	RefreshToken string                `json:"refresh_token,omitempty"`
	ExpiresAt    int64                 `json:"expires_at,omitempty"`
	Error        *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *PlatformApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.getToken(),
		&AuthLoginResult{},
		callback,
	)
}

func (self *PlatformApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.getToken(),
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type AuthRefreshCallback apiCallback[*AuthRefreshResult]

type AuthRefreshArgs struct {
	RefreshToken string `json:"refresh_token"`
}

type AuthRefreshResult struct {
	Token        string                  `json:"token,omitempty"`
	RefreshToken string                  `json:"refresh_token,omitempty"`
	ExpiresAt    int64                   `json:"expires_at,omitempty"`
	Error        *AuthRefreshResultError `json:"error,omitempty"`
}

type AuthRefreshResultError struct {
	Message string `json:"message"`
}

func (self *PlatformApi) AuthRefresh(authRefresh *AuthRefreshArgs, callback AuthRefreshCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/refresh", self.apiUrl),
		authRefresh,
		self.getToken(),
		&AuthRefreshResult{},
		callback,
	)
}

func (self *PlatformApi) AuthRefreshSync(authRefresh *AuthRefreshArgs) (*AuthRefreshResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/refresh", self.apiUrl),
		authRefresh,
		self.getToken(),
		&AuthRefreshResult{},
		NewNoopApiCallback[*AuthRefreshResult](),
	)
}

type SignOutCallback apiCallback[*SignOutResult]

type SignOutResult struct {
}

func (self *PlatformApi) SignOut(callback SignOutCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/sign-out", self.apiUrl),
		nil,
		self.getToken(),
		&SignOutResult{},
		callback,
	)
}

func (self *PlatformApi) SignOutSync() (*SignOutResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/sign-out", self.apiUrl),
		nil,
		self.getToken(),
		&SignOutResult{},
		NewNoopApiCallback[*SignOutResult](),
	)
}

type SessionCheckCallback apiCallback[*SessionCheckResult]

type SessionCheckResult struct {
	Valid     bool  `json:"valid"`
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

func (self *PlatformApi) SessionCheck(callback SessionCheckCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/auth/session", self.apiUrl),
		self.getToken(),
		&SessionCheckResult{},
		callback,
	)
}

func (self *PlatformApi) SessionCheckSync() (*SessionCheckResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/auth/session", self.apiUrl),
		self.getToken(),
		&SessionCheckResult{},
		NewNoopApiCallback[*SessionCheckResult](),
	)
}

// `profiles` row for one user
type Profile struct {
	UserId      Id             `json:"user_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Role        string         `json:"role,omitempty"`
	AvatarUrl   string         `json:"avatar_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UpdatedAt   int64          `json:"updated_at,omitempty"`
}

type GetProfileCallback apiCallback[*GetProfileResult]

type GetProfileResult struct {
	Profile *Profile               `json:"profile,omitempty"`
	Error   *GetProfileResultError `json:"error,omitempty"`
}

type GetProfileResultError struct {
	Message string `json:"message"`
}

func (self *PlatformApi) GetProfile(userId Id, callback GetProfileCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/profiles/%s", self.apiUrl, userId),
		self.getToken(),
		&GetProfileResult{},
		callback,
	)
}

func (self *PlatformApi) GetProfileSync(userId Id) (*GetProfileResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/profiles/%s", self.apiUrl, userId),
		self.getToken(),
		&GetProfileResult{},
		NewNoopApiCallback[*GetProfileResult](),
	)
}

type UpdateProfileCallback apiCallback[*UpdateProfileResult]

type UpdateProfileArgs struct {
	DisplayName *string        `json:"display_name,omitempty"`
	AvatarUrl   *string        `json:"avatar_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type UpdateProfileResult struct {
	Profile *Profile                  `json:"profile,omitempty"`
	Error   *UpdateProfileResultError `json:"error,omitempty"`
}

type UpdateProfileResultError struct {
	Message string `json:"message"`
}

func (self *PlatformApi) UpdateProfile(updateProfile *UpdateProfileArgs, callback UpdateProfileCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/profiles/update", self.apiUrl),
		updateProfile,
		self.getToken(),
		&UpdateProfileResult{},
		callback,
	)
}

func (self *PlatformApi) UpdateProfileSync(updateProfile *UpdateProfileArgs) (*UpdateProfileResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/profiles/update", self.apiUrl),
		updateProfile,
		self.getToken(),
		&UpdateProfileResult{},
		NewNoopApiCallback[*UpdateProfileResult](),
	)
}

type QueryCallback apiCallback[*QueryResult]

type QueryArgs struct {
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type QueryResult struct {
	Rows  []map[string]any  `json:"rows,omitempty"`
	Error *QueryResultError `json:"error,omitempty"`
}

type QueryResultError struct {
	Message string `json:"message"`
}

func (self *PlatformApi) Query(query *QueryArgs, callback QueryCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/query", self.apiUrl),
		query,
		self.getToken(),
		&QueryResult{},
		callback,
	)
}

func (self *PlatformApi) QuerySync(query *QueryArgs) (*QueryResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/query", self.apiUrl),
		query,
		self.getToken(),
		&QueryResult{},
		NewNoopApiCallback[*QueryResult](),
	)
}

func (self *PlatformApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, token string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, token string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
