package livesync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	lru "github.com/hashicorp/golang-lru/v2"
)

type CacheSettings struct {
	// maximum number of entries held; least recently used entries are
	// evicted beyond this
	Capacity   int
	DefaultTtl time.Duration

	// test hook
	Now func() time.Time
}

func DefaultCacheSettings() *CacheSettings {
	return &CacheSettings{
		Capacity:   4096,
		DefaultTtl: 5 * time.Minute,
		Now:        time.Now,
	}
}

type CacheOptions struct {
	Ttl time.Duration
	// on an expired hit, return the stale value immediately and refresh in
	// the background
	StaleWhileRevalidate bool
}

type CacheMetrics struct {
	Hits          int
	Misses        int
	StaleHits     int
	Revalidations int
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

type revalidation struct {
	done  chan struct{}
	value any
	err   error
}

type Fetcher func(ctx context.Context) (any, error)

// read-through cache keyed by namespace:resource:id composites.
// the cache does not listen to realtime events itself; callers register
// subscriptions whose callbacks invalidate the relevant keys. the only
// mutual-exclusion guarantee is one in-flight revalidation per key.
type Cache struct {
	settings *CacheSettings

	stateLock     sync.Mutex
	entries       *lru.Cache[string, *cacheEntry]
	revalidations map[string]*revalidation
	metrics       CacheMetrics
}

func NewCacheWithDefaults() *Cache {
	return NewCache(DefaultCacheSettings())
}

func NewCache(settings *CacheSettings) *Cache {
	entries, err := lru.New[string, *cacheEntry](settings.Capacity)
	if err != nil {
		panic(err)
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Cache{
		settings:      settings,
		entries:       entries,
		revalidations: map[string]*revalidation{},
	}
}

// read-through get. concurrent calls for the same cold or expired key share
// one fetcher invocation. a failed fetch stores nothing, so the next get
// retries from scratch.
func (self *Cache) Get(ctx context.Context, key string, fetcher Fetcher, opts *CacheOptions) (any, error) {
	ttl := self.settings.DefaultTtl
	staleWhileRevalidate := false
	if opts != nil {
		if 0 < opts.Ttl {
			ttl = opts.Ttl
		}
		staleWhileRevalidate = opts.StaleWhileRevalidate
	}

	self.stateLock.Lock()
	now := self.settings.Now()
	entry, ok := self.entries.Get(key)
	if ok && now.Before(entry.expiresAt) {
		self.metrics.Hits += 1
		value := entry.value
		self.stateLock.Unlock()
		return value, nil
	}

	if ok && staleWhileRevalidate {
		// serve last-known-good immediately, refresh in the background
		self.metrics.StaleHits += 1
		stale := entry.value
		if _, inFlight := self.revalidations[key]; !inFlight {
			reval := &revalidation{
				done: make(chan struct{}),
			}
			self.revalidations[key] = reval
			self.metrics.Revalidations += 1
			go self.revalidate(context.WithoutCancel(ctx), key, fetcher, ttl, reval)
		}
		self.stateLock.Unlock()
		return stale, nil
	}

	// cold miss or expired without stale serving
	self.metrics.Misses += 1
	if reval, inFlight := self.revalidations[key]; inFlight {
		// attach to the in-flight fetch
		self.stateLock.Unlock()
		select {
		case <-reval.done:
			return reval.value, reval.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	reval := &revalidation{
		done: make(chan struct{}),
	}
	self.revalidations[key] = reval
	self.metrics.Revalidations += 1
	self.stateLock.Unlock()

	self.revalidate(ctx, key, fetcher, ttl, reval)
	return reval.value, reval.err
}

func (self *Cache) revalidate(ctx context.Context, key string, fetcher Fetcher, ttl time.Duration, reval *revalidation) {
	value, err := fetcher(ctx)

	self.stateLock.Lock()
	if err == nil {
		self.entries.Add(key, &cacheEntry{
			value:     value,
			expiresAt: self.settings.Now().Add(ttl),
		})
	}
	delete(self.revalidations, key)
	self.stateLock.Unlock()

	if err != nil {
		glog.V(1).Infof("[cache]fetch %s error = %s\n", key, err)
	}
	reval.value = value
	reval.err = err
	close(reval.done)
}

// direct write for optimistic update flows
func (self *Cache) Set(key string, value any) {
	self.SetWithTtl(key, value, self.settings.DefaultTtl)
}

func (self *Cache) SetWithTtl(key string, value any, ttl time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entries.Add(key, &cacheEntry{
		value:     value,
		expiresAt: self.settings.Now().Add(ttl),
	})
}

// removes one entry
func (self *Cache) Invalidate(key string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entries.Remove(key)
}

// removes every entry whose key starts with `prefix`.
// used for bulk invalidation on sign-out or broad schema-level changes.
func (self *Cache) InvalidatePrefix(prefix string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, key := range self.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			self.entries.Remove(key)
		}
	}
}

func (self *Cache) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entries.Purge()
}

func (self *Cache) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.entries.Len()
}

func (self *Cache) Metrics() CacheMetrics {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.metrics
}

// typed read-through over `Cache.Get`
func CacheGet[T any](
	ctx context.Context,
	cache *Cache,
	key string,
	fetcher func(ctx context.Context) (T, error),
	opts *CacheOptions,
) (T, error) {
	value, err := cache.Get(ctx, key, func(ctx context.Context) (any, error) {
		return fetcher(ctx)
	}, opts)
	if err != nil {
		var empty T
		return empty, err
	}
	typed, ok := value.(T)
	if !ok {
		var empty T
		return empty, nil
	}
	return typed, nil
}
