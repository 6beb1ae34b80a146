// Package keyset contains entities to control JSON Web Key Sets (JWKS)
package keyset

import (
	"context"
	"crypto"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	autherrors "github.com/zirain/jwtauthn/errors"
	"github.com/zirain/jwtauthn/networking"
)

// ErrKeyNotFound is returned when a kid is absent from a usable key set,
// after one forced refresh has been attempted.
var ErrKeyNotFound = errors.New("key not found in key set")

// entryState tracks where an entry sits in its serving lifecycle.
type entryState int

const (
	// stateEmpty - no key set has ever been fetched; callers block on a fetch.
	stateEmpty entryState = iota
	// stateFresh - within TTL, served directly.
	stateFresh
	// stateStale - past TTL, still within the grace ceiling; served while a
	// refresh is kicked off.
	stateStale
	// stateRefreshing - stale with a refresh in flight.
	stateRefreshing
	// stateUnusable - past the grace ceiling with no successful refresh.
	stateUnusable
)

func (s entryState) String() string {
	return [...]string{"empty", "fresh", "stale", "refreshing", "unusable"}[s]
}

// entry is the cached state for a single key-set URI.
type entry struct {
	uri        string
	keys       Keys
	state      entryState
	fetchedAt  time.Time
	lastErr    error
	lastForced time.Time
	lastRef    time.Time
}

// advance applies the time-driven transitions fresh->stale and
// stale->unusable. Refresh outcomes drive the remaining transitions.
func (e *entry) advance(now time.Time, ttl, grace time.Duration) {
	switch e.state {
	case stateFresh:
		if now.Sub(e.fetchedAt) >= ttl {
			e.state = stateStale
		}
	case stateStale, stateRefreshing:
		if now.Sub(e.fetchedAt) >= grace {
			e.state = stateUnusable
		}
	}
}

func (e *entry) setKeys(keys Keys, now time.Time) {
	e.keys = keys
	e.fetchedAt = now
	e.lastErr = nil
	e.state = stateFresh
}

// Options controls cache lifetimes.
type Options struct {
	// TTL is how long a fetched key set is considered fresh.
	TTL time.Duration
	// Grace is the ceiling past the fetch time during which stale keys
	// remain usable while refreshes fail.
	Grace time.Duration
	// FetchTimeout bounds a single fetch.
	FetchTimeout time.Duration
	// MinRefreshInterval rate-limits kid-miss forced refreshes.
	MinRefreshInterval time.Duration
	// Retention is how long an unreferenced entry survives a sweep.
	Retention time.Duration
}

// Cache manages the retrieval and storage of public key sets by URI. It
// serves stale-but-valid keys while refreshes are in flight so the request
// path does not block once a set has been fetched.
type Cache struct {
	httpClient *networking.HTTPClient
	opts       Options

	requestGroup singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

// NewCache creates a key-set cache.
func NewCache(opts Options, httpClient *networking.HTTPClient) *Cache {
	if httpClient == nil {
		httpClient = networking.New(opts.FetchTimeout)
	}
	return &Cache{
		httpClient: httpClient,
		opts:       opts,
		entries:    make(map[string]*entry),
		now:        time.Now,
	}
}

// Key returns the public key with the given kid from the set published at
// uri. A kid miss against otherwise usable keys triggers one forced refresh
// to pick up rotation before failing with ErrKeyNotFound. A fetch failure is
// returned as *errors.KeyFetchError only when no usable key set exists.
func (c *Cache) Key(ctx context.Context, uri, kid string) (crypto.PublicKey, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[uri]
	if !ok {
		e = &entry{uri: uri, state: stateEmpty}
		c.entries[uri] = e
	}
	e.lastRef = now
	e.advance(now, c.opts.TTL, c.opts.Grace)
	state := e.state
	key := e.keys.Get(kid)
	c.mu.Unlock()

	switch state {
	case stateFresh:
		if key != nil {
			return key, nil
		}
		return c.keyAfterForcedRefresh(ctx, uri, kid)

	case stateStale:
		c.refreshAsync(uri)
		if key != nil {
			staleServes.WithLabelValues(uri).Inc()
			return key, nil
		}
		return c.keyAfterForcedRefresh(ctx, uri, kid)

	case stateRefreshing:
		if key != nil {
			staleServes.WithLabelValues(uri).Inc()
			return key, nil
		}
		return c.keyAfterForcedRefresh(ctx, uri, kid)

	default: // stateEmpty, stateUnusable - nothing usable, caller blocks
		if err := c.refreshGrouped(ctx, uri); err != nil {
			return nil, &autherrors.KeyFetchError{URI: uri, Err: err}
		}
		if key := c.cachedKey(uri, kid); key != nil {
			return key, nil
		}
		return nil, ErrKeyNotFound
	}
}

// Keys returns the current usable key set for uri, if any.
func (c *Cache) Keys(uri string) (Keys, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[uri]
	if !ok || e.state == stateEmpty || e.state == stateUnusable {
		return nil, false
	}
	return e.keys, true
}

// Retain evicts entries that no rule in the active set references and that
// have been idle past the retention window.
func (c *Cache) Retain(active map[string]struct{}) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for uri, e := range c.entries {
		if _, ok := active[uri]; ok {
			continue
		}
		if now.Sub(e.lastRef) >= c.opts.Retention {
			delete(c.entries, uri)
			evictions.Inc()
			zap.L().Debug("Evicted unreferenced key set", zap.String("url", uri))
		}
	}
}

////////////////// refresh machinery //////////////////////////

// keyAfterForcedRefresh performs the single kid-miss refresh, rate-limited
// per entry so rotation probes cannot turn into fetch storms.
func (c *Cache) keyAfterForcedRefresh(ctx context.Context, uri, kid string) (crypto.PublicKey, error) {
	now := c.now()

	c.mu.Lock()
	e := c.entries[uri]
	allowed := now.Sub(e.lastForced) >= c.opts.MinRefreshInterval
	if allowed {
		e.lastForced = now
	}
	c.mu.Unlock()

	if allowed {
		forcedRefreshes.WithLabelValues(uri).Inc()
		if err := c.refreshGrouped(ctx, uri); err != nil {
			zap.L().Debug("Forced key refresh failed", zap.String("url", uri), zap.Error(err))
		}
		if key := c.cachedKey(uri, kid); key != nil {
			return key, nil
		}
	}
	return nil, ErrKeyNotFound
}

// refreshAsync kicks a background refresh for uri. The refresh is not bound
// to any request context; it benefits other requests even if the trigger is
// cancelled. Concurrent kicks for the same uri coalesce.
func (c *Cache) refreshAsync(uri string) {
	c.mu.Lock()
	e := c.entries[uri]
	if e.state != stateStale {
		c.mu.Unlock()
		return
	}
	e.state = stateRefreshing
	c.mu.Unlock()

	go func() {
		_ = c.refreshGrouped(context.Background(), uri)
	}()
}

// refreshGrouped issues the key-set request using the shared request group
// so that a single fetch per URI is in flight at a time.
func (c *Cache) refreshGrouped(ctx context.Context, uri string) error {
	ch := c.requestGroup.DoChan(uri, func() (interface{}, error) {
		return nil, c.refresh(uri)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		// Abandon the wait; the in-flight refresh continues.
		return ctx.Err()
	}
}

// refresh retrieves the key set for uri and records the outcome on the entry.
// Transient fetch errors are retried with backoff before the failure counts.
func (c *Cache) refresh(uri string) error {
	res, err := networking.Retry(2, 500*time.Millisecond, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}

		var ks keySet
		if err := c.httpClient.Do(req, http.StatusOK, &ks); err != nil {
			return nil, err
		}
		return ks.decode(), nil
	})
	if err != nil {
		zap.L().Info("Failed to retrieve public keys", zap.String("url", uri), zap.Error(err))
		fetches.WithLabelValues(resultError).Inc()
		c.recordFailure(uri, err)
		return err
	}

	keymap := res.(Keys)
	fetches.WithLabelValues(resultOK).Inc()

	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[uri]; ok {
		e.setKeys(keymap, now)
	}
	c.mu.Unlock()

	zap.L().Info("Updated public keys", zap.String("url", uri), zap.Int("keys", len(keymap)))
	return nil
}

// recordFailure extends the current entry's life within grace; a refreshing
// entry drops back to stale until the ceiling passes.
func (c *Cache) recordFailure(uri string, err error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[uri]
	if !ok {
		return
	}
	e.lastErr = err
	if e.state == stateRefreshing {
		e.state = stateStale
	}
	e.advance(now, c.opts.TTL, c.opts.Grace)
}

func (c *Cache) cachedKey(uri, kid string) crypto.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[uri]
	if !ok {
		return nil
	}
	return e.keys.Get(kid)
}
