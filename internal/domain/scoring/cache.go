package scoring

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/pkg/metrics"
)

// DefaultCacheTTL is how long an observation is served from memory.
const DefaultCacheTTL = 30 * time.Second

// BatchObserver is the behavior shared by Observer and CachedObserver.
type BatchObserver interface {
	Observe(ctx context.Context, fid int64) (Observation, error)
	ObserveBatch(ctx context.Context, fids []int64) (map[int64]Observation, map[int64]error)
}

type cacheEntry struct {
	obs     Observation
	expires time.Time
}

// CachedObserver keeps successful observations for a short TTL and collapses
// concurrent lookups of the same identity into one upstream call. Failures
// are never cached.
type CachedObserver struct {
	inner   BatchObserver
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[int64]cacheEntry
	flight  singleflight.Group
}

// CacheOption configures a CachedObserver.
type CacheOption func(*CachedObserver)

// WithFlightTimeout bounds a shared lookup independently of the callers
// waiting on it.
func WithFlightTimeout(d time.Duration) CacheOption {
	return func(c *CachedObserver) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCachedObserver wraps inner. A non-positive ttl disables caching but
// keeps single-flight.
func NewCachedObserver(inner BatchObserver, ttl time.Duration, opts ...CacheOption) *CachedObserver {
	c := &CachedObserver{
		inner:   inner,
		ttl:     ttl,
		timeout: defaultTimeout,
		now:     time.Now,
		entries: make(map[int64]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe returns a cached observation or fetches one.
func (c *CachedObserver) Observe(ctx context.Context, fid int64) (Observation, error) {
	if err := model.ValidateFID(fid); err != nil {
		return Observation{}, err
	}
	if obs, ok := c.get(fid); ok {
		metrics.RecordObserverCache("hit")
		return obs, nil
	}
	metrics.RecordObserverCache("miss")

	// The flight outlives any single caller; each caller stops waiting on
	// its own context.
	ch := c.flight.DoChan(strconv.FormatInt(fid, 10), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		obs, err := c.inner.Observe(fctx, fid)
		if err != nil {
			return nil, err
		}
		c.put(fid, obs)
		return obs, nil
	})
	select {
	case <-ctx.Done():
		return Observation{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.RecordObserverCache("shared")
		}
		if res.Err != nil {
			return Observation{}, res.Err
		}
		return res.Val.(Observation), nil
	}
}

// ObserveBatch serves cached identities and fetches the rest in one call.
func (c *CachedObserver) ObserveBatch(ctx context.Context, fids []int64) (map[int64]Observation, map[int64]error) {
	hits := make(map[int64]Observation, len(fids))
	missing := make([]int64, 0, len(fids))
	for _, fid := range fids {
		if obs, ok := c.get(fid); ok {
			hits[fid] = obs
			continue
		}
		missing = append(missing, fid)
	}
	if len(missing) == 0 {
		return hits, map[int64]error{}
	}

	obs, errs := c.inner.ObserveBatch(ctx, missing)
	for fid, o := range obs {
		c.put(fid, o)
		hits[fid] = o
	}
	return hits, errs
}

// Invalidate drops a cached identity.
func (c *CachedObserver) Invalidate(fid int64) {
	c.mu.Lock()
	delete(c.entries, fid)
	c.mu.Unlock()
}

func (c *CachedObserver) get(fid int64) (Observation, bool) {
	if c.ttl <= 0 {
		return Observation{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fid]
	if !ok {
		return Observation{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, fid)
		return Observation{}, false
	}
	return e.obs, true
}

func (c *CachedObserver) put(fid int64, obs Observation) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	// Opportunistic sweep keeps the map bounded by recent traffic.
	if len(c.entries) > 4096 {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[fid] = cacheEntry{obs: obs, expires: now.Add(c.ttl)}
}
