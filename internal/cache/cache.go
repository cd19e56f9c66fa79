// Package cache implements the TTL-bounded read-through store for reference
// data. Reads prefer fresh entries, fall back to the caller-supplied fetch,
// and serve stale data rather than an error when the backend is unreachable.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/davlens/bidsync/internal/clock"
)

// staleRetentionFactor controls how long an expired entry is kept around as
// stale-fallback material before the sweep reclaims it: an entry survives
// sweeps until its age exceeds ttl * staleRetentionFactor.
const staleRetentionFactor = 2

type entry struct {
	value     any
	writtenAt time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.writtenAt) > e.ttl
}

func (e entry) reclaimable(now time.Time) bool {
	return now.Sub(e.writtenAt) > e.ttl*staleRetentionFactor
}

// Metrics is a point-in-time snapshot of store counters, for diagnostics only.
type Metrics struct {
	Hits        int64
	Misses      int64
	StaleServes int64
	Evictions   int64
	Sweeps      int64
}

// Store is the process-wide TTL cache. Construct one per application and pass
// it to every consumer; the in-flight fetch de-duplication only helps if all
// readers share the instance.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	metrics Metrics
	closed  bool
	sweep   clock.Timer

	group         singleflight.Group
	clk           clock.Clock
	log           *zap.Logger
	sweepInterval time.Duration
}

// New creates a Store and starts its background sweep. A sweepInterval of 0
// disables sweeping. Close must be called to release the sweep timer.
func New(clk clock.Clock, sweepInterval time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		entries:       make(map[string]entry),
		clk:           clk,
		log:           log,
		sweepInterval: sweepInterval,
	}
	if sweepInterval > 0 {
		s.sweep = clk.AfterFunc(sweepInterval, s.sweepTick)
	}
	return s
}

// Get returns the cached value for key if present and unexpired.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.clk.Now()) {
		s.metrics.Misses++
		return nil, false
	}
	s.metrics.Hits++
	return e.value, true
}

// GetOrFetch returns a fresh cached value for key, or fetches one. On fetch
// success the result is written with the given ttl and returned. On fetch
// failure a stale entry, if any exists, is served instead of the error; the
// error propagates only when the store has never held a value for key.
// Concurrent calls for the same key share a single fetch.
func GetOrFetch[T any](ctx context.Context, s *Store, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	v, err, _ := s.group.Do(key, func() (any, error) {
		if cached, ok := s.fresh(key); ok {
			return cached, nil
		}

		value, err := fetch(ctx)
		if err == nil {
			s.put(key, value, ttl)
			return value, nil
		}

		if stale, ok := s.staleFallback(key); ok {
			s.log.Warn("serving stale cache entry after fetch failure",
				zap.String("key", key),
				zap.Error(err))
			return stale, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	})

	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry %s holds %T, not %T", key, v, zero)
	}
	return typed, nil
}

// fresh returns the unexpired value for key, counting a hit or miss.
func (s *Store) fresh(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.clk.Now()) {
		s.metrics.Misses++
		return nil, false
	}
	s.metrics.Hits++
	return e.value, true
}

// staleFallback returns whatever value is held for key regardless of expiry.
func (s *Store) staleFallback(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	s.metrics.StaleServes++
	return e.value, true
}

// put replaces the entry for key wholesale; entries are never mutated in place
// and the ttl is fixed at write time.
func (s *Store) put(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.entries[key] = entry{value: value, writtenAt: s.clk.Now(), ttl: ttl}
}

// Invalidate removes the entry for key. Call it whenever a write path outside
// this layer changes the underlying data.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// InvalidateAll removes every entry, or with a prefix only the entries whose
// key starts with it.
func (s *Store) InvalidateAll(prefix ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(prefix) == 0 {
		s.entries = make(map[string]entry)
		return
	}
	for key := range s.entries {
		for _, p := range prefix {
			if strings.HasPrefix(key, p) {
				delete(s.entries, key)
				break
			}
		}
	}
}

// Len reports the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns the current counters.
func (s *Store) Snapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// sweepTick reclaims long-expired entries and reschedules itself. This is a
// memory-reclamation pass, not a correctness requirement.
func (s *Store) sweepTick() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.clk.Now()
	evicted := 0
	for key, e := range s.entries {
		if e.reclaimable(now) {
			delete(s.entries, key)
			evicted++
		}
	}
	s.metrics.Sweeps++
	s.metrics.Evictions += int64(evicted)
	s.sweep = s.clk.AfterFunc(s.sweepInterval, s.sweepTick)
	s.mu.Unlock()

	if evicted > 0 {
		s.log.Debug("cache sweep reclaimed entries", zap.Int("evicted", evicted))
	}
}

// Close stops the sweep and drops all entries. The store must not be used
// afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.sweep != nil {
		s.sweep.Stop()
	}
	s.entries = make(map[string]entry)
}
