// Package memory provides a size and TTL bounded key-value store, and a
// bridge that mirrors it into an optional external cache.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	mcperrors "mcp-resource-server/internal/errors"
)

// Removal reasons reported to an Observer.
const (
	ReasonEvicted = "evicted"
	ReasonExpired = "expired"
)

// Observer receives counts of entries the store removed on its own.
type Observer interface {
	ObserveRemoval(reason string, n int)
}

// Config holds the store limits.
type Config struct {
	MaxBytes   int64
	DefaultTTL time.Duration
}

// Store is a map of entries bounded by total byte size. Every entry
// expires; expired entries are invisible to reads before they are purged.
//
// One mutex guards the map and the used byte counter. No operation does
// I/O while holding it.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	used     int64
	seq      uint64
	cfg      Config
	now      func() time.Time
	observer Observer

	evictions   int64
	expirations int64
}

type entry struct {
	key       string
	value     interface{}
	size      int64
	createdAt time.Time
	expiresAt time.Time
	seq       uint64
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Entry is a snapshot of a stored value.
type Entry struct {
	Key          string
	Value        interface{}
	Size         int64
	CreatedAt    time.Time
	ExpiresAt    time.Time
	TTLRemaining time.Duration
}

// StoreResult describes an accepted insertion.
type StoreResult struct {
	Key       string
	Size      int64
	TTL       time.Duration
	ExpiresAt time.Time
	Replaced  bool
	Evicted   int
}

// Stats is a point-in-time view of the store.
type Stats struct {
	UsedBytes          int64   `json:"used_bytes"`
	MaxBytes           int64   `json:"max_bytes"`
	KeyCount           int     `json:"key_count"`
	UtilizationPercent float64 `json:"utilization_percent"`
	Evictions          int64   `json:"evictions"`
	Expirations        int64   `json:"expirations"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// NewStore creates an empty store.
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now reads the store's clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// DefaultTTL returns the TTL applied when a caller passes zero.
func (s *Store) DefaultTTL() time.Duration {
	return s.cfg.DefaultTTL
}

// Store inserts or replaces key. A zero ttl means the default TTL. When
// the entry does not fit, expired entries are purged first and then live
// entries are evicted earliest deadline first, ties broken by insertion
// order. The entry being replaced is never evicted to make room for
// itself; its bytes are credited instead.
func (s *Store) Store(key string, value interface{}, ttl time.Duration) (*StoreResult, error) {
	if ttl < 0 {
		return nil, mcperrors.InvalidArgument("ttl", "must not be negative")
	}
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}

	size := entrySize(key, value)
	if size > s.cfg.MaxBytes {
		return nil, mcperrors.SizeExceeded(s.cfg.MaxBytes, size)
	}

	s.mu.Lock()
	now := s.now()

	var replacedSize int64
	old, replacing := s.entries[key]
	if replacing {
		if old.expired(now) {
			s.removeLocked(old)
			s.expirations++
			replacing = false
		} else {
			replacedSize = old.size
		}
	}

	var expired, evicted int
	if s.used-replacedSize+size > s.cfg.MaxBytes {
		expired = s.purgeExpiredLocked(now)
		evicted = s.evictLocked(key, s.used-replacedSize+size-s.cfg.MaxBytes)
	}

	if replacing {
		s.removeLocked(old)
	}

	s.seq++
	e := &entry{
		key:       key,
		value:     value,
		size:      size,
		createdAt: now,
		expiresAt: now.Add(ttl),
		seq:       s.seq,
	}
	s.entries[key] = e
	s.used += size
	s.mu.Unlock()

	s.notify(ReasonExpired, expired)
	s.notify(ReasonEvicted, evicted)

	return &StoreResult{
		Key:       key,
		Size:      size,
		TTL:       ttl,
		ExpiresAt: e.expiresAt,
		Replaced:  replacing,
		Evicted:   evicted,
	}, nil
}

// Retrieve returns the live entry for key, or NotFound.
func (s *Store) Retrieve(key string) (*Entry, error) {
	s.mu.Lock()
	now := s.now()
	e, ok := s.entries[key]
	if ok && e.expired(now) {
		s.removeLocked(e)
		s.expirations++
		s.mu.Unlock()
		s.notify(ReasonExpired, 1)
		return nil, mcperrors.NotFound("key", key)
	}
	if !ok {
		s.mu.Unlock()
		return nil, mcperrors.NotFound("key", key)
	}
	snapshot := &Entry{
		Key:          e.key,
		Value:        e.value,
		Size:         e.size,
		CreatedAt:    e.createdAt,
		ExpiresAt:    e.expiresAt,
		TTLRemaining: e.expiresAt.Sub(now),
	}
	s.mu.Unlock()
	return snapshot, nil
}

// Exists reports whether key holds a live entry.
func (s *Store) Exists(key string) bool {
	_, err := s.Retrieve(key)
	return err == nil
}

// Delete removes key. A missing or expired key is NotFound.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return mcperrors.NotFound("key", key)
	}
	s.removeLocked(e)
	if e.expired(s.now()) {
		s.expirations++
		s.mu.Unlock()
		s.notify(ReasonExpired, 1)
		return mcperrors.NotFound("key", key)
	}
	s.mu.Unlock()
	return nil
}

// Clear removes every entry and returns how many were live.
func (s *Store) Clear() int {
	s.mu.Lock()
	now := s.now()
	live := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			live++
		}
	}
	s.entries = make(map[string]*entry)
	s.used = 0
	s.mu.Unlock()
	return live
}

// Sweep purges expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	n := s.purgeExpiredLocked(s.now())
	s.mu.Unlock()
	s.notify(ReasonExpired, n)
	return n
}

// Stats purges expired entries and reports usage.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	n := s.purgeExpiredLocked(s.now())
	stats := Stats{
		UsedBytes:   s.used,
		MaxBytes:    s.cfg.MaxBytes,
		KeyCount:    len(s.entries),
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
	s.mu.Unlock()
	s.notify(ReasonExpired, n)

	if stats.MaxBytes > 0 {
		stats.UtilizationPercent = float64(stats.UsedBytes) / float64(stats.MaxBytes) * 100
	}
	return stats
}

// Usage reports bytes and keys without purging, for metrics scrapes.
func (s *Store) Usage() (int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, len(s.entries)
}

// Run sweeps expired entries every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// removeLocked is the only place that deletes from the map, so used is
// decremented exactly once per entry.
func (s *Store) removeLocked(e *entry) {
	if cur, ok := s.entries[e.key]; !ok || cur != e {
		return
	}
	delete(s.entries, e.key)
	s.used -= e.size
}

func (s *Store) purgeExpiredLocked(now time.Time) int {
	n := 0
	for _, e := range s.entries {
		if e.expired(now) {
			s.removeLocked(e)
			n++
		}
	}
	s.expirations += int64(n)
	return n
}

// evictLocked frees at least need bytes from live entries other than
// skip, earliest expiry first.
func (s *Store) evictLocked(skip string, need int64) int {
	if need <= 0 {
		return 0
	}

	candidates := make([]*entry, 0, len(s.entries))
	for k, e := range s.entries {
		if k != skip {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.expiresAt.Equal(b.expiresAt) {
			return a.expiresAt.Before(b.expiresAt)
		}
		return a.seq < b.seq
	})

	var freed int64
	n := 0
	for _, e := range candidates {
		if freed >= need {
			break
		}
		s.removeLocked(e)
		freed += e.size
		n++
	}
	s.evictions += int64(n)
	return n
}

func (s *Store) notify(reason string, n int) {
	if s.observer != nil && n > 0 {
		s.observer.ObserveRemoval(reason, n)
	}
}
