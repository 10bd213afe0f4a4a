// Package ratelimit throttles requests per caller with token buckets.
// Idle callers are evicted by a background sweep that stops on Close.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultSweepInterval = time.Minute
	defaultIdleTTL       = 10 * time.Minute
)

// Config sizes the buckets.
type Config struct {
	RequestsPerMinute int
	Burst             int // defaults to RequestsPerMinute
	SweepInterval     time.Duration
	IdleTTL           time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store holds one limiter per key. A zero RequestsPerMinute allows
// everything.
type Store struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// New creates a Store and starts its sweep loop.
func New(cfg Config, logger *slog.Logger) *Store {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:   cfg.Burst,
		ttl:     cfg.IdleTTL,
		now:     time.Now,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger.With("component", "ratelimit"),
	}
	if cfg.RequestsPerMinute <= 0 {
		s.limit = rate.Inf
	}
	go s.sweepLoop(cfg.SweepInterval)
	return s
}

// Allow reports whether key may make a request now, and if not, how
// long until it may.
func (s *Store) Allow(key string) (bool, time.Duration) {
	if s.limit == rate.Inf {
		return true, 0
	}

	now := s.now()
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts keys idle longer than the TTL and returns how many were
// removed.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("evicted idle rate limit entries", "count", n, "remaining", s.Len())
			}
		}
	}
}

// Close stops the sweep loop and waits for it to exit. It is safe to
// call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
