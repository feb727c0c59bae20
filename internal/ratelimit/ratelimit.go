// Package ratelimit is the HTTP Ingest Edge's per-client token bucket
// (spec §4.E, default 20 req/min). One golang.org/x/time/rate.Limiter
// per client identity, stored in a sync.Map the way the corpus keys
// per-key resources lazily on first sight.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Store hands out a rate.Limiter per client key, creating one lazily on
// first use with the configured rate and burst.
type Store struct {
	perMinute int
	limiters  sync.Map // key -> *rate.Limiter
}

// New returns a Store issuing limiters allowing perMinute requests per
// minute, with a one-minute burst (spec §4.E default 20/min).
func New(perMinute int) *Store {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &Store{perMinute: perMinute}
}

// Allow reports whether a request from key may proceed right now.
func (s *Store) Allow(key string) bool {
	return s.limiterFor(key).Allow()
}

func (s *Store) limiterFor(key string) *rate.Limiter {
	if v, ok := s.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}
	limit := rate.Limit(float64(s.perMinute) / 60.0)
	limiter := rate.NewLimiter(limit, s.perMinute)
	actual, _ := s.limiters.LoadOrStore(key, limiter)
	return actual.(*rate.Limiter)
}
