// Package ratelimit implements per-host token buckets for archive submissions.
package ratelimit

import (
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// maxHosts bounds the limiter table; idle buckets are pruned past it.
const maxHosts = 4096

// Limiter manages per-host rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	PerHostRPS   float64
	PerHostBurst int
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.PerHostBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Allow reports whether a submission for rawURL may proceed now. It never
// blocks; a denied call consumes no token.
func (l *Limiter) Allow(rawURL string) bool {
	if l == nil || l.defaultRate == rate.Inf {
		return true
	}
	return l.limiterFor(Host(rawURL)).Allow()
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if ok {
		return limiter
	}
	if len(l.limiters) >= maxHosts {
		l.pruneLocked()
	}
	limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.limiters[host] = limiter
	return limiter
}

// pruneLocked drops buckets that have refilled completely, since a fresh
// bucket behaves identically.
func (l *Limiter) pruneLocked() {
	for host, limiter := range l.limiters {
		if limiter.Tokens() >= float64(l.defaultBurst) {
			delete(l.limiters, host)
		}
	}
}

// Hosts returns the number of tracked hosts.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Host extracts the lower-cased host used as the bucket key.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
