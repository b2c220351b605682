package api

import (
	"net"
	"sync"
	"time"
)

// rateLimiter tracks per-IP request counts in a fixed one-minute window
// plus an auth-failure counter that blocks the IP for blockDuration once
// exceeded. Entries untouched for staleTTL are pruned opportunistically.
type limiterEntry struct {
	windowStart  time.Time
	requestCount int
	authFailures int
	blockedUntil time.Time
	lastSeen     time.Time
}

type rateLimiter struct {
	mu            sync.Mutex
	requestLimit  int
	authFailLimit int
	blockDuration time.Duration
	staleTTL      time.Duration
	opCount       uint64
	entries       map[string]*limiterEntry
}

func newRateLimiter(requestLimit, authFailLimit int, blockDuration time.Duration) *rateLimiter {
	if requestLimit <= 0 {
		requestLimit = 120
	}
	if authFailLimit <= 0 {
		authFailLimit = 10
	}
	if blockDuration <= 0 {
		blockDuration = 10 * time.Minute
	}
	staleTTL := 30 * time.Minute
	if d := blockDuration * 3; d > staleTTL {
		staleTTL = d
	}
	return &rateLimiter{
		requestLimit:  requestLimit,
		authFailLimit: authFailLimit,
		blockDuration: blockDuration,
		staleTTL:      staleTTL,
		entries:       make(map[string]*limiterEntry),
	}
}

func (r *rateLimiter) allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e := r.entry(ip, now)
	r.maybePrune(now)
	if now.Before(e.blockedUntil) {
		return false
	}
	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.requestCount = 0
		e.authFailures = 0
	}
	e.requestCount++
	return e.requestCount <= r.requestLimit
}

// addAuthFailure returns true once the IP crossed the failure limit and
// is now blocked.
func (r *rateLimiter) addAuthFailure(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e := r.entry(ip, now)
	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.requestCount = 0
		e.authFailures = 0
	}
	e.authFailures++
	if e.authFailures >= r.authFailLimit {
		e.blockedUntil = now.Add(r.blockDuration)
		return true
	}
	return false
}

func (r *rateLimiter) clearAuthFailures(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[ip]; ok {
		e.authFailures = 0
	}
}

func (r *rateLimiter) entry(ip string, now time.Time) *limiterEntry {
	e, ok := r.entries[ip]
	if !ok {
		e = &limiterEntry{windowStart: now, lastSeen: now}
		r.entries[ip] = e
		return e
	}
	e.lastSeen = now
	return e
}

// maybePrune drops stale, unblocked entries every 256 operations.
func (r *rateLimiter) maybePrune(now time.Time) {
	r.opCount++
	if r.opCount%256 != 0 {
		return
	}
	cutoff := now.Add(-r.staleTTL)
	for ip, e := range r.entries {
		if e.lastSeen.Before(cutoff) && !now.Before(e.blockedUntil) {
			delete(r.entries, ip)
		}
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		return host
	}
	return remoteAddr
}
