package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	Allow(key string) bool
}

// simpleRateLimiter counts attempts per key in fixed windows. Entries are
// pruned opportunistically when a new window opens, so memory stays bounded
// by the number of keys active within one window.
type simpleRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu    sync.Mutex
	store map[string]rateWindow
}

type rateWindow struct {
	attempts  int
	expiresAt time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateWindow),
	}
}

func (l *simpleRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	win, ok := l.store[key]
	if !ok || now.After(win.expiresAt) {
		l.store[key] = rateWindow{attempts: 1, expiresAt: now.Add(l.window)}
		l.evictStaleLocked(now)
		return true
	}

	if win.attempts >= l.limit {
		return false
	}
	win.attempts++
	l.store[key] = win
	return true
}

func (l *simpleRateLimiter) evictStaleLocked(now time.Time) {
	for key, win := range l.store {
		if now.After(win.expiresAt) {
			delete(l.store, key)
		}
	}
}
