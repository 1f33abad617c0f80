package common

import (
	"sync"
	"time"
)

// RateLimiter реализует sliding-window лимит запросов на subject транспорта.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
}

// NewRateLimiter создает limiter с лимитом событий в окне.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// Allow возвращает true, если запрос укладывается в лимит.
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.recent(l.events[key], now)
	if len(kept) >= l.limit {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	return true
}

// Prune удаляет ключи без событий в текущем окне и возвращает их число.
func (l *RateLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, items := range l.events {
		kept := l.recent(items, now)
		if len(kept) == 0 {
			delete(l.events, key)
			removed++
			continue
		}
		l.events[key] = kept
	}
	return removed
}

func (l *RateLimiter) recent(items []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	kept := items[:0]
	for _, ts := range items {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
