package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxLimiterEntries = 10000

// limiterEntry pairs a token bucket with its LRU bookkeeping.
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter applies a per-identifier token bucket (identifier is typically
// a client IP or an owner ID). Tracked identifiers are bounded; the least
// recently used entry is evicted when the cap is reached.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*list.Element
	lru      *list.List

	perSecond  int
	burst      int
	maxEntries int

	logger *slog.Logger
	stop   chan struct{}

	evictions int64
}

// NewRateLimiter creates a limiter with the default entry cap and starts its
// background cleanup. Call Stop when done.
func NewRateLimiter(perSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithCap(perSecond, burst, defaultMaxLimiterEntries, logger)
}

// NewRateLimiterWithCap creates a limiter tracking at most maxEntries
// identifiers. A maxEntries of 0 disables the cap.
func NewRateLimiterWithCap(perSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = defaultMaxLimiterEntries
	}

	rl := &RateLimiter{
		limiters:   make(map[string]*list.Element),
		lru:        list.New(),
		perSecond:  perSecond,
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether the identifier may proceed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = time.Now()
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.perSecond), rl.burst),
		lastAccess: time.Now(),
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// evictOldest drops the least recently used entry. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	back := rl.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*limiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lru.Remove(back)
	rl.evictions++
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(30 * time.Minute)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup removes identifiers idle longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(rl.limiters, entry.identifier)
			rl.lru.Remove(elem)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.limiters))
	}
}

// Stop ends the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

// Stats is a point-in-time snapshot for monitoring.
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
}

// GetStats returns current limiter statistics.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.evictions,
	}
}
