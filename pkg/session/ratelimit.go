package session

import (
	"context"
	"sync"
	"time"
)

// Rate limiter policy.
const (
	// DefaultWindow is the fixed-window length.
	DefaultWindow = time.Minute

	// DefaultMaxPerWindow is the request budget per window per IP.
	DefaultMaxPerWindow = 10

	// BackoffThreshold is the consecutive-failure count that starts the
	// exponential backoff.
	BackoffThreshold = 3

	// maxBackoffExponent caps the doubling so the shift cannot overflow
	// on a long failure run.
	maxBackoffExponent = 20

	// entryTTL is how long an idle IP entry survives before the reaper
	// drops it.
	entryTTL = 10 * time.Minute

	// reapTick is the reaper interval.
	reapTick = time.Minute
)

type rlEntry struct {
	windowStart time.Time
	count       int
	failures    int
	lastSeen    time.Time
}

// RateLimiter is the per-IP fixed-window limiter used by registration. A
// run of consecutive failures adds exponential backoff on top: after the
// third failure the block lasts window * 2^(failures-3), measured from the
// window origin and capped at 2^maxBackoffExponent windows, until a
// success clears it.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rlEntry

	window       time.Duration
	maxPerWindow int
	now          func() time.Time
}

// RateLimiterOption customizes a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithWindow overrides the window length.
func WithWindow(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) { rl.window = d }
}

// WithMaxPerWindow overrides the per-window budget.
func WithMaxPerWindow(n int) RateLimiterOption {
	return func(rl *RateLimiter) { rl.maxPerWindow = n }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		entries:      make(map[string]*rlEntry),
		window:       DefaultWindow,
		maxPerWindow: DefaultMaxPerWindow,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow counts one attempt from ip. When the attempt is blocked, the
// returned duration says how long until the source may try again.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		e = &rlEntry{windowStart: now}
		rl.entries[ip] = e
	}
	e.lastSeen = now

	if e.failures >= BackoffThreshold {
		exp := e.failures - BackoffThreshold
		if exp > maxBackoffExponent {
			exp = maxBackoffExponent
		}
		blockedUntil := e.windowStart.Add(rl.window * (1 << exp))
		if now.Before(blockedUntil) {
			return false, blockedUntil.Sub(now)
		}
	}

	if now.Sub(e.windowStart) >= rl.window {
		e.windowStart = now
		e.count = 0
	}

	e.count++
	if e.count > rl.maxPerWindow {
		return false, e.windowStart.Add(rl.window).Sub(now)
	}
	return true, 0
}

// RecordFailure counts one failed attempt from ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e, ok := rl.entries[ip]
	if !ok {
		e = &rlEntry{windowStart: rl.now()}
		rl.entries[ip] = e
	}
	e.failures++
	e.lastSeen = rl.now()
}

// RecordSuccess clears the failure run for ip.
func (rl *RateLimiter) RecordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if e, ok := rl.entries[ip]; ok {
		e.failures = 0
	}
}

// Run reaps idle entries until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(reapTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.reap()
		case <-ctx.Done():
			return
		}
	}
}

func (rl *RateLimiter) reap() {
	horizon := rl.now().Add(-entryTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, e := range rl.entries {
		if e.lastSeen.Before(horizon) {
			delete(rl.entries, ip)
		}
	}
}

// tracked returns the number of live entries.
func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
