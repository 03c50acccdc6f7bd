package services

import (
	"sync"
	"time"
)

// RateLimitReason is shown to callers that exceeded their quota
const RateLimitReason = "Too many requests. Please wait a minute and try again."

// RateDecision is the outcome of a rate limit check
type RateDecision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter counts calls per caller in fixed windows. A window resets
// lazily on the first call observed after it expired.
type RateLimiter struct {
	Quota  int
	Window time.Duration

	// Now is the clock, replaceable in tests
	Now func() time.Time

	windowsMut sync.Mutex
	windows    map[string]*rateWindow
}

// NewRateLimiter creates a limiter allowing quota calls per window
func NewRateLimiter(quota int, window time.Duration) *RateLimiter {
	if quota <= 0 {
		quota = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		Quota:   quota,
		Window:  window,
		Now:     time.Now,
		windows: map[string]*rateWindow{},
	}
}

// Check counts one call for the caller and decides whether it is allowed.
// The read and the increment happen under one lock, so racing calls for the
// same caller cannot both observe the last free slot.
func (l *RateLimiter) Check(callerID string) RateDecision {
	now := l.Now()

	l.windowsMut.Lock()
	defer l.windowsMut.Unlock()

	w, ok := l.windows[callerID]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(l.Window)}
		l.windows[callerID] = w
	}

	if w.count >= l.Quota {
		return RateDecision{
			Allowed:    false,
			Reason:     RateLimitReason,
			RetryAfter: w.resetAt.Sub(now),
		}
	}
	w.count++
	return RateDecision{Allowed: true}
}

// Remaining reports how many calls the caller has left in the current window
func (l *RateLimiter) Remaining(callerID string) int {
	now := l.Now()

	l.windowsMut.Lock()
	defer l.windowsMut.Unlock()

	w, ok := l.windows[callerID]
	if !ok || !now.Before(w.resetAt) {
		return l.Quota
	}
	return max(l.Quota-w.count, 0)
}
